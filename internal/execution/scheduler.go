package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

// Target executes one prompt against one test case input
type Target interface {
	Execute(ctx context.Context, cfg models.ExecutionTargetConfig, prompt string, input map[string]interface{}, testCaseID string) (models.ExecutionResult, error)
}

// Scheduler runs batches of test cases against a Target
type Scheduler struct {
	target Target
	tracer trace.Tracer
	logger *logging.Logger
}

// NewScheduler creates a scheduler for target
func NewScheduler(target Target, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		target: target,
		tracer: otel.Tracer("execution-scheduler"),
		logger: logger.Named("execution-scheduler"),
	}
}

// SerialExecute runs the batch one test case at a time, stopping at the first error
func (s *Scheduler) SerialExecute(ctx context.Context, cfg models.ExecutionTargetConfig, prompt string, batch []models.TestCase) ([]models.ExecutionResult, error) {
	if len(batch) == 0 {
		return []models.ExecutionResult{}, nil
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.serial_execute")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	results := make([]models.ExecutionResult, 0, len(batch))
	for _, tc := range batch {
		if err := ctx.Err(); err != nil {
			return nil, NewError(KindInternal, tc.ID, "execution cancelled", err)
		}
		res, err := s.executeOne(ctx, cfg, prompt, tc)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		results = append(results, res)
	}

	return results, nil
}

// ParallelExecute runs the batch with at most maxConcurrency target calls in
// flight. Result i always belongs to batch[i]. The first failure cancels the
// remaining work and no partial results are returned.
func (s *Scheduler) ParallelExecute(ctx context.Context, cfg models.ExecutionTargetConfig, prompt string, batch []models.TestCase, maxConcurrency int) ([]models.ExecutionResult, error) {
	if maxConcurrency < 1 {
		return nil, NewError(KindInvalidRequest, "", fmt.Sprintf("max concurrency must be at least 1, got %d", maxConcurrency), nil)
	}
	if len(batch) == 0 {
		return []models.ExecutionResult{}, nil
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.parallel_execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int("batch.size", len(batch)),
		attribute.Int("batch.max_concurrency", maxConcurrency),
	)

	slots := make([]models.ExecutionResult, len(batch))
	sem := semaphore.NewWeighted(int64(maxConcurrency))
	g, gctx := errgroup.WithContext(ctx)

	var acquireErr error
	for i := range batch {
		if err := sem.Acquire(gctx, 1); err != nil {
			acquireErr = err
			break
		}

		tc := batch[i]
		g.Go(func() error {
			defer sem.Release(1)
			res, err := s.executeOne(gctx, cfg, prompt, tc)
			if err != nil {
				return err
			}
			slots[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		s.logger.WithError(err).Warn("batch aborted", "batch_size", len(batch))
		return nil, err
	}
	if acquireErr != nil {
		span.RecordError(acquireErr)
		return nil, NewError(KindInternal, "", "execution cancelled", acquireErr)
	}

	return slots, nil
}

func (s *Scheduler) executeOne(ctx context.Context, cfg models.ExecutionTargetConfig, prompt string, tc models.TestCase) (models.ExecutionResult, error) {
	start := time.Now()
	res, err := s.target.Execute(ctx, cfg, prompt, tc.Input, tc.ID)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return models.ExecutionResult{}, err
		}
		return models.ExecutionResult{}, NewError(KindInternal, tc.ID, "execution target failed", err)
	}
	if res.Latency == 0 {
		res.Latency = time.Since(start)
	}
	return res, nil
}

// ValidateAlignment checks that results[i] belongs to batch[i] for every i
func ValidateAlignment(batch []models.TestCase, results []models.ExecutionResult) error {
	if len(batch) != len(results) {
		return fmt.Errorf("%w: %d test cases, %d results", ErrResultMismatch, len(batch), len(results))
	}
	for i := range batch {
		if batch[i].ID != results[i].TestCaseID {
			return fmt.Errorf("%w: position %d expected %s, got %s", ErrResultMismatch, i, batch[i].ID, results[i].TestCaseID)
		}
	}
	return nil
}
