// Package recovery finds optimization tasks that stopped without reaching a
// terminal state and hands them back to the engine from a checkpoint.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tangjunyou/prompt-faster-sub001/internal/checkpoint"
	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/metrics"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
	"github.com/tangjunyou/prompt-faster-sub001/internal/pause"
)

var (
	// ErrTaskNotFound covers both missing tasks and tasks owned by someone else
	ErrTaskNotFound = errors.New("task not found")
	// ErrCheckpointNotFound is returned when the task has no checkpoint, or not the one named
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrNoValidCheckpoint is returned when every candidate checkpoint fails validation
	ErrNoValidCheckpoint = errors.New("no valid checkpoint")
	// ErrPauseStateNotFound is returned when the task is not suspended
	ErrPauseStateNotFound = errors.New("pause state not found")
	// ErrTaskFinished is returned when the chosen checkpoint is already terminal
	ErrTaskFinished = errors.New("task already finished")
)

// TaskStore is the task persistence the service reads
type TaskStore interface {
	IsOwner(ctx context.Context, userID, taskID string) (bool, error)
	ListOwned(ctx context.Context, userID string) ([]models.Task, error)
	LoadContext(ctx context.Context, taskID string) (*models.OptimizationContext, error)
}

// MarkerStore records the recovery decision taken for a task
type MarkerStore interface {
	Put(ctx context.Context, taskID string, status models.RecoveryStatus, checkpointID string, at time.Time) error
	Get(ctx context.Context, taskID string) (*models.RecoveryMarker, error)
}

// Launcher starts a resumed loop in the background
type Launcher interface {
	StartResume(cp *models.Checkpoint, octx *models.OptimizationContext) error
	IsRunning(taskID string) bool
}

// Service detects, recovers and aborts unfinished tasks
type Service struct {
	tasks       TaskStore
	markers     MarkerStore
	checkpoints *checkpoint.Service
	launcher    Launcher
	registry    *pause.Registry
	metrics     *metrics.OptimizationMetrics
	tracer      trace.Tracer
	logger      *logging.Logger
	now         func() time.Time

	// reported holds, per task, the checkpoint last counted as detected
	mu       sync.Mutex
	reported map[string]string

	detected  atomic.Int64
	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	aborts    atomic.Int64
}

// NewService creates a recovery service
func NewService(tasks TaskStore, markers MarkerStore, checkpoints *checkpoint.Service, launcher Launcher, registry *pause.Registry, m *metrics.OptimizationMetrics, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		tasks:       tasks,
		markers:     markers,
		checkpoints: checkpoints,
		launcher:    launcher,
		registry:    registry,
		metrics:     m,
		tracer:      otel.Tracer("recovery-service"),
		logger:      logger.Named("recovery-service"),
		now:         time.Now,
		reported:    make(map[string]string),
	}
}

// DetectUnfinishedTasks lists the user's tasks whose latest checkpoint is not
// terminal, skipping tasks with a live loop and tasks whose recovery was
// aborted at that same checkpoint.
func (s *Service) DetectUnfinishedTasks(ctx context.Context, userID string) ([]models.UnfinishedTask, error) {
	ctx, span := s.tracer.Start(ctx, "recovery.detect_unfinished")
	defer span.End()

	tasks, err := s.tasks.ListOwned(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	unfinished := make([]models.UnfinishedTask, 0)
	for _, task := range tasks {
		if s.launcher.IsRunning(task.ID) {
			continue
		}
		cp, err := s.checkpoints.Latest(ctx, task.ID)
		if errors.Is(err, checkpoint.ErrNotFound) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to load latest checkpoint of task %s: %w", task.ID, err)
		}
		if cp.State.IsTerminal() {
			continue
		}

		marker, err := s.markers.Get(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		if marker != nil && marker.Status == models.RecoveryStatusAborted && marker.CheckpointID == cp.ID {
			continue
		}

		unfinished = append(unfinished, models.UnfinishedTask{
			TaskID:           task.ID,
			TaskName:         task.Name,
			CheckpointID:     cp.ID,
			Iteration:        cp.Iteration,
			State:            cp.State,
			LastCheckpointAt: cp.CreatedAt,
		})
	}

	s.countDetected(unfinished)
	span.SetAttributes(attribute.Int("unfinished.count", len(unfinished)))
	return unfinished, nil
}

// countDetected counts each task/checkpoint pair once, however often the
// list is polled
func (s *Service) countDetected(unfinished []models.UnfinishedTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range unfinished {
		if s.reported[u.TaskID] == u.CheckpointID {
			continue
		}
		s.reported[u.TaskID] = u.CheckpointID
		s.detected.Add(1)
	}
}

// RecoverTask resumes a task from checkpointID, or from its latest valid
// checkpoint when checkpointID is empty. The loop runs in the background;
// the returned checkpoint is the one it resumed from.
func (s *Service) RecoverTask(ctx context.Context, userID, taskID, checkpointID string) (cp *models.Checkpoint, err error) {
	ctx, span := s.tracer.Start(ctx, "recovery.recover_task")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID))

	log := s.logger.WithTaskID(taskID)
	s.attempts.Add(1)
	defer func() {
		if err != nil {
			s.failures.Add(1)
			s.metrics.RecordRecovery(ctx, "failure")
			span.RecordError(err)
			log.WithError(err).Warn("recovery failed")
		}
	}()

	if err := s.checkOwner(ctx, userID, taskID); err != nil {
		return nil, err
	}

	cp, err = s.resolveCheckpoint(ctx, taskID, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.State.IsTerminal() {
		return nil, fmt.Errorf("%w: checkpoint %s is %s", ErrTaskFinished, cp.ID, cp.State)
	}

	octx, err := s.tasks.LoadContext(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if err := s.launcher.StartResume(cp, octx); err != nil {
		return nil, err
	}

	if err := s.markers.Put(ctx, taskID, models.RecoveryStatusRecovered, cp.ID, s.now()); err != nil {
		log.WithError(err).Warn("failed to record recovery marker")
	}

	s.successes.Add(1)
	s.metrics.RecordRecovery(ctx, "success")
	log.WithCheckpointID(cp.ID).Info("task recovered", "iteration", cp.Iteration, "state", string(cp.State))
	return cp, nil
}

func (s *Service) resolveCheckpoint(ctx context.Context, taskID, checkpointID string) (*models.Checkpoint, error) {
	if checkpointID == "" {
		cp, err := s.checkpoints.LatestValid(ctx, taskID)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			return nil, ErrCheckpointNotFound
		case errors.Is(err, checkpoint.ErrInvalid):
			return nil, ErrNoValidCheckpoint
		case err != nil:
			return nil, err
		}
		return cp, nil
	}

	cp, err := s.checkpoints.Get(ctx, checkpointID)
	if errors.Is(err, checkpoint.ErrNotFound) || (err == nil && cp.TaskID != taskID) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	if !cp.IntegrityOK {
		return nil, fmt.Errorf("%w: checkpoint %s failed its integrity check", ErrNoValidCheckpoint, cp.ID)
	}
	if err := checkpoint.Validate(cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoValidCheckpoint, err)
	}
	if cp.IsArchived() {
		return nil, fmt.Errorf("%w: checkpoint %s is archived", ErrNoValidCheckpoint, cp.ID)
	}
	return cp, nil
}

// AbortRecovery hides the task from detection until a newer checkpoint is
// written. Checkpoints are left untouched.
func (s *Service) AbortRecovery(ctx context.Context, userID, taskID string) error {
	if err := s.checkOwner(ctx, userID, taskID); err != nil {
		return err
	}

	cp, err := s.checkpoints.Latest(ctx, taskID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return ErrCheckpointNotFound
	}
	if err != nil {
		return err
	}

	if err := s.markers.Put(ctx, taskID, models.RecoveryStatusAborted, cp.ID, s.now()); err != nil {
		return err
	}

	s.aborts.Add(1)
	s.metrics.RecordRecovery(ctx, "aborted")
	s.logger.WithTaskID(taskID).WithCheckpointID(cp.ID).Info("recovery aborted")
	return nil
}

// PauseState returns the snapshot of a suspended task
func (s *Service) PauseState(ctx context.Context, userID, taskID string) (*models.PauseSnapshot, error) {
	if err := s.checkOwner(ctx, userID, taskID); err != nil {
		return nil, err
	}
	ctrl, ok := s.registry.Get(taskID)
	if !ok {
		return nil, ErrPauseStateNotFound
	}
	snap := ctrl.Snapshot()
	if snap == nil {
		return nil, ErrPauseStateNotFound
	}
	return snap, nil
}

// Metrics returns the counters accumulated since start
func (s *Service) Metrics() models.RecoveryMetrics {
	return models.RecoveryMetrics{
		Detected:  s.detected.Load(),
		Attempts:  s.attempts.Load(),
		Successes: s.successes.Load(),
		Failures:  s.failures.Load(),
		Aborts:    s.aborts.Load(),
	}
}

func (s *Service) checkOwner(ctx context.Context, userID, taskID string) error {
	if userID == "" || taskID == "" {
		return ErrTaskNotFound
	}
	ok, err := s.tasks.IsOwner(ctx, userID, taskID)
	if err != nil {
		return fmt.Errorf("failed to check task ownership: %w", err)
	}
	if !ok {
		return ErrTaskNotFound
	}
	return nil
}
