package orchestration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/metrics"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
	"github.com/tangjunyou/prompt-faster-sub001/internal/pause"
)

// ErrTaskAlreadyRunning is returned when a loop is already active for the task
var ErrTaskAlreadyRunning = errors.New("optimization loop already running for task")

// ErrRunnerClosed is returned by Start after Shutdown
var ErrRunnerClosed = errors.New("runner is shut down")

// finishedRetention bounds how long an uncollected outcome stays available to Wait
const finishedRetention = 10 * time.Minute

type runHandle struct {
	done       chan struct{}
	result     *RunResult
	err        error
	finishedAt time.Time
}

// Runner launches engine loops in the background and keeps at most one
// loop per task.
type Runner struct {
	registry *pause.Registry
	engine   Engine
	metrics  *metrics.OptimizationMetrics
	logger   *logging.Logger

	mu        sync.Mutex
	running   map[string]*runHandle
	finished  map[string]*runHandle
	retention time.Duration
	closed    bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner that drives engine with controllers from registry
func NewRunner(registry *pause.Registry, engine Engine, m *metrics.OptimizationMetrics, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		registry: registry,
		engine:   engine,
		metrics:  m,
		logger:   logger.Named("runner"),
		running:   make(map[string]*runHandle),
		finished:  make(map[string]*runHandle),
		retention: finishedRetention,
		baseCtx:   ctx,
		stop:      cancel,
	}
}

// Engine returns the engine the runner drives
func (r *Runner) Engine() Engine {
	return r.engine
}

// Start runs a fresh loop over octx in the background
func (r *Runner) Start(octx *models.OptimizationContext) error {
	if octx == nil {
		return invalidRequest("optimization context is required")
	}
	return r.launch(octx.TaskID, false, func(ctx context.Context, ctrl *pause.Controller) (*RunResult, error) {
		return r.engine.Run(ctx, octx, ctrl)
	})
}

// StartResume resumes octx from cp in the background
func (r *Runner) StartResume(cp *models.Checkpoint, octx *models.OptimizationContext) error {
	if cp == nil {
		return invalidRequest("checkpoint is required")
	}
	return r.launch(cp.TaskID, true, func(ctx context.Context, ctrl *pause.Controller) (*RunResult, error) {
		return r.engine.Resume(ctx, cp, octx, ctrl)
	})
}

func (r *Runner) launch(taskID string, resumed bool, fn func(ctx context.Context, ctrl *pause.Controller) (*RunResult, error)) error {
	if taskID == "" {
		return invalidRequest("task id is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	if _, ok := r.running[taskID]; ok {
		r.mu.Unlock()
		return ErrTaskAlreadyRunning
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	h := &runHandle{done: make(chan struct{})}
	r.running[taskID] = h
	delete(r.finished, taskID)
	r.wg.Add(1)
	r.mu.Unlock()

	ctrl := r.registry.GetOrCreate(taskID)
	engine := r.engine.Name()
	log := r.logger.WithTaskID(taskID)

	go func() {
		defer r.wg.Done()
		defer cancel()

		start := time.Now()
		r.metrics.RecordRunStarted(ctx, engine, resumed)
		log.Info("run started", "engine", engine, "resumed", resumed)

		result, err := fn(ctx, ctrl)

		outcome := "completed"
		switch {
		case err != nil:
			outcome = "failed"
			log.WithError(err).Warn("run ended with error")
		case result.Reason == models.TerminationUserStopped:
			outcome = "stopped"
		}
		r.metrics.RecordRunFinished(context.Background(), engine, outcome, time.Since(start))
		log.WithDuration(time.Since(start)).Info("run ended", "outcome", outcome)

		r.mu.Lock()
		h.result, h.err = result, err
		h.finishedAt = time.Now()
		delete(r.running, taskID)
		r.finished[taskID] = h
		r.evictFinishedLocked(h.finishedAt)
		r.registry.Remove(taskID)
		r.mu.Unlock()
		close(h.done)
	}()
	return nil
}

// IsRunning reports whether a loop is active for the task
func (r *Runner) IsRunning(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[taskID]
	return ok
}

// evictFinishedLocked drops outcomes nobody collected within the retention window
func (r *Runner) evictFinishedLocked(now time.Time) {
	for id, h := range r.finished {
		if now.Sub(h.finishedAt) > r.retention {
			delete(r.finished, id)
		}
	}
}

// Wait blocks until the task's active loop ends and returns its outcome.
// With no active loop it returns the outcome of the task's last loop if it
// has not been collected yet, or nil results otherwise. An outcome is
// collected by the first Wait that returns it.
func (r *Runner) Wait(ctx context.Context, taskID string) (*RunResult, error) {
	r.mu.Lock()
	h, ok := r.running[taskID]
	if !ok {
		h, ok = r.finished[taskID]
	}
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	select {
	case <-h.done:
		r.mu.Lock()
		if r.finished[taskID] == h {
			delete(r.finished, taskID)
		}
		r.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown cancels every active loop and waits for them to return
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
