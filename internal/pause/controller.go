// Package pause implements the cooperative pause/resume control plane.
//
// External actors request a pause, resume or stop. The orchestration loop
// honors those requests only at safepoints between stages, so a paused run
// always sits on a consistent stage boundary.
package pause

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

// ErrStopRequested is returned by WaitForResume when the task was stopped while suspended
var ErrStopRequested = errors.New("stop requested")

// ChangeKind identifies a pause state change
type ChangeKind string

const (
	ChangePauseRequested ChangeKind = "pause_requested"
	ChangePaused         ChangeKind = "paused"
	ChangeResumed        ChangeKind = "resumed"
	ChangeStopRequested  ChangeKind = "stop_requested"
)

// Change describes one pause state change of a task
type Change struct {
	Kind          ChangeKind
	TaskID        string
	CorrelationID string
	Actor         string
	RunControl    models.RunControlState
	Snapshot      *models.PauseSnapshot
	At            time.Time
}

// Listener receives pause state changes
type Listener func(Change)

// Controller is the pause state machine of a single task
type Controller struct {
	taskID string
	notify Listener

	mu                   sync.Mutex
	pauseRequested       bool
	paused               bool
	stopRequested        bool
	pendingCorrelationID string
	resumeCh             chan struct{}
	snapshot             *models.PauseSnapshot
	runControl           models.RunControlState
}

// NewController creates a controller for taskID. notify may be nil.
func NewController(taskID string, notify Listener) *Controller {
	return &Controller{
		taskID:     taskID,
		notify:     notify,
		runControl: models.RunControlIdle,
	}
}

// TaskID returns the task this controller belongs to
func (c *Controller) TaskID() string {
	return c.taskID
}

// RequestPause asks the running loop to pause at its next safepoint.
// It returns false with a reason when the task is already paused or a pause is already pending.
func (c *Controller) RequestPause(correlationID, actor string) (bool, string) {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return false, models.ReasonAlreadyPaused
	}
	if c.pauseRequested {
		c.mu.Unlock()
		return false, models.ReasonAlreadyRequested
	}

	c.pauseRequested = true
	c.pendingCorrelationID = correlationID
	change := c.changeLocked(ChangePauseRequested, correlationID, actor)
	c.mu.Unlock()

	c.emit(change)
	return true, ""
}

// RequestResume wakes a paused loop, or cancels a pause that has not been honored yet.
func (c *Controller) RequestResume(correlationID, actor string) (bool, string) {
	c.mu.Lock()
	switch {
	case c.paused:
		c.paused = false
		c.snapshot = nil
		c.runControl = models.RunControlRunning
		close(c.resumeCh)
		c.resumeCh = nil
	case c.pauseRequested:
		c.pauseRequested = false
		c.pendingCorrelationID = ""
	default:
		c.mu.Unlock()
		return false, models.ReasonNotPaused
	}

	change := c.changeLocked(ChangeResumed, correlationID, actor)
	c.mu.Unlock()

	c.emit(change)
	return true, ""
}

// RequestStop asks the loop to terminate at its next safepoint. A suspended loop is woken.
func (c *Controller) RequestStop(correlationID, actor string) bool {
	c.mu.Lock()
	if c.stopRequested {
		c.mu.Unlock()
		return false
	}

	c.stopRequested = true
	c.pauseRequested = false
	if c.paused {
		c.paused = false
		c.snapshot = nil
		close(c.resumeCh)
		c.resumeCh = nil
	}
	change := c.changeLocked(ChangeStopRequested, correlationID, actor)
	c.mu.Unlock()

	c.emit(change)
	return true
}

// IsPaused reports whether the loop is suspended at a safepoint
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// IsPauseRequested reports whether a pause is pending
func (c *Controller) IsPauseRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauseRequested
}

// IsStopRequested reports whether a stop is pending
func (c *Controller) IsStopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// CheckpointPause is called by the loop at a safepoint. When a pause is
// pending it records a snapshot, flips into the paused state and returns
// true; the caller must then suspend in WaitForResume.
func (c *Controller) CheckpointPause(iteration int, stage models.IterationState, correlationID string, contextSnapshot map[string]interface{}) bool {
	c.mu.Lock()
	if !c.pauseRequested || c.stopRequested {
		c.mu.Unlock()
		return false
	}

	if correlationID == "" {
		correlationID = c.pendingCorrelationID
	}
	c.pauseRequested = false
	c.pendingCorrelationID = ""
	c.paused = true
	c.resumeCh = make(chan struct{})
	c.runControl = models.RunControlPaused
	c.snapshot = &models.PauseSnapshot{
		TaskID:        c.taskID,
		CorrelationID: correlationID,
		PausedAt:      time.Now().UTC(),
		Stage:         stage,
		Iteration:     iteration,
		Context:       contextSnapshot,
	}
	change := c.changeLocked(ChangePaused, correlationID, "")
	c.mu.Unlock()

	c.emit(change)
	return true
}

// WaitForResume blocks until the task is resumed or stopped, or ctx is done.
// It returns ErrStopRequested when woken by a stop.
func (c *Controller) WaitForResume(ctx context.Context) error {
	c.mu.Lock()
	ch := c.resumeCh
	stopped := c.stopRequested
	c.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		stopped = c.stopRequested
		c.mu.Unlock()
	}

	if stopped {
		return ErrStopRequested
	}
	return nil
}

// Snapshot returns a copy of the current pause snapshot, or nil when not paused
func (c *Controller) Snapshot() *models.PauseSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySnapshot(c.snapshot)
}

// RunControl returns the coarse state last reported for the task
func (c *Controller) RunControl() models.RunControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runControl
}

// SetRunControl mirrors the loop's run control state for observers
func (c *Controller) SetRunControl(state models.RunControlState) {
	c.mu.Lock()
	c.runControl = state
	c.mu.Unlock()
}

func (c *Controller) changeLocked(kind ChangeKind, correlationID, actor string) Change {
	return Change{
		Kind:          kind,
		TaskID:        c.taskID,
		CorrelationID: correlationID,
		Actor:         actor,
		RunControl:    c.runControl,
		Snapshot:      copySnapshot(c.snapshot),
		At:            time.Now().UTC(),
	}
}

func (c *Controller) emit(change Change) {
	if c.notify != nil {
		c.notify(change)
	}
}

func copySnapshot(s *models.PauseSnapshot) *models.PauseSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.Context != nil {
		out.Context = make(map[string]interface{}, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	return &out
}
