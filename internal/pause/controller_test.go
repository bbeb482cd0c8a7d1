package pause

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

func TestController_RequestPauseIsIdempotent(t *testing.T) {
	c := NewController("task-1", nil)

	applied, reason := c.RequestPause("corr-1", "user-1")
	assert.True(t, applied)
	assert.Empty(t, reason)
	assert.True(t, c.IsPauseRequested())

	applied, reason = c.RequestPause("corr-2", "user-1")
	assert.False(t, applied)
	assert.Equal(t, models.ReasonAlreadyRequested, reason)

	require.True(t, c.CheckpointPause(2, models.IterationStateRunningTests, "", nil))

	applied, reason = c.RequestPause("corr-3", "user-1")
	assert.False(t, applied)
	assert.Equal(t, models.ReasonAlreadyPaused, reason)
}

func TestController_RequestResume(t *testing.T) {
	t.Run("not paused", func(t *testing.T) {
		c := NewController("task-1", nil)
		applied, reason := c.RequestResume("corr", "user")
		assert.False(t, applied)
		assert.Equal(t, models.ReasonNotPaused, reason)
	})

	t.Run("cancels a pending pause", func(t *testing.T) {
		c := NewController("task-1", nil)
		c.RequestPause("corr", "user")

		applied, _ := c.RequestResume("corr-2", "user")
		assert.True(t, applied)
		assert.False(t, c.IsPauseRequested())
		assert.False(t, c.CheckpointPause(1, models.IterationStateEvaluating, "", nil))
	})

	t.Run("wakes a suspended loop", func(t *testing.T) {
		c := NewController("task-1", nil)
		c.RequestPause("corr", "user")
		require.True(t, c.CheckpointPause(1, models.IterationStateReflecting, "", nil))

		done := make(chan error, 1)
		go func() { done <- c.WaitForResume(context.Background()) }()

		select {
		case <-done:
			t.Fatal("WaitForResume returned before resume")
		case <-time.After(30 * time.Millisecond):
		}

		applied, _ := c.RequestResume("corr-2", "user")
		assert.True(t, applied)

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("WaitForResume did not return after resume")
		}
		assert.False(t, c.IsPaused())
		assert.Nil(t, c.Snapshot())
		assert.Equal(t, models.RunControlRunning, c.RunControl())
	})
}

func TestController_CheckpointPauseOnlyWhenRequested(t *testing.T) {
	c := NewController("task-1", nil)
	assert.False(t, c.CheckpointPause(0, models.IterationStateRunningTests, "", nil))
	assert.False(t, c.IsPaused())
	assert.Nil(t, c.Snapshot())
}

func TestController_Snapshot(t *testing.T) {
	c := NewController("task-9", nil)
	c.RequestPause("corr-pending", "user")

	ctxSnapshot := map[string]interface{}{"rule_system_version": 3}
	require.True(t, c.CheckpointPause(4, models.IterationStateOptimizing, "", ctxSnapshot))

	snap := c.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "task-9", snap.TaskID)
	assert.Equal(t, "corr-pending", snap.CorrelationID)
	assert.Equal(t, 4, snap.Iteration)
	assert.Equal(t, models.IterationStateOptimizing, snap.Stage)
	assert.Equal(t, 3, snap.Context["rule_system_version"])
	assert.False(t, snap.PausedAt.IsZero())
	assert.Equal(t, models.RunControlPaused, c.RunControl())

	snap.Context["rule_system_version"] = 99
	assert.Equal(t, 3, c.Snapshot().Context["rule_system_version"], "snapshot must be a copy")
}

func TestController_StopWakesSuspendedLoop(t *testing.T) {
	c := NewController("task-1", nil)
	c.RequestPause("corr", "user")
	require.True(t, c.CheckpointPause(1, models.IterationStateRunningTests, "", nil))

	done := make(chan error, 1)
	go func() { done <- c.WaitForResume(context.Background()) }()

	assert.True(t, c.RequestStop("corr-stop", "user"))
	assert.False(t, c.RequestStop("corr-stop", "user"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopRequested)
	case <-time.After(time.Second):
		t.Fatal("WaitForResume did not return after stop")
	}
	assert.True(t, c.IsStopRequested())
	assert.False(t, c.IsPaused())
}

func TestController_WaitForResumeHonorsContext(t *testing.T) {
	c := NewController("task-1", nil)
	c.RequestPause("corr", "user")
	require.True(t, c.CheckpointPause(1, models.IterationStateRunningTests, "", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.WaitForResume(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, c.IsPaused())
}

func TestController_WaitForResumeWhenNotPaused(t *testing.T) {
	c := NewController("task-1", nil)
	assert.NoError(t, c.WaitForResume(context.Background()))
}

func TestController_EmitsChanges(t *testing.T) {
	var mu sync.Mutex
	var kinds []ChangeKind
	c := NewController("task-1", func(ch Change) {
		mu.Lock()
		kinds = append(kinds, ch.Kind)
		mu.Unlock()
		assert.Equal(t, "task-1", ch.TaskID)
	})

	c.RequestPause("a", "user")
	c.RequestPause("b", "user") // not applied, no event
	c.CheckpointPause(1, models.IterationStateEvaluating, "", nil)
	c.RequestResume("c", "user")
	c.RequestStop("d", "user")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ChangeKind{ChangePauseRequested, ChangePaused, ChangeResumed, ChangeStopRequested}, kinds)
}

func TestController_ConcurrentRequests(t *testing.T) {
	c := NewController("task-1", nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	appliedCount := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if applied, _ := c.RequestPause("corr", "user"); applied {
				mu.Lock()
				appliedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, appliedCount)
}
