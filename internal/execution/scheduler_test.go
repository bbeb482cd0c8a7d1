package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

// mockTarget records concurrency and returns per-test-case outcomes
type mockTarget struct {
	delays   map[string]time.Duration
	failures map[string]error
	inFlight int64
	maxSeen  int64
	calls    int64
	mu       sync.Mutex
	started  []string
}

func (m *mockTarget) Execute(ctx context.Context, cfg models.ExecutionTargetConfig, prompt string, input map[string]interface{}, testCaseID string) (models.ExecutionResult, error) {
	atomic.AddInt64(&m.calls, 1)
	current := atomic.AddInt64(&m.inFlight, 1)
	defer atomic.AddInt64(&m.inFlight, -1)

	for {
		seen := atomic.LoadInt64(&m.maxSeen)
		if current <= seen || atomic.CompareAndSwapInt64(&m.maxSeen, seen, current) {
			break
		}
	}

	m.mu.Lock()
	m.started = append(m.started, testCaseID)
	m.mu.Unlock()

	if d := m.delays[testCaseID]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return models.ExecutionResult{}, ctx.Err()
		}
	}

	if err := m.failures[testCaseID]; err != nil {
		return models.ExecutionResult{}, err
	}

	return models.ExecutionResult{
		TestCaseID: testCaseID,
		Output:     "out-" + testCaseID,
	}, nil
}

func makeBatch(n int) []models.TestCase {
	batch := make([]models.TestCase, n)
	for i := range batch {
		batch[i] = models.TestCase{ID: fmt.Sprintf("tc-%d", i), Input: map[string]interface{}{"n": i}}
	}
	return batch
}

func TestScheduler_ParallelExecute_PreservesOrderUnderReversedLatency(t *testing.T) {
	batch := makeBatch(5)
	target := &mockTarget{delays: map[string]time.Duration{}}
	for i, tc := range batch {
		// item 0 slowest, item 4 fastest
		target.delays[tc.ID] = time.Duration(5-i) * 15 * time.Millisecond
	}

	scheduler := NewScheduler(target, nil)
	results, err := scheduler.ParallelExecute(context.Background(), models.ExecutionTargetConfig{}, "prompt", batch, 2)

	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, res := range results {
		assert.Equal(t, batch[i].ID, res.TestCaseID)
		assert.Equal(t, "out-"+batch[i].ID, res.Output)
		assert.Greater(t, res.Latency, time.Duration(0))
	}
	assert.NoError(t, ValidateAlignment(batch, results))
}

func TestScheduler_ParallelExecute_ConcurrencyBound(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		limit int
	}{
		{"limit_1", 6, 1},
		{"limit_2", 8, 2},
		{"limit_3", 9, 3},
		{"limit_above_batch", 3, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := makeBatch(tt.size)
			target := &mockTarget{delays: map[string]time.Duration{}}
			for _, tc := range batch {
				target.delays[tc.ID] = 20 * time.Millisecond
			}

			scheduler := NewScheduler(target, nil)
			results, err := scheduler.ParallelExecute(context.Background(), models.ExecutionTargetConfig{}, "prompt", batch, tt.limit)
			require.NoError(t, err)
			assert.Len(t, results, tt.size)

			maxSeen := atomic.LoadInt64(&target.maxSeen)
			assert.LessOrEqual(t, maxSeen, int64(tt.limit))
			if tt.limit > 1 && tt.size > 1 {
				assert.Greater(t, maxSeen, int64(1), "expected real overlap")
			}
		})
	}
}

func TestScheduler_ParallelExecute_AllOrNothing(t *testing.T) {
	batch := makeBatch(20)
	failure := NewError(KindUpstreamError, "tc-1", "execution target returned status 502", nil)
	target := &mockTarget{
		delays: map[string]time.Duration{
			"tc-0": 200 * time.Millisecond,
			"tc-2": 200 * time.Millisecond,
		},
		failures: map[string]error{"tc-1": failure},
	}

	scheduler := NewScheduler(target, nil)
	start := time.Now()
	results, err := scheduler.ParallelExecute(context.Background(), models.ExecutionTargetConfig{}, "prompt", batch, 3)

	require.Error(t, err)
	assert.Nil(t, results)
	assert.Same(t, failure, errorAsExecution(t, err))
	assert.Less(t, time.Since(start), 200*time.Millisecond, "in-flight siblings should be cancelled")
	assert.Less(t, atomic.LoadInt64(&target.calls), int64(len(batch)), "not-yet-started work should be skipped")
}

func TestScheduler_ParallelExecute_InvalidConcurrency(t *testing.T) {
	scheduler := NewScheduler(&mockTarget{}, nil)

	for _, limit := range []int{0, -1} {
		_, err := scheduler.ParallelExecute(context.Background(), models.ExecutionTargetConfig{}, "prompt", makeBatch(2), limit)
		require.Error(t, err)
		assert.Equal(t, KindInvalidRequest, KindOf(err))
	}
}

func TestScheduler_EmptyBatch(t *testing.T) {
	target := &mockTarget{}
	scheduler := NewScheduler(target, nil)

	parallel, err := scheduler.ParallelExecute(context.Background(), models.ExecutionTargetConfig{}, "prompt", nil, 2)
	require.NoError(t, err)
	assert.Empty(t, parallel)

	serial, err := scheduler.SerialExecute(context.Background(), models.ExecutionTargetConfig{}, "prompt", nil)
	require.NoError(t, err)
	assert.Empty(t, serial)

	assert.Zero(t, atomic.LoadInt64(&target.calls))
}

func TestScheduler_SerialExecute(t *testing.T) {
	t.Run("runs in order one at a time", func(t *testing.T) {
		batch := makeBatch(4)
		target := &mockTarget{delays: map[string]time.Duration{"tc-0": 10 * time.Millisecond}}
		scheduler := NewScheduler(target, nil)

		results, err := scheduler.SerialExecute(context.Background(), models.ExecutionTargetConfig{}, "prompt", batch)
		require.NoError(t, err)
		require.Len(t, results, 4)
		assert.Equal(t, int64(1), atomic.LoadInt64(&target.maxSeen))
		assert.Equal(t, []string{"tc-0", "tc-1", "tc-2", "tc-3"}, target.started)
	})

	t.Run("stops at first failure", func(t *testing.T) {
		batch := makeBatch(4)
		target := &mockTarget{failures: map[string]error{"tc-1": NewError(KindTimeout, "tc-1", "timed out", nil)}}
		scheduler := NewScheduler(target, nil)

		results, err := scheduler.SerialExecute(context.Background(), models.ExecutionTargetConfig{}, "prompt", batch)
		require.Error(t, err)
		assert.Nil(t, results)
		assert.Equal(t, KindTimeout, KindOf(err))
		assert.Equal(t, int64(2), atomic.LoadInt64(&target.calls))
	})

	t.Run("wraps foreign errors with the test case id", func(t *testing.T) {
		cause := errors.New("socket closed")
		target := &mockTarget{failures: map[string]error{"tc-0": cause}}
		scheduler := NewScheduler(target, nil)

		_, err := scheduler.SerialExecute(context.Background(), models.ExecutionTargetConfig{}, "secret prompt", makeBatch(1))
		require.Error(t, err)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "tc-0", errorAsExecution(t, err).TestCaseID)
		assert.NotContains(t, err.Error(), "secret prompt")
	})
}

func TestValidateAlignment(t *testing.T) {
	batch := makeBatch(2)

	tests := []struct {
		name    string
		results []models.ExecutionResult
		wantErr bool
	}{
		{"aligned", []models.ExecutionResult{{TestCaseID: "tc-0"}, {TestCaseID: "tc-1"}}, false},
		{"swapped", []models.ExecutionResult{{TestCaseID: "tc-1"}, {TestCaseID: "tc-0"}}, true},
		{"short", []models.ExecutionResult{{TestCaseID: "tc-0"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAlignment(batch, tt.results)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrResultMismatch)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func errorAsExecution(t *testing.T, err error) *ExecutionError {
	t.Helper()
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr), "expected ExecutionError, got %T", err)
	return execErr
}
