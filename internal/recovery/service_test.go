package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangjunyou/prompt-faster-sub001/internal/checkpoint"
	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
	"github.com/tangjunyou/prompt-faster-sub001/internal/pause"
)

type fakeTasks struct {
	owners  map[string]string // task id -> user id
	names   map[string]string
	loadErr error
}

func (f *fakeTasks) IsOwner(ctx context.Context, userID, taskID string) (bool, error) {
	return f.owners[taskID] == userID, nil
}

func (f *fakeTasks) ListOwned(ctx context.Context, userID string) ([]models.Task, error) {
	var tasks []models.Task
	for _, id := range []string{"task-1", "task-2", "task-3", "task-4"} {
		if f.owners[id] == userID {
			tasks = append(tasks, models.Task{ID: id, Name: f.names[id]})
		}
	}
	return tasks, nil
}

func (f *fakeTasks) LoadContext(ctx context.Context, taskID string) (*models.OptimizationContext, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	cases := []models.TestCase{{ID: "tc-0"}}
	return models.NewOptimizationContext(taskID, "definition prompt", models.ExecutionTargetConfig{}, cases, models.DefaultOptimizationConfig()), nil
}

type fakeMarkers struct {
	mu      sync.Mutex
	markers map[string]models.RecoveryMarker
}

func (f *fakeMarkers) Put(ctx context.Context, taskID string, status models.RecoveryStatus, checkpointID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers[taskID] = models.RecoveryMarker{TaskID: taskID, Status: status, CheckpointID: checkpointID, UpdatedAt: at}
	return nil
}

func (f *fakeMarkers) Get(ctx context.Context, taskID string) (*models.RecoveryMarker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markers[taskID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

type fakeLauncher struct {
	running map[string]bool
	err     error
	resumed []*models.Checkpoint
	octxs   []*models.OptimizationContext
}

func (f *fakeLauncher) StartResume(cp *models.Checkpoint, octx *models.OptimizationContext) error {
	if f.err != nil {
		return f.err
	}
	f.resumed = append(f.resumed, cp)
	f.octxs = append(f.octxs, octx)
	return nil
}

func (f *fakeLauncher) IsRunning(taskID string) bool {
	return f.running[taskID]
}

type fixture struct {
	svc      *Service
	tasks    *fakeTasks
	markers  *fakeMarkers
	launcher *fakeLauncher
	store    *checkpoint.MemoryStore
	cps      *checkpoint.Service
	registry *pause.Registry
}

func newFixture() *fixture {
	f := &fixture{
		tasks: &fakeTasks{
			owners: map[string]string{"task-1": "user-1", "task-2": "user-1", "task-3": "user-1", "task-4": "user-2"},
			names:  map[string]string{"task-1": "summaries", "task-2": "translations", "task-3": "fresh"},
		},
		markers:  &fakeMarkers{markers: make(map[string]models.RecoveryMarker)},
		launcher: &fakeLauncher{running: make(map[string]bool)},
		store:    checkpoint.NewMemoryStore(),
		registry: pause.NewRegistry(),
	}
	f.cps = checkpoint.NewService(f.store, logging.Nop())
	f.svc = NewService(f.tasks, f.markers, f.cps, f.launcher, f.registry, nil, logging.Nop())
	return f
}

func (f *fixture) checkpoint(t *testing.T, taskID string, iteration int, state models.IterationState) *models.Checkpoint {
	t.Helper()
	cp, err := f.cps.Create(context.Background(), checkpoint.Draft{
		TaskID:     taskID,
		Iteration:  iteration,
		State:      state,
		RunControl: models.RunControlRunning,
		Prompt:     "prompt at iteration",
		Lineage:    models.LineageAutomatic,
	})
	require.NoError(t, err)
	return cp
}

// corruptCheckpoint rewrites a stored checkpoint without refreshing its checksum
func corruptCheckpoint(t *testing.T, store checkpoint.Store, id string, mutate func(cp *models.Checkpoint)) {
	t.Helper()
	ctx := context.Background()
	cp, err := store.Get(ctx, id)
	require.NoError(t, err)
	mutate(cp)
	require.NoError(t, store.Save(ctx, cp))
}

func TestDetectUnfinishedTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.checkpoint(t, "task-1", 0, models.IterationStateRunningTests)
	latest1 := f.checkpoint(t, "task-1", 1, models.IterationStateReflecting)
	f.checkpoint(t, "task-2", 3, models.IterationStateCompleted)
	f.checkpoint(t, "task-4", 1, models.IterationStateOptimizing)

	unfinished, err := f.svc.DetectUnfinishedTasks(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, "task-1", unfinished[0].TaskID)
	assert.Equal(t, "summaries", unfinished[0].TaskName)
	assert.Equal(t, latest1.ID, unfinished[0].CheckpointID)
	assert.Equal(t, models.IterationStateReflecting, unfinished[0].State)
	assert.Equal(t, 1, unfinished[0].Iteration)
	assert.Equal(t, int64(1), f.svc.Metrics().Detected)

	t.Run("polling again does not recount", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			unfinished, err := f.svc.DetectUnfinishedTasks(ctx, "user-1")
			require.NoError(t, err)
			require.Len(t, unfinished, 1)
		}
		assert.Equal(t, int64(1), f.svc.Metrics().Detected)
	})

	t.Run("live loops are skipped", func(t *testing.T) {
		f.launcher.running["task-1"] = true
		defer delete(f.launcher.running, "task-1")

		unfinished, err := f.svc.DetectUnfinishedTasks(ctx, "user-1")
		require.NoError(t, err)
		assert.Empty(t, unfinished)
	})

	t.Run("aborted recovery hides the task until a newer checkpoint", func(t *testing.T) {
		require.NoError(t, f.svc.AbortRecovery(ctx, "user-1", "task-1"))

		unfinished, err := f.svc.DetectUnfinishedTasks(ctx, "user-1")
		require.NoError(t, err)
		assert.Empty(t, unfinished)

		newer := f.checkpoint(t, "task-1", 2, models.IterationStateRunningTests)
		unfinished, err = f.svc.DetectUnfinishedTasks(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, unfinished, 1)
		assert.Equal(t, newer.ID, unfinished[0].CheckpointID)
		assert.Equal(t, int64(2), f.svc.Metrics().Detected, "a newer checkpoint is a new detection")
	})
}

func TestRecoverTask(t *testing.T) {
	ctx := context.Background()

	t.Run("latest valid checkpoint", func(t *testing.T) {
		f := newFixture()
		f.checkpoint(t, "task-1", 0, models.IterationStateRunningTests)
		latest := f.checkpoint(t, "task-1", 1, models.IterationStateExtractingRules)

		cp, err := f.svc.RecoverTask(ctx, "user-1", "task-1", "")
		require.NoError(t, err)
		assert.Equal(t, latest.ID, cp.ID)

		require.Len(t, f.launcher.resumed, 1)
		assert.Equal(t, latest.ID, f.launcher.resumed[0].ID)
		assert.Equal(t, "task-1", f.launcher.octxs[0].TaskID)

		marker, err := f.markers.Get(ctx, "task-1")
		require.NoError(t, err)
		require.NotNil(t, marker)
		assert.Equal(t, models.RecoveryStatusRecovered, marker.Status)
		assert.Equal(t, latest.ID, marker.CheckpointID)

		assert.Equal(t, int64(1), f.svc.Metrics().Attempts)
		assert.Equal(t, int64(1), f.svc.Metrics().Successes)
	})

	t.Run("skips corrupted checkpoints", func(t *testing.T) {
		f := newFixture()
		good := f.checkpoint(t, "task-1", 0, models.IterationStateRunningTests)
		bad := f.checkpoint(t, "task-1", 1, models.IterationStateReflecting)
		corruptCheckpoint(t, f.store, bad.ID, func(cp *models.Checkpoint) { cp.Prompt = "tampered" })

		cp, err := f.svc.RecoverTask(ctx, "user-1", "task-1", "")
		require.NoError(t, err)
		assert.Equal(t, good.ID, cp.ID)
	})

	t.Run("named checkpoint", func(t *testing.T) {
		f := newFixture()
		first := f.checkpoint(t, "task-1", 0, models.IterationStateRunningTests)
		f.checkpoint(t, "task-1", 1, models.IterationStateReflecting)

		cp, err := f.svc.RecoverTask(ctx, "user-1", "task-1", first.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, cp.ID)
	})

	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture) (userID, taskID, checkpointID string)
		wantErr error
	}{
		{
			name: "foreign task",
			setup: func(t *testing.T, f *fixture) (string, string, string) {
				f.checkpoint(t, "task-4", 0, models.IterationStateRunningTests)
				return "user-1", "task-4", ""
			},
			wantErr: ErrTaskNotFound,
		},
		{
			name: "missing task",
			setup: func(t *testing.T, f *fixture) (string, string, string) {
				return "user-1", "task-404", ""
			},
			wantErr: ErrTaskNotFound,
		},
		{
			name: "no checkpoints",
			setup: func(t *testing.T, f *fixture) (string, string, string) {
				return "user-1", "task-3", ""
			},
			wantErr: ErrCheckpointNotFound,
		},
		{
			name: "unknown checkpoint id",
			setup: func(t *testing.T, f *fixture) (string, string, string) {
				f.checkpoint(t, "task-1", 0, models.IterationStateRunningTests)
				return "user-1", "task-1", "cp-404"
			},
			wantErr: ErrCheckpointNotFound,
		},
		{
			name: "checkpoint of another task",
			setup: func(t *testing.T, f *fixture) (string, string, string) {
				other := f.checkpoint(t, "task-2", 0, models.IterationStateRunningTests)
				return "user-1", "task-1", other.ID
			},
			wantErr: ErrCheckpointNotFound,
		},
		{
			name: "all checkpoints corrupted",
			setup: func(t *testing.T, f *fixture) (string, string, string) {
				cp := f.checkpoint(t, "task-1", 0, models.IterationStateRunningTests)
				corruptCheckpoint(t, f.store, cp.ID, func(cp *models.Checkpoint) { cp.Iteration = 7 })
				return "user-1", "task-1", ""
			},
			wantErr: ErrNoValidCheckpoint,
		},
		{
			name: "named checkpoint corrupted",
			setup: func(t *testing.T, f *fixture) (string, string, string) {
				cp := f.checkpoint(t, "task-1", 0, models.IterationStateRunningTests)
				corruptCheckpoint(t, f.store, cp.ID, func(cp *models.Checkpoint) { cp.Prompt = "tampered" })
				return "user-1", "task-1", cp.ID
			},
			wantErr: ErrNoValidCheckpoint,
		},
		{
			name: "terminal checkpoint",
			setup: func(t *testing.T, f *fixture) (string, string, string) {
				f.checkpoint(t, "task-2", 3, models.IterationStateCompleted)
				return "user-1", "task-2", ""
			},
			wantErr: ErrTaskFinished,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			userID, taskID, cpID := tt.setup(t, f)

			cp, err := f.svc.RecoverTask(ctx, userID, taskID, cpID)
			assert.Nil(t, cp)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.launcher.resumed)
			assert.Equal(t, int64(1), f.svc.Metrics().Failures)
		})
	}

	t.Run("launcher rejection is returned", func(t *testing.T) {
		f := newFixture()
		f.checkpoint(t, "task-1", 0, models.IterationStateRunningTests)
		busy := errors.New("loop already running")
		f.launcher.err = busy

		_, err := f.svc.RecoverTask(ctx, "user-1", "task-1", "")
		assert.ErrorIs(t, err, busy)

		marker, err := f.markers.Get(ctx, "task-1")
		require.NoError(t, err)
		assert.Nil(t, marker)
	})
}

func TestAbortRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	cp := f.checkpoint(t, "task-1", 1, models.IterationStateOptimizing)

	assert.ErrorIs(t, f.svc.AbortRecovery(ctx, "user-2", "task-1"), ErrTaskNotFound)
	assert.ErrorIs(t, f.svc.AbortRecovery(ctx, "user-1", "task-3"), ErrCheckpointNotFound)

	require.NoError(t, f.svc.AbortRecovery(ctx, "user-1", "task-1"))

	marker, err := f.markers.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryStatusAborted, marker.Status)
	assert.Equal(t, cp.ID, marker.CheckpointID)

	// checkpoints are untouched
	stored, err := f.cps.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.True(t, stored.IntegrityOK)
	assert.False(t, stored.IsArchived())

	assert.Equal(t, int64(1), f.svc.Metrics().Aborts)
}

func TestPauseState(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.svc.PauseState(ctx, "user-1", "task-1")
	assert.ErrorIs(t, err, ErrPauseStateNotFound)

	ctrl := f.registry.GetOrCreate("task-1")
	_, err = f.svc.PauseState(ctx, "user-1", "task-1")
	assert.ErrorIs(t, err, ErrPauseStateNotFound, "pending pause has no snapshot yet")

	ctrl.RequestPause("corr-1", "user-1")
	require.True(t, ctrl.CheckpointPause(2, models.IterationStateReflecting, "", map[string]interface{}{"pass_rate": 0.5}))

	snap, err := f.svc.PauseState(ctx, "user-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", snap.TaskID)
	assert.Equal(t, 2, snap.Iteration)
	assert.Equal(t, models.IterationStateReflecting, snap.Stage)
	assert.Equal(t, "corr-1", snap.CorrelationID)

	_, err = f.svc.PauseState(ctx, "user-2", "task-1")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
