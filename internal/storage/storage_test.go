package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangjunyou/prompt-faster-sub001/internal/checkpoint"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

// newTestDB opens a migrated sqlite database in a temp dir
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Options{
		Driver:      DriverSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedTask(t *testing.T, repo *TaskRepository, ownerID, workspaceID, taskID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.CreateWorkspace(ctx, &models.Workspace{
		ID: workspaceID, Name: "ws", OwnerUserID: ownerID, CreatedAt: now,
	}))
	require.NoError(t, repo.CreateTask(ctx, &models.Task{
		ID:            taskID,
		WorkspaceID:   workspaceID,
		Name:          "summarize tickets",
		InitialPrompt: "Summarize the ticket.",
		Target:        models.ExecutionTargetConfig{Kind: "http", Endpoint: "http://target.local/run", APIKey: "sk-secret"},
		Config: models.OptimizationConfig{
			MaxIterations: 3, PassThreshold: 0.9, ExecutionMode: models.ExecutionModeParallel, MaxConcurrency: 2,
		},
		CreatedAt: now,
	}, []models.TestCase{
		{ID: "tc-b", Input: map[string]interface{}{"ticket": "printer broken"}, Reference: map[string]interface{}{"contains": "printer"}},
		{ID: "tc-a", Input: map[string]interface{}{"ticket": "vpn down"}, Split: "holdout"},
	}))
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		sqliteDialect{}.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
	assert.Equal(t, "SELECT * FROM t WHERE id = $1",
		postgresDialect{}.Rebind("SELECT * FROM t WHERE id = $1"))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.Migrate(context.Background()))
}

func TestCheckpointRepository_WithService(t *testing.T) {
	db := newTestDB(t)
	svc := checkpoint.NewService(NewCheckpointRepository(db), nil)
	ctx := context.Background()

	cp, err := svc.Create(ctx, checkpoint.Draft{
		TaskID:     "task-1",
		Iteration:  1,
		State:      models.IterationStateReflecting,
		RunControl: models.RunControlRunning,
		Prompt:     "Summarize.",
		RuleSystem: models.RuleSystem{Version: 2, Rules: []models.Rule{{ID: "r1", Description: "be short", Tags: []string{"style"}}}},
		Artifacts:  map[string]interface{}{"failed_test_case_ids": []string{"tc-1"}, "count": 1},
		PassRate:   &models.PassRateSummary{Passed: 1, Total: 2, PassRate: 0.5, MeanScore: 0.61},
		BranchID:   "main",
	})
	require.NoError(t, err)

	loaded, err := svc.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.True(t, loaded.IntegrityOK, "checksum must survive persistence")
	assert.Equal(t, cp.CreatedAt, loaded.CreatedAt)
	assert.Equal(t, cp.RuleSystem, loaded.RuleSystem)
	assert.Equal(t, *cp.PassRate, *loaded.PassRate)
	assert.Empty(t, loaded.ParentID)
	assert.Nil(t, loaded.ArchivedAt)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestCheckpointRepository_ListAndRollback(t *testing.T) {
	db := newTestDB(t)
	repo := NewCheckpointRepository(db)
	svc := checkpoint.NewService(repo, nil)
	ctx := context.Background()

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		cp, err := svc.Create(ctx, checkpoint.Draft{
			TaskID: "task-1", Iteration: i, State: models.IterationStateOptimizing,
			RunControl: models.RunControlRunning, Prompt: "p", BranchID: "main",
		})
		require.NoError(t, err)
		ids = append(ids, cp.ID)
	}

	page, err := svc.List(ctx, "task-1", checkpoint.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[3], page.Items[0].ID)

	restored, err := svc.Rollback(ctx, "task-1", ids[1], "regressed", "try again")
	require.NoError(t, err)
	assert.Equal(t, ids[1], restored.ParentID)
	assert.Equal(t, models.LineageRestored, restored.Lineage)

	latest, err := svc.Latest(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, restored.ID, latest.ID)

	archived, err := svc.Get(ctx, ids[3])
	require.NoError(t, err)
	require.NotNil(t, archived.ArchivedAt)
	assert.Equal(t, "regressed", archived.ArchiveReason)
	assert.True(t, archived.IntegrityOK)

	active, err := svc.List(ctx, "task-1", checkpoint.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, active.Total)

	all, err := svc.List(ctx, "task-1", checkpoint.ListOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Equal(t, 5, all.Total)

	err = repo.Archive(ctx, []string{"missing"}, time.Now(), "x")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestCheckpointRepository_DetectsTamperedRow(t *testing.T) {
	db := newTestDB(t)
	svc := checkpoint.NewService(NewCheckpointRepository(db), nil)
	ctx := context.Background()

	cp, err := svc.Create(ctx, checkpoint.Draft{
		TaskID: "task-1", Iteration: 0, State: models.IterationStateRunningTests,
		RunControl: models.RunControlRunning, Prompt: "original",
	})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, db.rebind(`UPDATE checkpoints SET prompt = $1 WHERE id = $2`), "edited", cp.ID)
	require.NoError(t, err)

	loaded, err := svc.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.False(t, loaded.IntegrityOK)

	_, err = svc.LatestValid(ctx, "task-1")
	assert.ErrorIs(t, err, checkpoint.ErrInvalid)
}

func TestTaskRepository_Ownership(t *testing.T) {
	db := newTestDB(t)
	repo := NewTaskRepository(db)
	seedTask(t, repo, "user-1", "ws-1", "task-1")
	ctx := context.Background()

	tests := []struct {
		name   string
		userID string
		taskID string
		want   bool
	}{
		{"owner", "user-1", "task-1", true},
		{"foreign user", "user-2", "task-1", false},
		{"missing task", "user-1", "task-404", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := repo.IsOwner(ctx, tt.userID, tt.taskID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	owned, err := repo.ListOwned(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "summarize tickets", owned[0].Name)

	none, err := repo.ListOwned(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTaskRepository_LoadContext(t *testing.T) {
	db := newTestDB(t)
	repo := NewTaskRepository(db, WithTargetAPIKey("sk-from-config"))
	seedTask(t, repo, "user-1", "ws-1", "task-1")
	ctx := context.Background()

	octx, err := repo.LoadContext(ctx, "task-1")
	require.NoError(t, err)

	assert.Equal(t, "task-1", octx.TaskID)
	assert.Equal(t, "Summarize the ticket.", octx.CurrentPrompt)
	assert.Equal(t, models.IterationStateIdle, octx.State)
	assert.Equal(t, "http://target.local/run", octx.Target.Endpoint)
	assert.Equal(t, "sk-from-config", octx.Target.APIKey, "stored key is never persisted")
	assert.Equal(t, 3, octx.Config.MaxIterations)
	assert.Equal(t, models.ExecutionModeParallel, octx.Config.ExecutionMode)

	require.Len(t, octx.TestCases, 2)
	assert.Equal(t, "tc-b", octx.TestCases[0].ID, "insertion order is preserved")
	assert.Equal(t, "printer", octx.TestCases[0].Reference["contains"])
	assert.Equal(t, "holdout", octx.TestCases[1].Split)
	assert.Nil(t, octx.TestCases[1].Reference)

	_, err = repo.LoadContext(ctx, "task-404")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRecoveryMarkerRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewRecoveryMarkerRepository(db)
	ctx := context.Background()

	marker, err := repo.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Nil(t, marker)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Put(ctx, "task-1", models.RecoveryStatusAborted, "cp-1", at))
	require.NoError(t, repo.Put(ctx, "task-1", models.RecoveryStatusRecovered, "cp-2", at.Add(time.Minute)))

	marker, err = repo.Get(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, models.RecoveryStatusRecovered, marker.Status)
	assert.Equal(t, "cp-2", marker.CheckpointID)
	assert.Equal(t, at.Add(time.Minute), marker.UpdatedAt)
}
