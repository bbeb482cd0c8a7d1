package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

// ErrTaskNotFound is returned when a task row does not exist
var ErrTaskNotFound = errors.New("task not found")

// TaskRepository reads task definitions and answers ownership questions
type TaskRepository struct {
	db           *DB
	targetAPIKey string
}

// TaskOption configures a TaskRepository
type TaskOption func(*TaskRepository)

// WithTargetAPIKey sets the credential attached to loaded target configs.
// Keys are never stored alongside the task.
func WithTargetAPIKey(key string) TaskOption {
	return func(r *TaskRepository) {
		r.targetAPIKey = key
	}
}

// NewTaskRepository creates a task repository
func NewTaskRepository(db *DB, opts ...TaskOption) *TaskRepository {
	r := &TaskRepository{db: db}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsOwner reports whether the task belongs to a workspace owned by userID.
// A missing task and a foreign task both report false.
func (r *TaskRepository) IsOwner(ctx context.Context, userID, taskID string) (bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, r.db.rebind(`
		SELECT t.id
		FROM optimization_tasks t
		JOIN workspaces w ON t.workspace_id = w.id
		WHERE t.id = $1 AND w.owner_user_id = $2
	`), taskID, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check task ownership: %w", err)
	}
	return true, nil
}

// ListOwned returns every task in workspaces owned by userID
func (r *TaskRepository) ListOwned(ctx context.Context, userID string) ([]models.Task, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(`
		SELECT t.id, t.workspace_id, t.name, t.target_config, t.optimization_config, t.created_at
		FROM optimization_tasks t
		JOIN workspaces w ON t.workspace_id = w.id
		WHERE w.owner_user_id = $1
		ORDER BY t.created_at ASC
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]models.Task, 0)
	for rows.Next() {
		var (
			task                models.Task
			targetJSON, cfgJSON string
			createdAt           int64
		)
		if err := rows.Scan(&task.ID, &task.WorkspaceID, &task.Name, &targetJSON, &cfgJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if err := decodeTaskConfig(&task, targetJSON, cfgJSON); err != nil {
			return nil, err
		}
		task.CreatedAt = fromMicros(createdAt)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// LoadContext builds a fresh optimization context from the task definition
// and its test cases, in their stored order.
func (r *TaskRepository) LoadContext(ctx context.Context, taskID string) (*models.OptimizationContext, error) {
	var (
		task                models.Task
		targetJSON, cfgJSON string
		createdAt           int64
	)
	err := r.db.QueryRowContext(ctx, r.db.rebind(`
		SELECT id, workspace_id, name, initial_prompt, target_config, optimization_config, created_at
		FROM optimization_tasks WHERE id = $1
	`), taskID).Scan(&task.ID, &task.WorkspaceID, &task.Name, &task.InitialPrompt, &targetJSON, &cfgJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if err := decodeTaskConfig(&task, targetJSON, cfgJSON); err != nil {
		return nil, err
	}
	task.Target.APIKey = r.targetAPIKey

	testCases, err := r.listTestCases(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return models.NewOptimizationContext(task.ID, task.InitialPrompt, task.Target, testCases, task.Config), nil
}

func (r *TaskRepository) listTestCases(ctx context.Context, taskID string) ([]models.TestCase, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(`
		SELECT id, input, reference, split FROM test_cases
		WHERE task_id = $1
		ORDER BY position ASC
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query test cases: %w", err)
	}
	defer rows.Close()

	testCases := make([]models.TestCase, 0)
	for rows.Next() {
		var (
			tc               models.TestCase
			input            string
			reference, split sql.NullString
		)
		if err := rows.Scan(&tc.ID, &input, &reference, &split); err != nil {
			return nil, fmt.Errorf("failed to scan test case: %w", err)
		}
		if err := json.Unmarshal([]byte(input), &tc.Input); err != nil {
			return nil, fmt.Errorf("failed to decode test case %s input: %w", tc.ID, err)
		}
		if reference.Valid {
			if err := json.Unmarshal([]byte(reference.String), &tc.Reference); err != nil {
				return nil, fmt.Errorf("failed to decode test case %s reference: %w", tc.ID, err)
			}
		}
		tc.Split = split.String
		testCases = append(testCases, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating test cases: %w", err)
	}
	return testCases, nil
}

// CreateWorkspace inserts a workspace row
func (r *TaskRepository) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(`
		INSERT INTO workspaces (id, name, owner_user_id, created_at)
		VALUES ($1, $2, $3, $4)
	`), ws.ID, ws.Name, ws.OwnerUserID, toMicros(ws.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

// CreateTask inserts a task and its test cases in one transaction
func (r *TaskRepository) CreateTask(ctx context.Context, task *models.Task, testCases []models.TestCase) error {
	targetJSON, err := json.Marshal(task.Target)
	if err != nil {
		return fmt.Errorf("failed to encode target config: %w", err)
	}
	cfgJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("failed to encode optimization config: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.db.rebind(`
		INSERT INTO optimization_tasks (id, workspace_id, name, initial_prompt, target_config, optimization_config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`), task.ID, task.WorkspaceID, task.Name, task.InitialPrompt, string(targetJSON), string(cfgJSON), toMicros(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	insertCase := r.db.rebind(`
		INSERT INTO test_cases (id, task_id, position, input, reference, split)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	for i, tc := range testCases {
		input, err := json.Marshal(tc.Input)
		if err != nil {
			return fmt.Errorf("failed to encode test case %s input: %w", tc.ID, err)
		}
		reference, err := encodeNullableJSON(tc.Reference, tc.Reference == nil)
		if err != nil {
			return fmt.Errorf("failed to encode test case %s reference: %w", tc.ID, err)
		}
		if _, err := tx.ExecContext(ctx, insertCase, tc.ID, task.ID, i, string(input), reference, nullString(tc.Split)); err != nil {
			return fmt.Errorf("failed to create test case %s: %w", tc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task: %w", err)
	}
	return nil
}

func decodeTaskConfig(task *models.Task, targetJSON, cfgJSON string) error {
	if err := json.Unmarshal([]byte(targetJSON), &task.Target); err != nil {
		return fmt.Errorf("failed to decode target config of task %s: %w", task.ID, err)
	}
	task.Config = models.DefaultOptimizationConfig()
	if err := json.Unmarshal([]byte(cfgJSON), &task.Config); err != nil {
		return fmt.Errorf("failed to decode optimization config of task %s: %w", task.ID, err)
	}
	return nil
}
