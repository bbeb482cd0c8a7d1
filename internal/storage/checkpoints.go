package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tangjunyou/prompt-faster-sub001/internal/checkpoint"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

const checkpointColumns = `id, task_id, iteration, state, run_control_state, prompt, rule_system, artifacts,
	pass_rate_summary, branch_id, parent_id, lineage_type, branch_description, checksum, created_at,
	archived_at, archive_reason`

// CheckpointRepository persists checkpoints in SQL
type CheckpointRepository struct {
	db *DB
}

var _ checkpoint.Store = (*CheckpointRepository)(nil)

// NewCheckpointRepository creates a checkpoint repository
func NewCheckpointRepository(db *DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

func (r *CheckpointRepository) Save(ctx context.Context, cp *models.Checkpoint) error {
	ruleSystem, err := json.Marshal(cp.RuleSystem)
	if err != nil {
		return fmt.Errorf("failed to encode rule system: %w", err)
	}
	artifacts, err := encodeNullableJSON(cp.Artifacts, cp.Artifacts == nil)
	if err != nil {
		return fmt.Errorf("failed to encode artifacts: %w", err)
	}
	passRate, err := encodeNullableJSON(cp.PassRate, cp.PassRate == nil)
	if err != nil {
		return fmt.Errorf("failed to encode pass rate: %w", err)
	}

	var archivedAt sql.NullInt64
	if cp.ArchivedAt != nil {
		archivedAt = sql.NullInt64{Int64: toMicros(*cp.ArchivedAt), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, r.db.rebind(`
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`),
		cp.ID, cp.TaskID, cp.Iteration, string(cp.State), string(cp.RunControl), cp.Prompt,
		string(ruleSystem), artifacts, passRate, cp.BranchID, nullString(cp.ParentID),
		string(cp.Lineage), nullString(cp.BranchDescription), cp.Checksum, toMicros(cp.CreatedAt),
		archivedAt, nullString(cp.ArchiveReason),
	)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

func (r *CheckpointRepository) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	row := r.db.QueryRowContext(ctx, r.db.rebind(`
		SELECT `+checkpointColumns+` FROM checkpoints WHERE id = $1
	`), id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

func (r *CheckpointRepository) Latest(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	row := r.db.QueryRowContext(ctx, r.db.rebind(`
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE task_id = $1 AND archived_at IS NULL
		ORDER BY created_at DESC, iteration DESC
		LIMIT 1
	`), taskID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return cp, nil
}

func (r *CheckpointRepository) List(ctx context.Context, taskID string, opts checkpoint.ListOptions) ([]models.Checkpoint, int, error) {
	filter := "task_id = $1"
	if !opts.IncludeArchived {
		filter += " AND archived_at IS NULL"
	}

	var total int
	if err := r.db.QueryRowContext(ctx, r.db.rebind(`SELECT COUNT(*) FROM checkpoints WHERE `+filter), taskID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count checkpoints: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	offset := max(opts.Offset, 0)

	rows, err := r.db.QueryContext(ctx, r.db.rebind(`
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE `+filter+`
		ORDER BY created_at DESC, iteration DESC
		LIMIT $2 OFFSET $3
	`), taskID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	items, err := collectCheckpoints(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *CheckpointRepository) ListBranch(ctx context.Context, taskID, branchID string) ([]models.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(`
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE task_id = $1 AND branch_id = $2 AND archived_at IS NULL
		ORDER BY created_at ASC, iteration ASC
	`), taskID, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query branch checkpoints: %w", err)
	}
	defer rows.Close()

	return collectCheckpoints(rows)
}

// Archive marks checkpoints archived in one transaction. Rows are never deleted.
func (r *CheckpointRepository) Archive(ctx context.Context, ids []string, at time.Time, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := r.db.rebind(`UPDATE checkpoints SET archived_at = $1, archive_reason = $2 WHERE id = $3`)
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, query, toMicros(at), nullString(reason), id)
		if err != nil {
			return fmt.Errorf("failed to archive checkpoint %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return checkpoint.ErrNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}
	return nil
}

func collectCheckpoints(rows *sql.Rows) ([]models.Checkpoint, error) {
	items := make([]models.Checkpoint, 0)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		items = append(items, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return items, nil
}

func scanCheckpoint(scanner interface{ Scan(dest ...any) error }) (*models.Checkpoint, error) {
	var (
		cp                            models.Checkpoint
		state, runControl, lineage    string
		ruleSystem                    string
		artifacts, passRate           sql.NullString
		parentID, description, reason sql.NullString
		createdAt                     int64
		archivedAt                    sql.NullInt64
	)
	err := scanner.Scan(
		&cp.ID, &cp.TaskID, &cp.Iteration, &state, &runControl, &cp.Prompt, &ruleSystem, &artifacts,
		&passRate, &cp.BranchID, &parentID, &lineage, &description, &cp.Checksum, &createdAt,
		&archivedAt, &reason,
	)
	if err != nil {
		return nil, err
	}

	cp.State = models.IterationState(state)
	cp.RunControl = models.RunControlState(runControl)
	cp.Lineage = models.Lineage(lineage)
	cp.ParentID = parentID.String
	cp.BranchDescription = description.String
	cp.ArchiveReason = reason.String
	cp.CreatedAt = fromMicros(createdAt)
	if archivedAt.Valid {
		at := fromMicros(archivedAt.Int64)
		cp.ArchivedAt = &at
	}

	// Undecodable payloads are left zero; the checksum check flags them.
	_ = json.Unmarshal([]byte(ruleSystem), &cp.RuleSystem)
	if artifacts.Valid {
		_ = json.Unmarshal([]byte(artifacts.String), &cp.Artifacts)
	}
	if passRate.Valid {
		var pr models.PassRateSummary
		if json.Unmarshal([]byte(passRate.String), &pr) == nil {
			cp.PassRate = &pr
		}
	}
	return &cp, nil
}

func encodeNullableJSON(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
