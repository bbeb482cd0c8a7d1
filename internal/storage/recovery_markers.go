package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

// RecoveryMarkerRepository records abort/recover decisions per task
type RecoveryMarkerRepository struct {
	db *DB
}

// NewRecoveryMarkerRepository creates a recovery marker repository
func NewRecoveryMarkerRepository(db *DB) *RecoveryMarkerRepository {
	return &RecoveryMarkerRepository{db: db}
}

// Put upserts the marker of a task
func (r *RecoveryMarkerRepository) Put(ctx context.Context, taskID string, status models.RecoveryStatus, checkpointID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(`
		INSERT INTO recovery_markers (task_id, status, checkpoint_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			checkpoint_id = EXCLUDED.checkpoint_id,
			updated_at = EXCLUDED.updated_at
	`), taskID, string(status), nullString(checkpointID), toMicros(at))
	if err != nil {
		return fmt.Errorf("failed to save recovery marker: %w", err)
	}
	return nil
}

// Get returns the marker of a task, or nil when none was recorded
func (r *RecoveryMarkerRepository) Get(ctx context.Context, taskID string) (*models.RecoveryMarker, error) {
	var (
		marker       models.RecoveryMarker
		status       string
		checkpointID sql.NullString
		updatedAt    int64
	)
	err := r.db.QueryRowContext(ctx, r.db.rebind(`
		SELECT task_id, status, checkpoint_id, updated_at FROM recovery_markers WHERE task_id = $1
	`), taskID).Scan(&marker.TaskID, &status, &checkpointID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recovery marker: %w", err)
	}

	marker.Status = models.RecoveryStatus(status)
	marker.CheckpointID = checkpointID.String
	marker.UpdatedAt = fromMicros(updatedAt)
	return &marker, nil
}
