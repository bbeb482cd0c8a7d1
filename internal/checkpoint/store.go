package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

// ErrNotFound is returned when a checkpoint does not exist
var ErrNotFound = errors.New("checkpoint not found")

// ErrInvalid wraps structural validation failures
var ErrInvalid = errors.New("invalid checkpoint")

// ListOptions controls checkpoint listing
type ListOptions struct {
	Limit           int
	Offset          int
	IncludeArchived bool
}

// Store persists checkpoints. Implementations return copies and never verify checksums.
type Store interface {
	Save(ctx context.Context, cp *models.Checkpoint) error
	Get(ctx context.Context, id string) (*models.Checkpoint, error)
	// Latest returns the newest non-archived checkpoint of a task
	Latest(ctx context.Context, taskID string) (*models.Checkpoint, error)
	// List returns checkpoints newest first along with the total count
	List(ctx context.Context, taskID string, opts ListOptions) ([]models.Checkpoint, int, error)
	// ListBranch returns the non-archived checkpoints of one branch, oldest first
	ListBranch(ctx context.Context, taskID, branchID string) ([]models.Checkpoint, error)
	Archive(ctx context.Context, ids []string, at time.Time, reason string) error
}

// Validate checks the structural fields a checkpoint needs to be resumable
func Validate(cp *models.Checkpoint) error {
	switch {
	case cp == nil:
		return fmt.Errorf("%w: nil checkpoint", ErrInvalid)
	case cp.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalid)
	case cp.TaskID == "":
		return fmt.Errorf("%w: missing task id", ErrInvalid)
	case cp.Iteration < 0:
		return fmt.Errorf("%w: negative iteration %d", ErrInvalid, cp.Iteration)
	case !cp.State.IsValid():
		return fmt.Errorf("%w: unknown state %q", ErrInvalid, cp.State)
	case !cp.RunControl.IsValid():
		return fmt.Errorf("%w: unknown run control state %q", ErrInvalid, cp.RunControl)
	case !cp.Lineage.IsValid():
		return fmt.Errorf("%w: unknown lineage %q", ErrInvalid, cp.Lineage)
	case cp.BranchID == "":
		return fmt.Errorf("%w: missing branch id", ErrInvalid)
	case cp.Checksum == "":
		return fmt.Errorf("%w: missing checksum", ErrInvalid)
	case cp.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing created_at", ErrInvalid)
	}
	return nil
}

// IsAfter reports whether a was created strictly after b, using the
// iteration counter to break timestamp ties.
func IsAfter(a, b *models.Checkpoint) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.Iteration > b.Iteration
	}
	return a.CreatedAt.After(b.CreatedAt)
}
