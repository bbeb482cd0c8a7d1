package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ErrArchived is returned when rolling back to an archived checkpoint
var ErrArchived = errors.New("checkpoint is archived")

// Draft carries the fields of a checkpoint about to be written
type Draft struct {
	TaskID            string
	Iteration         int
	State             models.IterationState
	RunControl        models.RunControlState
	Prompt            string
	RuleSystem        models.RuleSystem
	Artifacts         map[string]interface{}
	PassRate          *models.PassRateSummary
	BranchID          string
	ParentID          string
	Lineage           models.Lineage
	BranchDescription string
}

// Service writes and reads checkpoints, verifying integrity on every read
type Service struct {
	store  Store
	tracer trace.Tracer
	logger *logging.Logger
	now    func() time.Time

	mu          sync.Mutex
	lastCreated time.Time
}

// NewService creates a checkpoint service over store
func NewService(store Store, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		store:  store,
		tracer: otel.Tracer("checkpoint-service"),
		logger: logger.Named("checkpoint-service"),
		now:    time.Now,
	}
}

// Create stamps, checksums and persists a new checkpoint
func (s *Service) Create(ctx context.Context, d Draft) (*models.Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.create")
	defer span.End()

	if d.BranchID == "" {
		d.BranchID = uuid.NewString()
	}
	if d.Lineage == "" {
		d.Lineage = models.LineageAutomatic
	}

	cp := &models.Checkpoint{
		ID:                uuid.NewString(),
		TaskID:            d.TaskID,
		Iteration:         d.Iteration,
		State:             d.State,
		RunControl:        d.RunControl,
		Prompt:            d.Prompt,
		RuleSystem:        d.RuleSystem.Clone(),
		Artifacts:         d.Artifacts,
		PassRate:          d.PassRate,
		BranchID:          d.BranchID,
		ParentID:          d.ParentID,
		Lineage:           d.Lineage,
		BranchDescription: d.BranchDescription,
		CreatedAt:         s.nextTimestamp(),
	}

	sum, err := Checksum(cp)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	cp.Checksum = sum
	cp.IntegrityOK = true

	if err := Validate(cp); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("task_id", cp.TaskID),
		attribute.String("checkpoint_id", cp.ID),
		attribute.Int("iteration", cp.Iteration),
		attribute.String("state", string(cp.State)),
	)

	if err := s.store.Save(ctx, cp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	s.logger.WithTaskID(cp.TaskID).WithCheckpointID(cp.ID).Debug("checkpoint saved",
		"iteration", cp.Iteration, "state", string(cp.State), "branch_id", cp.BranchID)

	return cp, nil
}

// Get loads one checkpoint and verifies its checksum
func (s *Service) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	cp, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.verify(cp)
	return cp, nil
}

// Latest loads the newest non-archived checkpoint of a task
func (s *Service) Latest(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	cp, err := s.store.Latest(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.verify(cp)
	return cp, nil
}

// LatestValid returns the newest non-archived checkpoint that is structurally
// valid and passes its integrity check. It returns ErrNotFound when the task
// has no checkpoints and ErrInvalid when none of them is usable.
func (s *Service) LatestValid(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	offset := 0
	seen := 0
	for {
		page, total, err := s.store.List(ctx, taskID, ListOptions{Limit: MaxPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		for i := range page {
			cp := &page[i]
			s.verify(cp)
			if cp.IntegrityOK && Validate(cp) == nil {
				return cp, nil
			}
		}
		seen += len(page)
		offset += len(page)
		if len(page) == 0 || offset >= total {
			break
		}
	}
	if seen == 0 {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("%w: no checkpoint of task %s passed validation", ErrInvalid, taskID)
}

// List returns one page of a task's checkpoints, newest first
func (s *Service) List(ctx context.Context, taskID string, opts ListOptions) (*models.CheckpointPage, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultPageSize
	}
	if opts.Limit > MaxPageSize {
		opts.Limit = MaxPageSize
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	items, total, err := s.store.List(ctx, taskID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	for i := range items {
		s.verify(&items[i])
	}

	return &models.CheckpointPage{
		Items:  items,
		Total:  total,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}, nil
}

// Rollback archives every checkpoint created after the target on the same
// branch and opens a new branch whose first checkpoint restores the target.
func (s *Service) Rollback(ctx context.Context, taskID, checkpointID, reason, description string) (*models.Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.rollback")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("checkpoint_id", checkpointID),
	)

	target, err := s.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if target.TaskID != taskID {
		return nil, ErrNotFound
	}
	if target.IsArchived() {
		return nil, ErrArchived
	}

	branch, err := s.store.ListBranch(ctx, taskID, target.BranchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branch: %w", err)
	}

	later := make([]string, 0)
	for i := range branch {
		if branch[i].ID != target.ID && IsAfter(&branch[i], target) {
			later = append(later, branch[i].ID)
		}
	}

	if reason == "" {
		reason = "rollback to " + target.ID
	}
	if len(later) > 0 {
		if err := s.store.Archive(ctx, later, s.now().UTC(), reason); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to archive checkpoints: %w", err)
		}
	}

	restored, err := s.Create(ctx, Draft{
		TaskID:            taskID,
		Iteration:         target.Iteration,
		State:             target.State,
		RunControl:        models.RunControlIdle,
		Prompt:            target.Prompt,
		RuleSystem:        target.RuleSystem,
		Artifacts:         target.Artifacts,
		PassRate:          target.PassRate,
		BranchID:          uuid.NewString(),
		ParentID:          target.ID,
		Lineage:           models.LineageRestored,
		BranchDescription: description,
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("archived_count", len(later)))
	s.logger.WithTaskID(taskID).WithCheckpointID(target.ID).Info("rolled back",
		"archived_count", len(later), "new_branch_id", restored.BranchID)

	return restored, nil
}

func (s *Service) verify(cp *models.Checkpoint) {
	if !Verify(cp) {
		s.logger.WithTaskID(cp.TaskID).WithCheckpointID(cp.ID).Warn("checkpoint checksum mismatch")
	}
}

// nextTimestamp returns a strictly increasing microsecond timestamp so that
// checkpoints written back to back keep their order after persistence.
func (s *Service) nextTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UTC().Truncate(time.Microsecond)
	if !ts.After(s.lastCreated) {
		ts = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = ts
	return ts
}
