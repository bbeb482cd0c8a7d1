package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

// MemoryStore keeps checkpoints in process memory
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*models.Checkpoint
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]*models.Checkpoint),
	}
}

func (s *MemoryStore) Save(ctx context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ID] = clone(cp)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(cp), nil
}

func (s *MemoryStore) Latest(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.TaskID != taskID || cp.IsArchived() {
			continue
		}
		if latest == nil || IsAfter(cp, latest) {
			latest = cp
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return clone(latest), nil
}

func (s *MemoryStore) List(ctx context.Context, taskID string, opts ListOptions) ([]models.Checkpoint, int, error) {
	s.mu.RLock()
	matched := make([]*models.Checkpoint, 0)
	for _, cp := range s.checkpoints {
		if cp.TaskID != taskID || (cp.IsArchived() && !opts.IncludeArchived) {
			continue
		}
		matched = append(matched, cp)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return IsAfter(matched[i], matched[j]) })

	total := len(matched)
	start := min(opts.Offset, total)
	end := total
	if opts.Limit > 0 {
		end = min(start+opts.Limit, total)
	}

	out := make([]models.Checkpoint, 0, end-start)
	for _, cp := range matched[start:end] {
		out = append(out, *clone(cp))
	}
	return out, total, nil
}

func (s *MemoryStore) ListBranch(ctx context.Context, taskID, branchID string) ([]models.Checkpoint, error) {
	s.mu.RLock()
	matched := make([]*models.Checkpoint, 0)
	for _, cp := range s.checkpoints {
		if cp.TaskID == taskID && cp.BranchID == branchID && !cp.IsArchived() {
			matched = append(matched, cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return IsAfter(matched[j], matched[i]) })

	out := make([]models.Checkpoint, 0, len(matched))
	for _, cp := range matched {
		out = append(out, *clone(cp))
	}
	return out, nil
}

func (s *MemoryStore) Archive(ctx context.Context, ids []string, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		cp, ok := s.checkpoints[id]
		if !ok {
			return ErrNotFound
		}
		archivedAt := at
		cp.ArchivedAt = &archivedAt
		cp.ArchiveReason = reason
	}
	return nil
}

func clone(cp *models.Checkpoint) *models.Checkpoint {
	out := *cp
	out.RuleSystem = cp.RuleSystem.Clone()
	if cp.Artifacts != nil {
		// Artifacts are JSON-shaped; a round trip gives a deep copy.
		if data, err := json.Marshal(cp.Artifacts); err == nil {
			var artifacts map[string]interface{}
			if json.Unmarshal(data, &artifacts) == nil {
				out.Artifacts = artifacts
			}
		}
	}
	if cp.PassRate != nil {
		pr := *cp.PassRate
		out.PassRate = &pr
	}
	if cp.ArchivedAt != nil {
		at := *cp.ArchivedAt
		out.ArchivedAt = &at
	}
	return &out
}
