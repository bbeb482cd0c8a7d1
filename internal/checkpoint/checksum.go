// Package checkpoint persists run snapshots with integrity checking and
// branch-preserving rollback.
package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

// checksumFields is the canonical form hashed for a checkpoint. Identity,
// timestamps and archive metadata are excluded.
type checksumFields struct {
	TaskID            string                  `json:"task_id"`
	Iteration         int                     `json:"iteration"`
	State             models.IterationState   `json:"state"`
	RunControl        models.RunControlState  `json:"run_control_state"`
	Prompt            string                  `json:"prompt"`
	RuleSystem        models.RuleSystem       `json:"rule_system"`
	Artifacts         map[string]interface{}  `json:"artifacts"`
	PassRate          *models.PassRateSummary `json:"pass_rate_summary"`
	BranchID          string                  `json:"branch_id"`
	ParentID          string                  `json:"parent_id"`
	Lineage           models.Lineage          `json:"lineage_type"`
	BranchDescription string                  `json:"branch_description"`
}

// Checksum computes the xxhash64 digest of the checkpoint's semantic fields
func Checksum(cp *models.Checkpoint) (string, error) {
	data, err := json.Marshal(checksumFields{
		TaskID:            cp.TaskID,
		Iteration:         cp.Iteration,
		State:             cp.State,
		RunControl:        cp.RunControl,
		Prompt:            cp.Prompt,
		RuleSystem:        cp.RuleSystem,
		Artifacts:         cp.Artifacts,
		PassRate:          cp.PassRate,
		BranchID:          cp.BranchID,
		ParentID:          cp.ParentID,
		Lineage:           cp.Lineage,
		BranchDescription: cp.BranchDescription,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint for checksum: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}

// Verify recomputes the checksum and records the outcome in IntegrityOK.
// A mismatch is not an error; the checkpoint stays inspectable.
func Verify(cp *models.Checkpoint) bool {
	sum, err := Checksum(cp)
	cp.IntegrityOK = err == nil && sum == cp.Checksum
	return cp.IntegrityOK
}
