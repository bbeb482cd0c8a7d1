package models

import (
	"time"
)

// Lineage tags how a checkpoint came to exist
type Lineage string

const (
	LineageAutomatic        Lineage = "automatic"
	LineageManualPromptEdit Lineage = "manual_prompt_edit"
	LineageManualRuleEdit   Lineage = "manual_rule_edit"
	LineageDialogueGuided   Lineage = "dialogue_guided"
	LineageRestored         Lineage = "restored"
)

// IsValid reports whether l is a known lineage
func (l Lineage) IsValid() bool {
	switch l {
	case LineageAutomatic, LineageManualPromptEdit, LineageManualRuleEdit, LineageDialogueGuided, LineageRestored:
		return true
	}
	return false
}

// PassRateSummary represents the evaluation outcome recorded with a checkpoint
type PassRateSummary struct {
	Passed    int     `json:"passed"`
	Total     int     `json:"total"`
	PassRate  float64 `json:"pass_rate"`
	MeanScore float64 `json:"mean_score"`
}

// Checkpoint represents an immutable snapshot of run state
type Checkpoint struct {
	ID                string                 `json:"id" db:"id"`
	TaskID            string                 `json:"task_id" db:"task_id"`
	Iteration         int                    `json:"iteration" db:"iteration"`
	State             IterationState         `json:"state" db:"state"`
	RunControl        RunControlState        `json:"run_control_state" db:"run_control_state"`
	Prompt            string                 `json:"prompt" db:"prompt"`
	RuleSystem        RuleSystem             `json:"rule_system" db:"rule_system"`
	Artifacts         map[string]interface{} `json:"artifacts,omitempty" db:"artifacts"`
	PassRate          *PassRateSummary       `json:"pass_rate_summary,omitempty" db:"pass_rate_summary"`
	BranchID          string                 `json:"branch_id" db:"branch_id"`
	ParentID          string                 `json:"parent_id,omitempty" db:"parent_id"`
	Lineage           Lineage                `json:"lineage_type" db:"lineage_type"`
	BranchDescription string                 `json:"branch_description,omitempty" db:"branch_description"`
	Checksum          string                 `json:"checksum" db:"checksum"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
	ArchivedAt        *time.Time             `json:"archived_at,omitempty" db:"archived_at"`
	ArchiveReason     string                 `json:"archive_reason,omitempty" db:"archive_reason"`

	// IntegrityOK is computed on read, never stored
	IntegrityOK bool `json:"integrity_ok"`
}

// IsArchived reports whether the checkpoint was archived by a rollback
func (c *Checkpoint) IsArchived() bool {
	return c.ArchivedAt != nil
}

// CheckpointPage is one page of a checkpoint listing
type CheckpointPage struct {
	Items  []Checkpoint `json:"items"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// PauseSnapshot is held in memory while a task is suspended at a safepoint
type PauseSnapshot struct {
	TaskID        string                 `json:"task_id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	PausedAt      time.Time              `json:"paused_at"`
	Stage         IterationState         `json:"stage"`
	Iteration     int                    `json:"iteration"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// UnfinishedTask is a task whose latest checkpoint is not terminal
type UnfinishedTask struct {
	TaskID           string         `json:"task_id"`
	TaskName         string         `json:"task_name"`
	CheckpointID     string         `json:"checkpoint_id"`
	Iteration        int            `json:"iteration"`
	State            IterationState `json:"state"`
	LastCheckpointAt time.Time      `json:"last_checkpoint_at"`
}

// RecoveryMetrics counts recovery service activity
type RecoveryMetrics struct {
	Detected  int64 `json:"detected"`
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Aborts    int64 `json:"aborts"`
}
