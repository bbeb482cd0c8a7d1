package models

import "time"

// Workspace groups tasks under one owning user
type Workspace struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OwnerUserID string    `json:"owner_user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task represents a persisted optimization task definition
type Task struct {
	ID            string                `json:"id"`
	WorkspaceID   string                `json:"workspace_id"`
	Name          string                `json:"name"`
	InitialPrompt string                `json:"-"`
	Target        ExecutionTargetConfig `json:"target"`
	Config        OptimizationConfig    `json:"config"`
	CreatedAt     time.Time             `json:"created_at"`
}

// RecoveryStatus records what happened to a task's pending recovery
type RecoveryStatus string

const (
	RecoveryStatusAborted   RecoveryStatus = "aborted"
	RecoveryStatusRecovered RecoveryStatus = "recovered"
)

// RecoveryMarker ties a recovery decision to the checkpoint it was made against
type RecoveryMarker struct {
	TaskID       string         `json:"task_id"`
	Status       RecoveryStatus `json:"status"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
