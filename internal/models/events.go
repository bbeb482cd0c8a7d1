package models

import (
	"encoding/json"
	"time"
)

// ControlMessage is the envelope of every message on the control bus
type ControlMessage struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId"`
}

// Command types accepted from clients
const (
	CommandTypePause  = "pause"
	CommandTypeResume = "resume"
)

// Event types sent to clients
const (
	EventTypeControlAck           = "control:ack"
	EventTypeError                = "error"
	EventTypeIterationPauseQueued = "iteration:pause_requested"
	EventTypeIterationPaused      = "iteration:paused"
	EventTypeIterationResumed     = "iteration:resumed"
	EventTypeIterationStopping    = "iteration:stop_requested"
)

// Ack reasons
const (
	ReasonAlreadyPaused           = "already_paused"
	ReasonAlreadyRequested        = "already_requested"
	ReasonNotPaused               = "not_paused"
	ReasonNotRunning              = "not_running"
	ReasonUnsupportedType         = "unsupported_type"
	ReasonMissingTaskID           = "missing_task_id"
	ReasonTaskNotFoundOrForbidden = "task_not_found_or_forbidden"
	ReasonInvalidPayload          = "invalid_payload"
)

// ControlCommandPayload is the payload of a pause or resume command
type ControlCommandPayload struct {
	TaskID string `json:"task_id"`
}

// ControlAck answers a single control command
type ControlAck struct {
	TaskID       string          `json:"task_id"`
	OK           bool            `json:"ok"`
	Applied      bool            `json:"applied"`
	CurrentState RunControlState `json:"current_state,omitempty"`
	TargetState  RunControlState `json:"target_state,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Snapshot     *PauseSnapshot  `json:"snapshot,omitempty"`
}

// StateChangeEvent is broadcast to observers when a task's pause state changes
type StateChangeEvent struct {
	TaskID     string          `json:"task_id"`
	RunControl RunControlState `json:"run_control_state"`
	Actor      string          `json:"actor,omitempty"`
	Stage      IterationState  `json:"stage,omitempty"`
	Iteration  int             `json:"iteration"`
	Snapshot   *PauseSnapshot  `json:"snapshot,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}
