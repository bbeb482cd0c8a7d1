package models

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeTaskNotFound       = "TASK_NOT_FOUND"
	ErrCodeCheckpointNotFound = "CHECKPOINT_NOT_FOUND"
	ErrCodePauseStateNotFound = "PAUSE_STATE_NOT_FOUND"
	ErrCodeNoValidCheckpoint  = "NO_VALID_CHECKPOINT"
	ErrCodeTaskAlreadyRunning = "TASK_ALREADY_RUNNING"
	ErrCodeInvalidTransition  = "INVALID_STATE_TRANSITION"
	ErrCodeTaskFinished       = "TASK_FINISHED"
)
