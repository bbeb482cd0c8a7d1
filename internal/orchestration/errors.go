package orchestration

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestration failures
type ErrorKind string

const (
	KindInvalidRequest ErrorKind = "invalid_request"
	KindInternal       ErrorKind = "internal"
)

// Error is returned for failures raised by the orchestration loop itself.
// Errors from capabilities and the scheduler pass through unchanged.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orchestration %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("orchestration %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func internalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// IsInvalidRequest reports whether err is an orchestration invalid_request error
func IsInvalidRequest(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == KindInvalidRequest
}
