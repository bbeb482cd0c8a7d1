package execution

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an execution failure
type ErrorKind string

const (
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindTimeout            ErrorKind = "timeout"
	KindNetwork            ErrorKind = "network"
	KindUpstreamError      ErrorKind = "upstream_error"
	KindParseError         ErrorKind = "parse_error"
	KindInternal           ErrorKind = "internal"
)

// ErrResultMismatch is returned when a batch's results do not line up with its test cases
var ErrResultMismatch = errors.New("execution results do not match test cases")

// ExecutionError is returned by the scheduler and execution targets. Message
// carries a description of the failure only; prompt text and test inputs are
// never included.
type ExecutionError struct {
	Kind       ErrorKind
	TestCaseID string
	Message    string
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.TestCaseID != "" {
		return fmt.Sprintf("execution %s (test case %s): %s", e.Kind, e.TestCaseID, e.Message)
	}
	return fmt.Sprintf("execution %s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewError builds an ExecutionError
func NewError(kind ErrorKind, testCaseID, message string, err error) *ExecutionError {
	return &ExecutionError{
		Kind:       kind,
		TestCaseID: testCaseID,
		Message:    message,
		Err:        err,
	}
}

// KindOf returns the kind of an execution error, or KindInternal for anything else
func KindOf(err error) ErrorKind {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	return KindInternal
}
