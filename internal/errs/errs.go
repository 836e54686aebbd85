// Package errs holds the error taxonomy shared by every coordination
// subsystem. Callers match with errors.Is; the web layer maps the
// sentinels to HTTP status codes.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed register/submit configuration.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown agent, task, session or document.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a lost compare-and-set or a stale document version.
	ErrConflict = errors.New("conflict")
	// ErrNoSuitableAgent is informational: the task stays queued.
	ErrNoSuitableAgent = errors.New("no suitable agent")
	// ErrInvalidParticipant marks a sender outside the session's participant set.
	ErrInvalidParticipant = errors.New("invalid participant")
	// ErrDeadlineExceeded marks an expired wait. Reported, never fatal.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// ExecutorError wraps a failure reported by the external executor.
// The owning agent goes to Error and stays there until recovered.
type ExecutorError struct {
	AgentID string
	TaskID  string
	Err     error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor failed for task %s on agent %s: %v", e.TaskID, e.AgentID, e.Err)
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}
