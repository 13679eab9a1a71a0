package taskboard

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a task failure so clients can branch on it without
// parsing prose. The kind travels with the task record and in the journal.
type ErrorKind string

const (
	// ErrBadRequest means the task parameters were malformed. Submission is
	// rejected synchronously; no task record is created.
	ErrBadRequest ErrorKind = "bad_request"

	// ErrChecksumMismatch means a downloaded or generated source archive did
	// not hash to its declared digest.
	ErrChecksumMismatch ErrorKind = "checksum_mismatch"

	// ErrEnvironmentMissing means the target build environment image is absent.
	ErrEnvironmentMissing ErrorKind = "environment_missing"

	// ErrDependencyFailure means prescript or build dependency installation failed.
	ErrDependencyFailure ErrorKind = "dependency_failure"

	// ErrToolFailure means an external builder or registry tool exited nonzero.
	ErrToolFailure ErrorKind = "tool_failure"

	// ErrResultMissing means an expected build artifact was absent after a
	// nominally successful tool run.
	ErrResultMissing ErrorKind = "result_missing"

	// ErrVersionConflict means no free release slot was found within the
	// retry budget.
	ErrVersionConflict ErrorKind = "version_conflict"

	// ErrInterruptedExecution means the task was running when the daemon
	// restarted. Such tasks are failed, never resumed.
	ErrInterruptedExecution ErrorKind = "interrupted_execution"

	// ErrPermissionDenied is surfaced by the transport layer, never generated
	// by the engine itself.
	ErrPermissionDenied ErrorKind = "permission_denied"
)

// TaskError is a classified task failure. It wraps an optional cause so that
// errors.Is/As keep working through the classification layer.
type TaskError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// NewTaskError builds a classified error with a formatted message.
func NewTaskError(kind ErrorKind, format string, a ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

// WrapTaskError classifies an existing error, keeping it as the cause.
func WrapTaskError(kind ErrorKind, err error, format string, a ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, a...), cause: err}
}

func (e *TaskError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.cause
}

// KindOf extracts the classification of err, or empty when err carries none.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
