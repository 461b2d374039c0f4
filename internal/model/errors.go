package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestrator errors into the categories callers
// branch on. The taxonomy is deliberately small:
//
//   - KindNotFound:          project/sprint/worktree/session unknown
//   - KindConflict:          actionable state conflict (dirty worktree on a
//     non-forced archive, invalid session transition)
//   - KindResourceExhausted: no free port in the configured range
//   - KindExternalTool:      git/lsof failed or timed out
//   - KindGeneral:           everything else
type ErrorKind int

const (
	// KindGeneral is an unclassified error.
	KindGeneral ErrorKind = iota

	// KindNotFound indicates a named entity does not exist. Not retryable.
	KindNotFound

	// KindConflict indicates the operation is blocked by current state.
	// Retryable after the operator resolves the conflict, or overridable
	// with an explicit force parameter where one exists.
	KindConflict

	// KindResourceExhausted indicates a scarce resource (port range) ran out.
	// Fatal to the request; never retried automatically.
	KindResourceExhausted

	// KindExternalTool indicates an external command (git, lsof) failed or
	// exceeded its timeout.
	KindExternalTool
)

// String returns the string representation of ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindExternalTool:
		return "external_tool_failure"
	default:
		return "general"
	}
}

// ExitCode defines standard CLI exit codes. These codes allow scripts and CI
// systems to programmatically determine the outcome of a command.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitPortExhausted indicates no free port was found in the
	// configured range.
	ExitPortExhausted ExitCode = 4

	// ExitExternalTool indicates a git or process-probe command failed.
	ExitExternalTool ExitCode = 5

	// ExitNotFound indicates the referenced project, worktree, sprint or
	// session does not exist.
	ExitNotFound ExitCode = 6

	// ExitConflict indicates the operation was blocked by current state
	// (e.g. a dirty worktree on a non-forced archive).
	ExitConflict ExitCode = 7
)

// Error is the classified error type used throughout the orchestrator.
// It carries an ErrorKind so the CLI can translate it into an exit code and
// the HTTP server into a status code, plus an optional underlying error.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// message, optionally including the underlying error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode maps the error kind to the CLI exit code for this error.
func (e *Error) ExitCode() ExitCode {
	switch e.Kind {
	case KindNotFound:
		return ExitNotFound
	case KindConflict:
		return ExitConflict
	case KindResourceExhausted:
		return ExitPortExhausted
	case KindExternalTool:
		return ExitExternalTool
	default:
		return ExitGeneralError
	}
}

// NotFoundf creates a KindNotFound error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf creates a KindConflict error with a formatted message.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Exhaustedf creates a KindResourceExhausted error with a formatted message.
func Exhaustedf(format string, args ...any) *Error {
	return &Error{Kind: KindResourceExhausted, Message: fmt.Sprintf(format, args...)}
}

// ExternalTool wraps an external command failure.
func ExternalTool(message string, err error) *Error {
	return &Error{Kind: KindExternalTool, Message: message, Err: err}
}

// Wrap creates a KindGeneral error wrapping err.
func Wrap(message string, err error) *Error {
	return &Error{Kind: KindGeneral, Message: message, Err: err}
}

// KindOf returns the ErrorKind of err, or KindGeneral if err is not a
// classified *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneral
}

// IsNotFound reports whether err is classified as KindNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is classified as KindConflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsExhausted reports whether err is classified as KindResourceExhausted.
func IsExhausted(err error) bool { return KindOf(err) == KindResourceExhausted }

// IsExternalTool reports whether err is classified as KindExternalTool.
func IsExternalTool(err error) bool { return KindOf(err) == KindExternalTool }
