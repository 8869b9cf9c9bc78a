package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes durable execution errors.
type ErrorCode string

const (
	// CodeTransient indicates a side effect failed and may be retried.
	CodeTransient ErrorCode = "TRANSIENT_OPERATION"

	// CodeNonDeterminism indicates replay diverged from the recorded journal.
	CodeNonDeterminism ErrorCode = "NON_DETERMINISM"

	// CodeAlreadyResolved indicates a promise was already completed.
	CodeAlreadyResolved ErrorCode = "ALREADY_RESOLVED"

	// CodeAlreadyCompleted indicates a run-once workflow has finished.
	CodeAlreadyCompleted ErrorCode = "ALREADY_COMPLETED"

	// CodeStorageUnavailable indicates the journal backend failed.
	CodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"

	// CodeLockTimeout indicates an invocation waited too long for its key.
	CodeLockTimeout ErrorCode = "LOCK_TIMEOUT"

	// CodeTerminal marks a handler error that must not be retried.
	CodeTerminal ErrorCode = "TERMINAL"

	// CodeNotFound indicates an unknown invocation, promise or timer.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeRetryExhausted indicates the attempt budget ran out.
	CodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// CodeInvalid indicates a malformed request or misuse of a handler API.
	CodeInvalid ErrorCode = "INVALID"
)

// retryable lists codes a caller may retry by resubmitting.
var retryable = map[ErrorCode]bool{
	CodeTransient:          true,
	CodeStorageUnavailable: true,
	CodeLockTimeout:        true,
}

// Error is the structured error used across the engine, stores and handlers.
// Two Errors match under errors.Is when their codes are equal, so the
// sentinels below work through any amount of wrapping.
type Error struct {
	Code         ErrorCode
	Message      string
	InvocationID string
	Cause        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.InvocationID != "" {
		return fmt.Sprintf("%s: %s (invocation=%s)", e.Code, msg, e.InvocationID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches other *Error values by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.InvocationID == ""
}

// Sentinels for errors.Is.
var (
	ErrTransient          = &Error{Code: CodeTransient}
	ErrNonDeterminism     = &Error{Code: CodeNonDeterminism}
	ErrAlreadyResolved    = &Error{Code: CodeAlreadyResolved}
	ErrAlreadyCompleted   = &Error{Code: CodeAlreadyCompleted}
	ErrStorageUnavailable = &Error{Code: CodeStorageUnavailable}
	ErrLockTimeout        = &Error{Code: CodeLockTimeout}
	ErrTerminal           = &Error{Code: CodeTerminal}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrRetryExhausted     = &Error{Code: CodeRetryExhausted}
	ErrInvalid            = &Error{Code: CodeInvalid}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// TerminalError marks err as non-retryable: returned from a handler or a
// side effect it fails the invocation without consuming the retry budget.
func TerminalError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Code == CodeTerminal {
		return err
	}
	return &Error{Code: CodeTerminal, Cause: err}
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	return CodeOf(err) == CodeTerminal
}

// NonDeterminismError describes a replay divergence at seq.
func NonDeterminismError(invocationID string, seq int64, recorded, issued string) *Error {
	return &Error{
		Code:         CodeNonDeterminism,
		Message:      fmt.Sprintf("journal entry %d is %s, handler issued %s", seq, recorded, issued),
		InvocationID: invocationID,
	}
}

// StorageUnavailable wraps a backend failure.
func StorageUnavailable(op string, cause error) *Error {
	return &Error{Code: CodeStorageUnavailable, Message: op + ": " + cause.Error(), Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether a caller may retry the failed request.
func IsRetryable(err error) bool {
	return retryable[CodeOf(err)]
}

// Failure is the persisted form of an error: what attachers and replays see.
type Failure struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Err converts the failure back into an *Error so errors.Is works on
// recorded failures exactly as on live ones. A nil failure yields nil.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	return &Error{Code: f.Code, Message: f.Message}
}

// FailureFrom records err. Errors without a code are recorded as terminal:
// by the time an error is persisted it is the final answer.
func FailureFrom(err error) *Failure {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	if code == "" {
		code = CodeTerminal
	}
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) {
		msg = e.Message
		if msg == "" && e.Cause != nil {
			msg = e.Cause.Error()
		}
	}
	return &Failure{Code: code, Message: msg, Retryable: retryable[code]}
}
