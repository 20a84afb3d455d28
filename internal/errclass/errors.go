// Package errclass defines the stable error classes of the timeline subsystem.
package errclass

import "fmt"

// Error is a stable, machine-readable error class.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return e.Code
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Err: e.Err}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...), Err: e.Err}
}

// Wrap returns a new Error with the same Code wrapping err.
func (e *Error) Wrap(err error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Err: err}
}

var (
	// ErrStoreUnavailable: persistence failed. Fatal for the watcher and
	// capture at startup once retries are exhausted.
	ErrStoreUnavailable = &Error{Code: "E_STORE_UNAVAILABLE"}
	// ErrSourceUnreadable: an observed source could not be read. Never fatal.
	ErrSourceUnreadable = &Error{Code: "E_SOURCE_UNREADABLE"}
	// ErrChildProcessDied: a supervised process exited. Fatal for the supervisor loop.
	ErrChildProcessDied = &Error{Code: "E_CHILD_PROCESS_DIED"}
	// ErrHealthProbeFailed: an HTTP liveness probe did not succeed within its retries.
	ErrHealthProbeFailed = &Error{Code: "E_HEALTH_PROBE_FAILED"}
	ErrInvalidEvent      = &Error{Code: "E_INVALID_EVENT"}
	ErrConfigInvalid     = &Error{Code: "E_CONFIG_INVALID"}
)
