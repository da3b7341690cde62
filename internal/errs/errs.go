// Package errs defines the typed error taxonomy for the risk engine, mirroring the
// teacher codebase's preference for wrapped, inspectable errors over bare strings.
package errs

import "errors"

// Kind classifies an error per spec.md §7.
type Kind string

const (
	// KindConfigInvalid is fatal at startup.
	KindConfigInvalid Kind = "config_invalid"
	// KindEventMalformed names a wire event that fails validation. Such events are
	// dropped, logged and counted in events_malformed_total; no audit record is written.
	KindEventMalformed Kind = "event_malformed"
	// KindStoreUnavailable wraps a failed store open, read or write. Callers log it and
	// go on; no retry is made and the account worker keeps running.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindSdkCommandFailed triggers retry; on exhaustion the lockout is kept and
	// the event is marked enforcement_failed.
	KindSdkCommandFailed Kind = "sdk_command_failed"
	// KindClockDrift names a backward jump of the system clock. Nothing in this module
	// detects one, and timers and resets do not pause.
	KindClockDrift Kind = "clock_drift"
)

// Error is a typed, wrapped error carrying a Kind for errors.As-style dispatch.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a typed Error.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
