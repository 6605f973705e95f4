// Package coordinatorerr defines the error taxonomy of spec §7. Every
// user-facing operation in the coordinator returns either a result or one
// of these sentinel-wrapped kinds; there is no exception-style control flow.
package coordinatorerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in spec §7.
type Kind string

const (
	InvalidSpec       Kind = "invalid_spec"
	NotFound          Kind = "not_found"
	CapacityExceeded  Kind = "capacity_exceeded"
	Backpressured     Kind = "backpressured"
	InvalidTransition Kind = "invalid_transition"
	AgentBusy         Kind = "agent_busy"
	NoEligibleAgent   Kind = "no_eligible_agent"
	Timeout           Kind = "timeout"
	ExecutionError    Kind = "execution_error"
	VerificationFail  Kind = "verification_failed"
	AgentLost         Kind = "agent_lost"
	Shutdown          Kind = "shutdown"
	Internal          Kind = "internal"
)

// Error carries a Kind plus a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against a bare Kind sentinel created by
// New with an empty message, e.g. errors.Is(err, coordinatorerr.New(NotFound, "")).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, or "" if err is not (or does not wrap)
// a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FieldError is one entry in an InvalidSpec field-level error list
// (spec §6 "Invalid specs ... are rejected with InvalidSpec and a
// field-level error list").
type FieldError struct {
	Field  string
	Reason string
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Reason)
}

// ValidationError collects FieldErrors under a single InvalidSpec Error.
type ValidationError struct {
	Fields []FieldError
}

func (v *ValidationError) Error() string {
	msg := "invalid spec"
	for i, f := range v.Fields {
		if i == 0 {
			msg += ": "
		} else {
			msg += "; "
		}
		msg += f.String()
	}
	return msg
}

// Is lets callers match with errors.Is(err, coordinatorerr.New(InvalidSpec, ...)).
func (v *ValidationError) Is(target error) bool {
	e, ok := target.(*Error)
	return ok && e.Kind == InvalidSpec
}

// NewValidation builds a ValidationError from field errors. Returns nil if
// fields is empty so callers can do `if err := NewValidation(fields); err != nil`.
func NewValidation(fields []FieldError) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}
