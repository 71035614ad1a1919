package delivery

import (
	"errors"
	"strings"
)

// Kind classifies an error for callers deciding how to react to it
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient_dependency"
	KindPermanent  Kind = "permanent_dependency"
)

// Error is a classified delivery error
type Error struct {
	Kind    Kind
	Message string
	// Fields names the offending inputs of a validation error
	Fields []string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Kind))
	}
	if len(e.Fields) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Fields, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a bare kind sentinel matching e.
// Sentinels carrying a message only match themselves.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Err == nil && len(t.Fields) == 0 {
		return t.Kind == e.Kind
	}
	return t == e
}

// Kind sentinels usable with errors.Is
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrTransient  = &Error{Kind: KindTransient}
	ErrPermanent  = &Error{Kind: KindPermanent}
)

// Event-level precondition errors
var (
	ErrEventNotFound  = &Error{Kind: KindNotFound, Message: "event not found"}
	ErrNoTemplate     = &Error{Kind: KindValidation, Message: "no template uploaded"}
	ErrNoParticipants = &Error{Kind: KindValidation, Message: "no participants selected"}
	ErrNoFeedbackURL  = &Error{Kind: KindValidation, Message: "feedback is enabled but no feedback base URL is configured"}
	ErrSendInProgress = &Error{Kind: KindConflict, Message: "send already in progress"}
)

// Participant and token errors
var (
	ErrParticipantNotFound = &Error{Kind: KindNotFound, Message: "participant not found"}
	ErrTokenNotFound       = &Error{Kind: KindNotFound, Message: "feedback link not found or expired"}
	ErrAlreadySubmitted    = &Error{Kind: KindConflict, Message: "feedback already submitted"}
	ErrStaleStatus         = &Error{Kind: KindConflict, Message: "participant status changed concurrently"}
	ErrIllegalTransition   = &Error{Kind: KindConflict, Message: "illegal status transition"}
)

// Validation returns a validation error naming the offending fields
func Validation(msg string, fields ...string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

// NotFound returns a not-found error
func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// Conflict returns a conflict error
func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

// Transient wraps a temporary dependency failure
func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

// Permanent wraps a dependency failure that retrying will not fix
func Permanent(msg string, err error) *Error {
	return &Error{Kind: KindPermanent, Message: msg, Err: err}
}

// KindOf returns the kind of err, or "" for unclassified errors
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// FieldsOf returns the validation fields carried by err
func FieldsOf(err error) []string {
	var de *Error
	if errors.As(err, &de) {
		return de.Fields
	}
	return nil
}
