package model

import "errors"

// ErrorKind names a terminal, user-facing outcome of a check-in attempt.
type ErrorKind string

const (
	KindSessionNotFound     ErrorKind = "session_not_found"
	KindSessionInactive     ErrorKind = "session_inactive"
	KindNotEnrolled         ErrorKind = "not_enrolled"
	KindAlreadyRecorded     ErrorKind = "already_recorded"
	KindOutsideWindow       ErrorKind = "outside_window"
	KindTokenExpired        ErrorKind = "token_expired"
	KindTokenMismatch       ErrorKind = "token_mismatch"
	KindLocationUnavailable ErrorKind = "location_unavailable"
	KindOutsideGeofence     ErrorKind = "outside_geofence"
	KindOriginNotAllowed    ErrorKind = "origin_not_allowed"
	KindMethodMismatch      ErrorKind = "method_mismatch"
)

// Error is a classified check-in failure.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Msg
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

var (
	ErrSessionNotFound     = &Error{Kind: KindSessionNotFound}
	ErrSessionInactive     = &Error{Kind: KindSessionInactive}
	ErrNotEnrolled         = &Error{Kind: KindNotEnrolled}
	ErrAlreadyRecorded     = &Error{Kind: KindAlreadyRecorded}
	ErrOutsideWindow       = &Error{Kind: KindOutsideWindow}
	ErrTokenExpired        = &Error{Kind: KindTokenExpired}
	ErrTokenMismatch       = &Error{Kind: KindTokenMismatch}
	ErrLocationUnavailable = &Error{Kind: KindLocationUnavailable}
	ErrOutsideGeofence     = &Error{Kind: KindOutsideGeofence}
	ErrOriginNotAllowed    = &Error{Kind: KindOriginNotAllowed}
	ErrMethodMismatch      = &Error{Kind: KindMethodMismatch}
)

// KindOf returns the kind of a classified error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
