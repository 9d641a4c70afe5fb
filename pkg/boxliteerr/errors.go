// Package boxliteerr defines the stable error taxonomy every BoxLite
// component reports through. Callers match on Kind, not on concrete types.
package boxliteerr

import (
	"errors"
	"fmt"
)

// Kind is a stable error classification. Values are part of the public API
// and must not be renumbered once released.
type Kind int

const (
	Internal Kind = iota
	UnsupportedEngine
	Engine
	Config
	Storage
	ImageTransient
	ImagePermanent
	PortalDisconnected
	PortalReset
	PortalTimeout
	Network
	Execution
	NotFound
	AlreadyExists
	InvalidState
	Shutdown
)

func (k Kind) String() string {
	switch k {
	case UnsupportedEngine:
		return "UnsupportedEngine"
	case Engine:
		return "Engine"
	case Config:
		return "Config"
	case Storage:
		return "Storage"
	case ImageTransient:
		return "Image(transient)"
	case ImagePermanent:
		return "Image(permanent)"
	case PortalDisconnected:
		return "Portal(disconnected)"
	case PortalReset:
		return "Portal(reset)"
	case PortalTimeout:
		return "Portal(timeout)"
	case Network:
		return "Network"
	case Execution:
		return "Execution"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case InvalidState:
		return "InvalidState"
	case Shutdown:
		return "Shutdown"
	default:
		return "Internal"
	}
}

// Retriable reports whether the runtime itself should retry an operation
// that failed with this kind, rather than surfacing it immediately. Only
// transient image pulls and portal hiccups qualify (§7 propagation policy).
func (k Kind) Retriable() bool {
	switch k {
	case ImageTransient, PortalDisconnected, PortalReset, PortalTimeout:
		return true
	default:
		return false
	}
}

// Error is the concrete error type every BoxLite component returns.
// Callers use errors.As to recover Kind and Code.
type Error struct {
	Kind    Kind
	Code    string // stable, machine-matchable sub-code, e.g. "PortInUse"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s(%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an *Error carrying cause, preserving it for errors.Unwrap/errors.Is.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// NotFoundf builds a NotFound error, the common case for id/name lookups.
func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, "", fmt.Sprintf(format, args...))
}

// AlreadyExistsf builds an AlreadyExists error for name/port reservation
// collisions.
func AlreadyExistsf(code, format string, args ...any) *Error {
	return New(AlreadyExists, code, fmt.Sprintf(format, args...))
}

// InvalidStatef builds an InvalidState error for an operation forbidden in
// the box's current state. code is the state the box was actually in
// (e.g. "Stopping"), matching the sibling AlreadyExistsf/Configf shape.
func InvalidStatef(code, format string, args ...any) *Error {
	return New(InvalidState, code, fmt.Sprintf(format, args...))
}

// Configf builds a Config error for option validation failures.
func Configf(code, format string, args ...any) *Error {
	return New(Config, code, fmt.Sprintf(format, args...))
}
