// Package rterrors defines the runtime's error taxonomy: a small set of
// typed, wrappable errors shared by coroutine, timer, scheduler, reactor,
// async, and fdtable, so that callers can use [errors.Is]/[errors.As]
// against one vocabulary instead of ad hoc sentinel values per package.
package rterrors

import (
	"errors"
	"fmt"
)

// Kind identifies which of the runtime's error categories an [Error] belongs
// to. See spec §7 for the full taxonomy and surface behavior of each kind.
type Kind int

const (
	// KindConfig marks a malformed configuration value. Logged and fatal at
	// startup.
	KindConfig Kind = iota
	// KindBadFd marks an async call on an untracked or closed file
	// descriptor. Surfaced to callers as EBADF.
	KindBadFd
	// KindBadAsyncState marks an async call made outside a reactor context.
	// Surfaced to callers as EINVAL.
	KindBadAsyncState
	// KindEventBusy marks a duplicate direction registered on an fd.
	KindEventBusy
	// KindEventTimeout marks a readiness or connect deadline that elapsed.
	// Surfaced to callers as ETIMEDOUT.
	KindEventTimeout
	// KindPostYieldFail marks a retry, after readiness, that still failed.
	// Surfaced to callers as EIO.
	KindPostYieldFail
	// KindCoroutineException marks an uncaught error in a coroutine body.
	KindCoroutineException
	// KindFatalSyscall marks failure of epoll_wait, the context-switch
	// primitive, pipe/eventfd creation, or stack allocation. Fatal.
	KindFatalSyscall
)

// String returns the kind's diagnostic name.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindBadFd:
		return "BadFd"
	case KindBadAsyncState:
		return "BadAsyncState"
	case KindEventBusy:
		return "EventBusy"
	case KindEventTimeout:
		return "EventTimeout"
	case KindPostYieldFail:
		return "PostYieldFail"
	case KindCoroutineException:
		return "CoroutineException"
	case KindFatalSyscall:
		return "FatalSyscall"
	default:
		return "Unknown"
	}
}

// Error is the concrete type behind every runtime error kind. It carries an
// optional cause, unwrappable via [errors.Unwrap].
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, for [errors.Is]/[errors.As].
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind. This lets callers
// write errors.Is(err, rterrors.New(rterrors.KindEventTimeout, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind, wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Of reports the Kind of err, if it is (or wraps) an *Error, and ok=true.
func Of(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
