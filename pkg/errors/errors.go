// Package errors augments the standard errors
// with the error kinds used across the update core
// and a Wrap() method to chain causes without resorting
// to fmt.Errorf("%w", err).
package errors

import (
	stderr "errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing policy.
type Kind int

const (
	// KindIo is a local disk failure. Fatal for the current operation.
	KindIo Kind = iota + 1
	// KindNetwork is a transport failure. Retried by the updater.
	KindNetwork
	// KindCorruptData is a hash mismatch, codec parse failure or
	// patcher abort. Triggers a re-plan on the workspace side and
	// aborts a build on the repository side.
	KindCorruptData
	// KindUnsupportedFormat is an unknown operation, codec or
	// metadata document shape. Never retried.
	KindUnsupportedFormat
	// KindDuplicate reports an already registered revision or package.
	KindDuplicate
	// KindUnknownRevision reports a revision absent from the
	// versions list.
	KindUnknownRevision
	// KindUnreachable reports that no package chain links the
	// current revision to the target.
	KindUnreachable
	// KindLocked reports that another writer holds the advisory lock.
	KindLocked
	// KindCancelled reports cooperative cancellation.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindIo:
		return "io"
	case KindNetwork:
		return "network"
	case KindCorruptData:
		return "corrupt data"
	case KindUnsupportedFormat:
		return "unsupported format"
	case KindDuplicate:
		return "duplicate"
	case KindUnknownRevision:
		return "unknown revision"
	case KindUnreachable:
		return "unreachable"
	case KindLocked:
		return "locked"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

var _ error = New(KindIo, "")

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Error carries a kind and an optional wrapped cause.
//
// The main difference with github.com/pkg/errors is that we are
// wrapping errors from errors, not from text, and that every error
// is classified for the caller's retry policy.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// Error message
func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

// Kind of this error
func (e *Error) Kind() Kind {
	return e.kind
}

// Unwrap nested error
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Wrap a nested error
func (e *Error) Wrap(err error) *Error {
	e.err = err
	return e
}

// Is matches on identity or on kind when the target is an *Error
// with an empty message (the package-level sentinels).
func (e *Error) Is(target error) bool {
	if e == target || e.err == target {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.msg == "" && t.kind == e.kind
	}
	return false
}

// Sentinels for errors.Is checks on kind alone.
var (
	ErrIo                = New(KindIo, "")
	ErrNetwork           = New(KindNetwork, "")
	ErrCorruptData       = New(KindCorruptData, "")
	ErrUnsupportedFormat = New(KindUnsupportedFormat, "")
	ErrDuplicate         = New(KindDuplicate, "")
	ErrUnknownRevision   = New(KindUnknownRevision, "")
	ErrUnreachable       = New(KindUnreachable, "")
	ErrLocked            = New(KindLocked, "")
	ErrCancelled         = New(KindCancelled, "")
)

// KindOf extracts the kind of err, or 0 when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if stderr.As(err, &e) {
		return e.kind
	}
	return 0
}

// As finds the first error in err's chain that matches target, and if so, sets target to that error value and returns true.
// (a shortcut to standard lib errors.As)
func As(err error, target interface{}) bool {
	return stderr.As(err, target)
}

// Is reports whether any error in err's chain matches target
// (a shortcut to standard lib errors.Is)
func Is(err, target error) bool {
	return stderr.Is(err, target)
}
