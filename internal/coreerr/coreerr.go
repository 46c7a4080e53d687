// Package coreerr defines the error taxonomy shared across the storage and
// query engine (see spec §7): a fixed set of kinds, each mapped to a class
// of caller-visible behavior (retry, abort, surface verbatim).
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation purposes. Storage-level errors
// are retried locally; Internal errors are fatal and must never be retried.
type Kind int

const (
	// Unknown is the zero value; no error built by New or Wrap carries it.
	// KindOf reports it for an error with no coreerr in its chain.
	Unknown Kind = iota
	NotFound
	InvalidArgument
	FailedPrecondition
	ResourceExhausted
	Aborted
	Internal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case InvalidArgument:
		return "InvalidArgument"
	case FailedPrecondition:
		return "FailedPrecondition"
	case ResourceExhausted:
		return "ResourceExhausted"
	case Aborted:
		return "Aborted"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

type kindError struct {
	kind Kind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *kindError) Unwrap() error { return e.err }

// New creates a new error of the given kind with a plain message.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Wrap attaches a kind to an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, msg: msg, err: err}
}

// KindOf extracts the Kind of err, walking the unwrap chain. Returns Unknown
// if no coreerr was found in the chain.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// Is reports whether err's Kind (anywhere in its unwrap chain) equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

var (
	// ErrSplitStalled is the Internal invariant violation raised when a
	// BlockDelta split re-emerges with unchanged size (spec §4.2, §4.4).
	ErrSplitStalled = New(Internal, "split made no progress")
	// ErrBlockIdentityReuse fires when a flush sees an upload collision on a
	// UUID that should be unique-by-construction (spec §4.4).
	ErrBlockIdentityReuse = New(Internal, "block identity reused")
	// ErrAborted is returned when a cancellation token fires mid-task.
	ErrAborted = New(Aborted, "task aborted")
)
