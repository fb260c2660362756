// Package vexerr defines the VexFS core error taxonomy (spec.md §7).
//
// Every kind shares the one *Error type, whose Kind names the taxonomy
// bucket, rather than a sentinel value, so that dialect parsers can
// extract it (via As) and switch on its Kind to pick the right
// wire-format envelope, with the message a client actually needs (a
// missing name, a mismatched dimension, ...).
package vexerr

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind names one of the taxonomy buckets from spec.md §7.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindAlreadyExists Kind = "already_exists"
	KindInvalidArg    Kind = "invalid_argument"
	KindDimMismatch   Kind = "dim_mismatch"
	KindOutOfSpace    Kind = "out_of_space"
	KindOutOfMemory   Kind = "out_of_memory"
	KindIO            Kind = "io_error"
	KindTimeout       Kind = "timeout"
	KindDegraded      Kind = "degraded"
	KindReadOnly      Kind = "read_only"
	KindCorruption    Kind = "corruption"
	KindInternal      Kind = "internal"
)

// Error is the common shape every taxonomy error satisfies.
type Error struct {
	K       Kind
	Message string
	// CorrelationID is set only for Internal errors, so operators can
	// correlate a user-visible report with server-side logs.
	CorrelationID string
	Cause         error
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation_id=%s)", e.K, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.K, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Kind returns the taxonomy bucket.
func (e *Error) Kind() Kind { return e.K }

func newErr(k Kind, format string, args ...any) *Error {
	return &Error{K: k, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a *NotFound* error for an unknown collection, vector-id,
// or document.
func NotFound(format string, args ...any) *Error { return newErr(KindNotFound, format, args...) }

// AlreadyExists builds an *AlreadyExists* error for a duplicate collection name.
func AlreadyExists(format string, args ...any) *Error {
	return newErr(KindAlreadyExists, format, args...)
}

// InvalidArgument builds an *InvalidArgument* / *InvalidVector* error.
func InvalidArgument(format string, args ...any) *Error {
	return newErr(KindInvalidArg, format, args...)
}

// DimMismatch builds a *DimMismatch* error.
func DimMismatch(got, want int) *Error {
	return newErr(KindDimMismatch, "vector dimension %d does not match collection dimension %d", got, want)
}

// IOError wraps a storage/WAL failure.
func IOError(cause error, format string, args ...any) *Error {
	e := newErr(KindIO, format, args...)
	e.Cause = cause
	return e
}

// Timeout builds a *Timeout* error for watchdog expiry.
func Timeout(format string, args ...any) *Error { return newErr(KindTimeout, format, args...) }

// Degraded builds a *Degraded* admission-rejection error.
func Degraded(format string, args ...any) *Error { return newErr(KindDegraded, format, args...) }

// ReadOnly builds a *ReadOnly* admission-rejection error.
func ReadOnly(format string, args ...any) *Error { return newErr(KindReadOnly, format, args...) }

// Corruption builds a *Corruption* error for a CRC/magic mismatch.
func Corruption(cause error, format string, args ...any) *Error {
	e := newErr(KindCorruption, format, args...)
	e.Cause = cause
	return e
}

// Internal builds an *Internal* error and stamps it with a correlation id.
func Internal(cause error, format string, args ...any) *Error {
	e := newErr(KindInternal, format, args...)
	e.Cause = cause
	e.CorrelationID = uuid.NewString()
	return e
}

// As extracts a *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if err == nil {
		return nil, false
	}
	if ve, ok := err.(*Error); ok {
		return ve, true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return As(u.Unwrap())
	}
	_ = e
	return nil, false
}

// Suggestion returns a one-line, user-facing hint for a kind, used by the
// Native dialect's error envelope (spec.md §7 "includes both `kind` and a
// one-line `suggestion`").
func (k Kind) Suggestion() string {
	switch k {
	case KindNotFound:
		return "check the collection/id exists with list_collections or get_point"
	case KindAlreadyExists:
		return "pick a different collection name or delete the existing one first"
	case KindInvalidArg, KindDimMismatch:
		return "verify the vector is finite and matches the collection's configured dimension"
	case KindOutOfSpace, KindOutOfMemory:
		return "free disk/memory or retry after compaction"
	case KindIO:
		return "check storage health; the operation did not commit"
	case KindTimeout:
		return "retry with a smaller ef_construction/ef_search or increase the operation's deadline"
	case KindDegraded:
		return "retry later; new index builds are rejected while the system is degraded"
	case KindReadOnly:
		return "retry later; writes are rejected while the system is in read-only mode"
	case KindCorruption:
		return "run fsck; recovery fell back to an older snapshot or the WAL head"
	default:
		return "retry, and if this persists, report the correlation id"
	}
}
