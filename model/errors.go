package model

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories a Chunk's outcome can
// carry. Substrate-level failures (InvalidAlignment, InvalidLength,
// OutOfRange, NotUnique from package buf) never appear here: if one
// reaches the driver it is a bug in the driver's own bookkeeping, not an
// operation outcome, and the process aborts instead (see engine's panic
// policy).
type Kind int

const (
	// NotFound means the path does not exist or is not a regular file.
	NotFound Kind = iota + 1
	// PermissionDenied means the open was refused.
	PermissionDenied
	// RangeOutOfBounds means the resolved range's end exceeds the file's
	// length. The engine checks this only for ranges with an end-relative
	// endpoint, the ones it resolves against the file's size.
	RangeOutOfBounds
	// AlignmentViolation means, in direct-I/O mode, the request cannot be aligned.
	AlignmentViolation
	// ShortRead means fewer bytes were returned than requested. An
	// absolute range that extends past end of file is reported as
	// ShortRead too, since such ranges are not checked against the
	// file's size.
	ShortRead
	// IoFailure covers any other kernel-level failure. The engine does
	// not record the raw errno on the Error.
	IoFailure
	// Cancelled means the operation was still queued when shutdown was initiated.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case PermissionDenied:
		return "permission_denied"
	case RangeOutOfBounds:
		return "range_out_of_bounds"
	case AlignmentViolation:
		return "alignment_violation"
	case ShortRead:
		return "short_read"
	case IoFailure:
		return "io_failure"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried by a Chunk's Outcome.Err. It
// wraps an optional underlying cause so callers can use
// errors.Is/errors.As against either the Kind or the cause. The engine's
// driver passes no cause and leaves Code zero.
type Error struct {
	Kind Kind
	Path string
	Op   string // which phase produced this: "open", "read", "close", "statx"
	Code int32  // raw negative-errno result field; not set by the engine
	Err  error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rangeio: %s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("rangeio: %s %s: %s", e.Op, e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, model.NotFound) work by comparing Kind rather
// than requiring the caller to type-assert *Error first.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError builds an *Error for the given kind, path, phase and cause.
func NewError(kind Kind, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

// KindOf is a convenience for sentinel comparisons in tests:
// errors.Is(chunk.Outcome.Err, model.KindOf(model.NotFound)).
func KindOf(k Kind) error {
	return &Error{Kind: k}
}
