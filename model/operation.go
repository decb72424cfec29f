package model

import "github.com/nvmeio/rangeio/buf"

// ByteRange is a half-open interval over a file's bytes. Start and End
// are interpreted as offsets from the start of the file when
// non-negative, and as offsets from the end of the file (file size
// minus the absolute value) when negative — e.g. End: -1 means "up to
// but not including the last byte".
type ByteRange struct {
	Start int64
	End   int64
}

// Relative reports whether either endpoint needs the file size to be
// resolved into an absolute range.
func (r ByteRange) Relative() bool {
	return r.Start < 0 || r.End < 0
}

// Resolve turns a possibly end-relative range into an absolute,
// non-negative [start, end) pair given the file's size. It does not
// validate that the result lies within [0, size] — callers check that
// separately so they can report RangeOutOfBounds rather than a generic
// error.
func (r ByteRange) Resolve(size int64) ByteRange {
	out := r
	if out.Start < 0 {
		out.Start = size + out.Start
	}
	if out.End < 0 {
		out.End = size + out.End
	}
	return out
}

// Len returns End - Start. Only meaningful for an already-resolved range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// Operation is a single byte-range read request.
type Operation struct {
	OpaqueID uint64
	GroupID  uint64
	Path     string
	Range    ByteRange
}

// Outcome is the Result<ImmView, Error> carried by a Chunk. Exactly one
// of Data or Err is set.
type Outcome struct {
	Data buf.ImmView
	Err  error
}

// Chunk is the engine's sole output currency: one per Operation, always.
type Chunk struct {
	OpaqueID uint64
	GroupID  uint64
	Outcome  Outcome
}
