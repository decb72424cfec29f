package engine

import (
	"github.com/nvmeio/rangeio/buf"
	"github.com/nvmeio/rangeio/internal/iouring"
	"github.com/nvmeio/rangeio/model"
)

// phase identifies which link in the open->read->close chain a
// completion belongs to. statx is an optional phase prepended only when
// an operation's range needs the file size to resolve negative
// endpoints and the size isn't already cached.
type phase int

const (
	phaseStatx phase = iota
	phaseOpen
	phaseRead
	phaseClose
)

func (p phase) String() string {
	switch p {
	case phaseStatx:
		return "statx"
	case phaseOpen:
		return "open"
	case phaseRead:
		return "read"
	case phaseClose:
		return "close"
	default:
		return "unknown"
	}
}

// chain is the InFlight bookkeeping record of §3: allocated once at
// submission, reconstructed once per completion via the ring's opaque
// user-data pointer, released once at chain finalization.
type chain struct {
	op     model.Operation
	rng    model.ByteRange // resolved (absolute) once known
	needed int             // requested read length once resolved

	phase    phase
	slot     int32 // fd-slot index held by this chain
	fd       int32 // real fd once OPENAT completes
	view     buf.MutView
	haveView bool

	statxBuf []byte       // live only during the statx phase
	curOp    *iouring.Op  // the Op currently in flight for this chain (statx/open/read), nil once reaped
	closeOp  *iouring.Op  // the linked close Op, kept separate since it outlives the read Op

	firstErr *model.Error // the first phase error observed; later phases in the same chain don't overwrite it
}

// finalize builds the Chunk this chain produces. It consumes view (via
// Freeze, when there was no error) or releases it (on error), and never
// leaves a MutView dangling either way.
func (c *chain) finalize() model.Chunk {
	if c.firstErr != nil {
		if c.haveView {
			c.view.Release()
			c.haveView = false
		}
		return model.Chunk{
			OpaqueID: c.op.OpaqueID,
			GroupID:  c.op.GroupID,
			Outcome:  model.Outcome{Err: c.firstErr},
		}
	}

	imm, err := c.view.Freeze()
	c.haveView = false
	if err != nil {
		// The buffer substrate's own invariants guarantee this chain is
		// the sole live view of its allocation (it was never split or
		// cloned), so a freeze failure here means the driver's own
		// bookkeeping is broken, not a normal operation outcome.
		panic("engine: freeze of exclusive read buffer failed: " + err.Error())
	}
	if imm.Len() != c.needed {
		narrowed, err := imm.Narrow(0, c.needed)
		if err != nil {
			panic("engine: narrow of read buffer failed: " + err.Error())
		}
		imm.Release()
		imm = narrowed
	}
	return model.Chunk{
		OpaqueID: c.op.OpaqueID,
		GroupID:  c.op.GroupID,
		Outcome:  model.Outcome{Data: imm},
	}
}

// fail records err as this chain's outcome, if no earlier phase has
// already failed it: "only the first error is surfaced" (§4.D).
func (c *chain) fail(kind model.Kind, op, path string, cause error) {
	if c.firstErr != nil {
		return
	}
	c.firstErr = model.NewError(kind, op, path, cause)
}
