package engine

import (
	"encoding/binary"
	"runtime"
	"syscall"

	"github.com/bytedance/gopkg/lang/mcache"
	"golang.org/x/sys/unix"

	"github.com/nvmeio/rangeio/buf"
	"github.com/nvmeio/rangeio/internal/iouring"
	"github.com/nvmeio/rangeio/model"
	"github.com/nvmeio/rangeio/unsafex"
)

// step is the Go-side owner attached to every iouring.Op this driver
// submits. Recovering it from a CQE's UserData tells the driver which
// chain the completion belongs to and which phase it was.
type step struct {
	c  *chain
	ph phase
}

// statxBufSize matches struct statx's reserved size in the Linux ABI;
// the driver only reads the stx_size field (8 bytes at offset 40).
const statxBufSize = 256
const statxSizeOffset = 40

// driver owns one ring, one fd-slot freelist, and the chains currently
// in flight on that ring. It is touched by exactly one goroutine (the
// pool worker running it), so none of its fields need synchronization;
// only the shared Engine-level structures it reaches into (barrier,
// cache, stats, output channel) are synchronized themselves.
type driver struct {
	id    int
	r     ring
	slots *fdSlots
	eng   *Engine

	inbox chan model.Operation
	stash []model.Operation

	outstanding map[*chain]struct{}
}

func newDriver(id int, r ring, fdSlotCount int, eng *Engine) *driver {
	return &driver{
		id:          id,
		r:           r,
		slots:       newFDSlots(fdSlotCount),
		eng:         eng,
		inbox:       make(chan model.Operation, fdSlotCount*2),
		outstanding: make(map[*chain]struct{}),
	}
}

// run is the driver loop body of §4.D: fill the ring while capacity,
// input and the group barrier allow it; block for at least one
// completion; advance every reaped chain. It returns once the inbox is
// closed, nothing is stashed, and nothing is outstanding.
func (d *driver) run() {
	for {
		d.fill()

		if len(d.outstanding) == 0 {
			if len(d.stash) > 0 {
				// No completion on this ring will trigger another fill,
				// and the stashed operations wait on state other drivers
				// change (the group barrier, another chain's statx
				// claim): yield and retry them rather than block on the
				// inbox.
				runtime.Gosched()
				continue
			}
			op, ok := d.nextBlocking()
			if !ok {
				return
			}
			d.stash = append(d.stash, op)
			continue
		}

		cqe, err := d.r.WaitCQE()
		if err != nil {
			logf("rangeio: worker %d: WaitCQE: %v", d.id, err)
			continue
		}
		d.handle(cqe)
		d.r.AdvanceCQ()

		for {
			cqe := d.r.PeekCQE()
			if cqe == nil {
				break
			}
			d.handle(cqe)
			d.r.AdvanceCQ()
		}
	}
}

// nextBlocking waits for the next operation when nothing is
// outstanding on the ring and nothing is stashed, rather than spinning
// on WaitCQE with no submissions to wait for. Returns false once the inbox is closed.
func (d *driver) nextBlocking() (model.Operation, bool) {
	op, ok := <-d.inbox
	return op, ok
}

// fill submits as many new chains as the ring, the fd-slot freelist and
// the group barrier currently allow.
func (d *driver) fill() {
	for {
		op, ok := d.nextQueued()
		if !ok {
			return
		}

		if d.eng.isClosing() {
			d.eng.emitCancelled(op)
			continue
		}

		if !d.eng.barrier.canSubmit(op.GroupID) {
			d.stash = append(d.stash, op)
			return
		}

		if !d.submitChain(op) {
			d.stash = append([]model.Operation{op}, d.stash...)
			return
		}
	}
}

// nextQueued pops the next pending operation, preferring the stash
// (operations already pulled once) over the inbox, without blocking.
func (d *driver) nextQueued() (model.Operation, bool) {
	if len(d.stash) > 0 {
		op := d.stash[0]
		d.stash = d.stash[1:]
		return op, true
	}
	select {
	case op, ok := <-d.inbox:
		return op, ok
	default:
		return model.Operation{}, false
	}
}

// submitChain attempts to submit the first phase of op's chain. It
// returns false (and leaves op for the caller to restash) if the
// fd-slot freelist or ring capacity can't accommodate it right now.
func (d *driver) submitChain(op model.Operation) bool {
	slot, ok := d.slots.acquire()
	if !ok {
		return false
	}

	c := &chain{op: op, slot: slot, haveView: false}
	d.eng.barrier.recordSubmitted(op.GroupID)

	if !op.Range.Relative() {
		c.rng = op.Range
		c.needed = int(c.rng.Len())
		return d.submitOpen(c)
	}

	if size, ok := d.eng.cache.Peek(op.Path); ok {
		c.rng = op.Range.Resolve(size)
		c.needed = int(c.rng.Len())
		if c.rng.Start < 0 || c.rng.End > size || c.rng.Start > c.rng.End {
			c.fail(model.RangeOutOfBounds, "statx", op.Path, nil)
			d.slots.release(c.slot)
			d.finishChain(c)
			return true
		}
		return d.submitOpen(c)
	}

	if !d.eng.cache.ClaimStatx(op.Path) {
		// Another chain's STATX for this path is already in flight;
		// don't submit a duplicate one. Undo the tentative submit and
		// let the caller restash op for a later fill cycle, by which
		// point the claiming chain will have seeded (or failed to
		// seed) the cache.
		d.slots.release(c.slot)
		d.eng.barrier.recordCompleted(op.GroupID)
		return false
	}
	return d.submitStatx(c)
}

func (d *driver) reserve(n uint32) bool {
	if d.r.PendingSQEs()+n > d.r.Capacity() {
		d.eng.stats.addBackpressure()
		logf("rangeio: worker %d: submission ring full (%d of %d pending)", d.id, d.r.PendingSQEs(), d.r.Capacity())
		return false
	}
	return true
}

func (d *driver) submitStatx(c *chain) bool {
	if !d.reserve(1) {
		d.slots.release(c.slot)
		d.eng.barrier.recordCompleted(c.op.GroupID) // undo the tentative submit
		d.eng.cache.UnclaimStatx(c.op.Path)          // this chain was the claim's leader; let a retry reclaim it
		return false
	}
	// statxBuf is small, fixed-size and short-lived: borrow it from
	// mcache's size-classed pool instead of a fresh heap allocation per
	// chain.
	c.statxBuf = mcache.Malloc(statxBufSize)
	op := iouring.AcquireOp()
	op.SetStatxOp(unix.AT_FDCWD, unsafex.StringToBinary(c.op.Path), 0, unix.STATX_SIZE, c.statxBuf)
	op.Owner = &step{c: c, ph: phaseStatx}
	c.curOp = op

	sqe := d.r.PeekSQE(true)
	op.Copy2SQE(sqe)
	d.r.AdvanceSQ()

	d.outstanding[c] = struct{}{}
	submitRing(d.r)
	return true
}

func (d *driver) submitOpen(c *chain) bool {
	if !d.reserve(1) {
		d.slots.release(c.slot)
		d.eng.barrier.recordCompleted(c.op.GroupID)
		return false
	}
	flags := uint32(unix.O_RDONLY)
	if d.eng.opts.DirectIO {
		flags |= unix.O_DIRECT
	}
	op := iouring.AcquireOp()
	op.SetOpenOp(unix.AT_FDCWD, unsafex.StringToBinary(c.op.Path), flags, 0)
	op.Owner = &step{c: c, ph: phaseOpen}
	c.curOp = op

	sqe := d.r.PeekSQE(true)
	op.Copy2SQE(sqe)
	d.r.AdvanceSQ()

	d.outstanding[c] = struct{}{}
	submitRing(d.r)
	return true
}

func submitRing(r ring) {
	if r.PendingSQEs() == 0 {
		return
	}
	if _, errno := r.Submit(); errno != 0 {
		logf("rangeio: ring submit: %v", errno)
	}
}

// handle advances the chain named by cqe's user data by one phase.
func (d *driver) handle(cqe *iouring.IoUringCQE) {
	op := iouring.GetOp(cqe.UserData)
	if op == nil {
		return
	}
	st, ok := op.Owner.(*step)
	if !ok {
		return
	}
	c, res := st.c, cqe.Res
	iouring.ReleaseOp(op)
	c.curOp = nil

	switch st.ph {
	case phaseStatx:
		d.afterStatx(c, res)
	case phaseOpen:
		d.afterOpen(c, res)
	case phaseRead:
		d.afterRead(c, res)
	case phaseClose:
		d.afterClose(c, res)
	}
}

func (d *driver) afterStatx(c *chain, res int32) {
	if res < 0 {
		mcache.Free(c.statxBuf)
		c.statxBuf = nil
		d.eng.cache.UnclaimStatx(c.op.Path)
		c.fail(classify(res, d.eng.opts.DirectIO), "statx", c.op.Path, nil)
		d.slots.release(c.slot)
		d.finishChain(c)
		return
	}
	size := int64(binary.LittleEndian.Uint64(c.statxBuf[statxSizeOffset : statxSizeOffset+8]))
	mcache.Free(c.statxBuf)
	c.statxBuf = nil
	d.eng.cache.Seed(c.op.Path, size)

	c.rng = c.op.Range.Resolve(size)
	c.needed = int(c.rng.Len())
	if c.rng.Start < 0 || c.rng.End > size || c.rng.Start > c.rng.End {
		c.fail(model.RangeOutOfBounds, "statx", c.op.Path, nil)
		d.slots.release(c.slot)
		d.finishChain(c)
		return
	}
	if !d.submitOpen(c) {
		d.stashChainReopen(c)
	}
}

// stashChainReopen is reached only if ring capacity was briefly
// unavailable when a statx-resolved chain was ready to open.
// submitOpen's failure path has already released the chain's fd-slot
// and undone its barrier count, so the operation is simply restashed
// and restarts as a fresh chain on a later fill cycle, its size now
// served from the cache.
func (d *driver) stashChainReopen(c *chain) {
	delete(d.outstanding, c)
	d.stash = append(d.stash, c.op)
}

func (d *driver) afterOpen(c *chain, res int32) {
	if res < 0 {
		c.fail(classify(res, d.eng.opts.DirectIO), "open", c.op.Path, nil)
		d.slots.release(c.slot)
		d.finishChain(c)
		return
	}
	c.fd = res

	align := 1
	length := c.needed
	if d.eng.opts.DirectIO {
		align = d.eng.opts.DirectIOAlignment
		length = roundUpInt(length, align)
	}
	view, err := buf.Allocate(length, align)
	if err != nil {
		panic("engine: allocate read buffer: " + err.Error())
	}
	c.view = view
	c.haveView = true

	if !d.reserve(2) {
		// Close the fd we just opened rather than leaking it; the read
		// itself is retried as a fresh chain next fill cycle is not
		// attempted here since the fd is single-use per chain — instead
		// surface IoFailure. Backpressure this severe should be rare
		// given ring depths are sized well above a single chain.
		c.view.Release()
		c.haveView = false
		c.fail(model.IoFailure, "read", c.op.Path, nil)
		d.submitCloseOnly(c)
		return
	}

	readOp := iouring.AcquireOp()
	readOp.SetReadOp(c.fd, c.view.Bytes(), uint64(c.rng.Start))
	readOp.SetLinkFlag()
	readOp.Owner = &step{c: c, ph: phaseRead}
	c.curOp = readOp
	sqe := d.r.PeekSQE(true)
	readOp.Copy2SQE(sqe)
	d.r.AdvanceSQ()

	closeOp := iouring.AcquireOp()
	closeOp.SetCloseOp(c.fd)
	closeOp.Owner = &step{c: c, ph: phaseClose}
	c.closeOp = closeOp
	sqe = d.r.PeekSQE(true)
	closeOp.Copy2SQE(sqe)
	d.r.AdvanceSQ()

	submitRing(d.r)
}

// submitCloseOnly is used when the chain must close its fd without ever
// having submitted a read (the ring reservation for the read failed
// after open succeeded).
func (d *driver) submitCloseOnly(c *chain) {
	closeOp := iouring.AcquireOp()
	closeOp.SetCloseOp(c.fd)
	closeOp.Owner = &step{c: c, ph: phaseClose}
	c.closeOp = closeOp
	sqe := d.r.PeekSQE(true)
	closeOp.Copy2SQE(sqe)
	d.r.AdvanceSQ()
	submitRing(d.r)
}

func (d *driver) afterRead(c *chain, res int32) {
	if res < 0 {
		c.fail(classify(res, d.eng.opts.DirectIO), "read", c.op.Path, nil)
		return
	}
	if int(res) < c.needed {
		c.fail(model.ShortRead, "read", c.op.Path, nil)
	}
}

func (d *driver) afterClose(c *chain, res int32) {
	c.closeOp = nil
	if res == -int32(syscall.ECANCELED) {
		// IOSQE_IO_LINK cancels the linked CLOSE instead of running it
		// when the preceding READ failed, so the fd was never actually
		// closed at the kernel level. Close it directly here rather
		// than leak it; it has nothing further pending on it.
		syscall.Close(int(c.fd))
	}
	d.slots.release(c.slot)
	d.finishChain(c)
}

func (d *driver) finishChain(c *chain) {
	delete(d.outstanding, c)
	d.eng.barrier.recordCompleted(c.op.GroupID)
	chunk := c.finalize()
	d.eng.deliver(chunk)
}

func roundUpInt(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}
