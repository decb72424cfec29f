package engine

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/nvmeio/rangeio/internal/iouring"
)

// fakeRing satisfies the engine's ring interface by executing each
// submitted SQE synchronously with the real openat/pread/close/statx
// syscalls, instead of going through a kernel io_uring instance. It
// reproduces IOSQE_IO_LINK's cancel-on-failure semantics for the
// read->close pair so driver logic (chain building, error mapping,
// the group barrier, fd-slot accounting, the close-after-cancelled-
// linked-close fallback) is exercised without requiring a kernel that
// supports io_uring.
type fakeRing struct {
	mu    sync.Mutex
	depth uint32

	sqes           []iouring.IoUringSQE
	sqHead, sqTail uint32

	cq []iouring.IoUringCQE
}

func newFakeRing(depth uint32) *fakeRing {
	return &fakeRing{depth: depth, sqes: make([]iouring.IoUringSQE, depth)}
}

func newFakeRingFactory(depth uint32) func() (ring, error) {
	return func() (ring, error) {
		return newFakeRing(depth), nil
	}
}

func (r *fakeRing) PeekSQE(reset bool) *iouring.IoUringSQE {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sqTail-r.sqHead >= r.depth {
		return nil
	}
	sqe := &r.sqes[r.sqTail%r.depth]
	if reset {
		*sqe = iouring.IoUringSQE{}
	}
	return sqe
}

func (r *fakeRing) AdvanceSQ() {
	r.mu.Lock()
	r.sqTail++
	r.mu.Unlock()
}

func (r *fakeRing) PendingSQEs() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sqTail - r.sqHead
}

func (r *fakeRing) Capacity() uint32 {
	return r.depth
}

// Submit executes every pending SQE in order, right here, synchronously.
// A failing SQE with IOSQE_IO_LINK set cancels (-ECANCELED) the single
// SQE immediately following it, matching the real kernel's link
// semantics for exactly the read->close pair the driver submits.
func (r *fakeRing) Submit() (int, syscall.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	cancelNext := false
	for r.sqHead != r.sqTail {
		sqe := r.sqes[r.sqHead%r.depth]
		r.sqHead++

		var res int32
		if cancelNext {
			res = -int32(unix.ECANCELED)
			cancelNext = false
		} else {
			res = execSQE(&sqe)
		}
		if sqe.Flags&iouring.IOSQE_IO_LINK != 0 && res < 0 {
			cancelNext = true
		}

		r.cq = append(r.cq, iouring.IoUringCQE{UserData: sqe.UserData, Res: res})
		n++
	}
	return n, 0
}

func (r *fakeRing) PeekCQE() *iouring.IoUringCQE {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cq) == 0 {
		return nil
	}
	return &r.cq[0]
}

func (r *fakeRing) WaitCQE() (*iouring.IoUringCQE, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cq) == 0 {
		// Every Submit in this fake runs synchronously, so by the time
		// a driver blocks waiting for a completion on a chain it just
		// submitted, the completion already exists. Reaching this means
		// the driver asked to wait with nothing outstanding.
		panic("fakeRing: WaitCQE called with no pending completion")
	}
	return &r.cq[0], nil
}

func (r *fakeRing) AdvanceCQ() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cq) == 0 {
		return
	}
	r.cq = r.cq[1:]
}

func (r *fakeRing) Close() error {
	return nil
}

var _ ring = (*fakeRing)(nil)
