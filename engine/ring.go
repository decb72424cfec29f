package engine

import (
	"syscall"

	"github.com/nvmeio/rangeio/internal/iouring"
)

// ring is the boundary between the driver loop and the real kernel
// queue, satisfied by *iouring.IoUring in production and by a fake in
// tests so driver logic (chain construction, group barrier interplay,
// fd-slot accounting, error mapping) is exercised without a kernel that
// supports io_uring.
type ring interface {
	PeekSQE(reset bool) *iouring.IoUringSQE
	AdvanceSQ()
	PendingSQEs() uint32
	Capacity() uint32
	Submit() (int, syscall.Errno)
	PeekCQE() *iouring.IoUringCQE
	WaitCQE() (*iouring.IoUringCQE, error)
	AdvanceCQ()
	Close() error
}

var _ ring = (*iouring.IoUring)(nil)
