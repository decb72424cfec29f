package engine

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nvmeio/rangeio/internal/iouring"
)

// execSQE performs the real syscall a single SQE describes and returns
// the completion result in the same encoding the kernel would use: a
// non-negative value on success (bytes transferred, or the new fd for
// OPENAT), or the negated errno on failure.
func execSQE(sqe *iouring.IoUringSQE) int32 {
	switch sqe.Opcode {
	case iouring.IORING_OP_OPENAT:
		path := cStringAt(sqe.Addr)
		fd, err := unix.Openat(int(sqe.Fd), path, int(sqe.OpcodeFlags), uint32(sqe.Len))
		if err != nil {
			return -int32(errnoOf(err))
		}
		return int32(fd)

	case iouring.IORING_OP_READ:
		buf := bytesAt(sqe.Addr, int(sqe.Len))
		n, err := unix.Pread(int(sqe.Fd), buf, int64(sqe.Off))
		if err != nil {
			return -int32(errnoOf(err))
		}
		return int32(n)

	case iouring.IORING_OP_CLOSE:
		if err := unix.Close(int(sqe.Fd)); err != nil {
			return -int32(errnoOf(err))
		}
		return 0

	case iouring.IORING_OP_STATX:
		path := cStringAt(sqe.Addr)
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			return -int32(errnoOf(err))
		}
		out := bytesAt(sqe.Off, 256)
		binary.LittleEndian.PutUint64(out[40:48], uint64(st.Size))
		return 0

	default:
		return -int32(unix.ENOSYS)
	}
}

func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}

func bytesAt(addr uint64, n int) []byte {
	if addr == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

func cStringAt(addr uint64) string {
	if addr == 0 {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Pointer(uintptr(addr) + uintptr(n))) != 0 {
		n++
	}
	return string(bytesAt(addr, n))
}
