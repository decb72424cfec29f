package engine

import (
	"syscall"

	"github.com/nvmeio/rangeio/model"
)

// classify maps a negative-errno completion result to one of the error
// kinds in §7. res must already be known to be < 0.
func classify(res int32, directIO bool) model.Kind {
	errno := syscall.Errno(-res)
	switch errno {
	case syscall.ENOENT, syscall.ENOTDIR:
		return model.NotFound
	case syscall.EACCES, syscall.EPERM:
		return model.PermissionDenied
	case syscall.EINVAL:
		if directIO {
			return model.AlignmentViolation
		}
		return model.IoFailure
	default:
		return model.IoFailure
	}
}
