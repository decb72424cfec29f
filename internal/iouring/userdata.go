/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package iouring

import (
	"sync"
	"unsafe"
)

const opMagic = 0x494E4458494F5552 // "INDXIOUR" - validation magic

var opPool = sync.Pool{
	New: func() any {
		return &Op{}
	},
}

// AcquireOp returns a reset Op ready to describe a new SQE. The CQE's
// UserData field round-trips the pointer returned here, so the caller
// must keep it alive (by holding a reference, not by relying on the
// ring) until its completion is observed and ReleaseOp is called.
func AcquireOp() *Op {
	u := opPool.Get().(*Op)
	u.reset()
	return u
}

// ReleaseOp returns op to the pool. Callers must not touch op again
// afterwards.
func ReleaseOp(op *Op) {
	op.magic = 0 // mark as invalid
	op.Owner = nil
	opPool.Put(op)
}

// Op travels to the kernel and back as an SQE's opaque UserData field
// (via its own heap address) and is recovered from a CQE with GetOp. It
// holds one prepared SQE; Owner is caller-supplied bookkeeping (e.g. the
// engine's in-flight operation record) recovered on the completion side.
type Op struct {
	magic uint64
	sqe   IoUringSQE
	path  []byte // NUL-terminated pathname for OPENAT, kept alive here
	Owner interface{}
}

func (u *Op) reset() {
	u.magic = opMagic
	u.path = u.path[:0]
	u.Owner = nil
	// userdata points to self
	u.sqe = IoUringSQE{UserData: uint64(uintptr(unsafe.Pointer(u)))}
}

// SetOpenOp configures the SQE to open path relative to dirfd (use
// unix.AT_FDCWD for an absolute or cwd-relative path), with the given
// open(2) flags and mode. The path's bytes are retained on this Op so
// the kernel's pointer to them stays valid until the operation
// completes.
func (u *Op) SetOpenOp(dirfd int32, path []byte, flags uint32, mode uint32) {
	sqe := &u.sqe
	sqe.Opcode = IORING_OP_OPENAT
	sqe.Fd = dirfd
	u.path = append(u.path[:0], path...)
	if len(u.path) == 0 || u.path[len(u.path)-1] != 0 {
		u.path = append(u.path, 0)
	}
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&u.path[0])))
	sqe.Len = mode
	sqe.OpcodeFlags = flags
}

// SetReadOp configures the SQE for a single-buffer read at the given
// file offset. fd is a plain (non-fixed) descriptor; Op has no setter
// for IOSQE_FIXED_FILE.
func (u *Op) SetReadOp(fd int32, buf []byte, offset uint64) {
	sqe := &u.sqe
	sqe.Opcode = IORING_OP_READ
	sqe.Fd = fd
	sqe.Off = offset
	sqe.Len = 0
	if len(buf) > 0 {
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		sqe.Len = uint32(len(buf))
	}
}

// SetStatxOp configures the SQE to statx path relative to dirfd, asking
// only for the fields named by mask (e.g. unix.STATX_SIZE), writing the
// result into buf. buf must stay alive and unmoved until the operation
// completes; the caller owns it (Op only retains the pathname).
func (u *Op) SetStatxOp(dirfd int32, path []byte, flags uint32, mask uint32, buf []byte) {
	sqe := &u.sqe
	sqe.Opcode = IORING_OP_STATX
	sqe.Fd = dirfd
	u.path = append(u.path[:0], path...)
	if len(u.path) == 0 || u.path[len(u.path)-1] != 0 {
		u.path = append(u.path, 0)
	}
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&u.path[0])))
	sqe.Len = mask
	sqe.OpcodeFlags = flags
	if len(buf) > 0 {
		sqe.Off = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
}

// SetCloseOp configures the SQE to close fd.
func (u *Op) SetCloseOp(fd int32) {
	sqe := &u.sqe
	sqe.Opcode = IORING_OP_CLOSE
	sqe.Fd = fd
	sqe.Off = 0
	sqe.Addr = 0
	sqe.Len = 0
	sqe.OpcodeFlags = 0
}

// SetLinkFlag marks this SQE as linked to the one submitted immediately
// after it: the kernel holds off starting that successor until this one
// completes, and fails it with ECANCELED if this one fails. The engine
// sets it on each READ so the CLOSE submitted right after it runs only
// once the read is done.
func (u *Op) SetLinkFlag() {
	u.sqe.Flags |= IOSQE_IO_LINK
}

// Fd returns the file descriptor this Op's SQE currently names.
func (u *Op) Fd() int32 { return u.sqe.Fd }

// Copy2SQE writes this Op's prepared SQE into the ring slot p.
func (u *Op) Copy2SQE(p *IoUringSQE) {
	*p = u.sqe
}

func (u *Op) isValid() bool {
	return u.magic == opMagic
}

// GetOp recovers the *Op a CQE's UserData field points to. Returns nil
// if userData is 0 (some opcodes, e.g. linked timeouts, complete with no
// user data) or if the recovered Op fails its validity check.
//
//go:nocheckptr
func GetOp(userData uint64) *Op {
	if userData == 0 {
		return nil
	}
	op := (*Op)(unsafe.Pointer(uintptr(userData)))
	if !op.isValid() {
		return nil
	}
	return op
}
