package buf

import (
	"math/bits"
	"runtime"
	"sync"
	"unsafe"
)

// minOrderSize is the smallest granularity a region is carved in, chosen
// to match common page / O_DIRECT sector sizes. Allocation sizes are
// rounded up to minOrderSize<<order for the smallest order that fits,
// the same order-of-two bucketing cache/mempool uses for its size
// classes, adapted here to back real aligned memory instead of the GC
// heap.
const minOrderSize = 4096

// region is one backing allocation: raw is exactly what the platform
// allocator returned (needed, unmodified, to free it later); buf is the
// aligned usable window inside raw. Regions are recycled through a
// size-and-alignment keyed pool instead of being released on every
// MutView/ImmView teardown, since the platform calls that back them
// (mmap/munmap) are comparatively expensive.
type region struct {
	raw   []byte
	buf   []byte
	order int
	align int
}

// orderForSize returns the smallest order such that minOrderSize<<order
// is >= size, i.e. ceil(log2(ceil(size/minOrderSize))).
func orderForSize(size int) int {
	blocks := (size + minOrderSize - 1) / minOrderSize
	if blocks <= 1 {
		return 0
	}
	return bits.Len(uint(blocks - 1))
}

func alignUp(p uintptr, align int) uintptr {
	a := uintptr(align)
	return (p + a - 1) &^ (a - 1)
}

// sliceFrom carves the aligned, size-byte window out of raw.
func sliceFrom(raw []byte, size, align int) []byte {
	base := uintptr(unsafe.Pointer(&raw[0]))
	off := int(alignUp(base, align) - base)
	return raw[off : off+size : off+size]
}

type regionKey struct {
	order int
	align int
}

var regionPools sync.Map // regionKey -> *sync.Pool

func poolFor(key regionKey) *sync.Pool {
	if v, ok := regionPools.Load(key); ok {
		return v.(*sync.Pool)
	}
	v, _ := regionPools.LoadOrStore(key, &sync.Pool{})
	return v.(*sync.Pool)
}

// acquireRegion returns a region of at least minOrderSize<<order bytes
// whose usable window starts at an address congruent to 0 mod align. It
// is served from the recycling pool when possible and mmap'd (or, off
// Linux, heap-allocated with slack for the alignment trim) otherwise.
func acquireRegion(order, align int) (*region, error) {
	key := regionKey{order: order, align: align}
	p := poolFor(key)
	if r, ok := p.Get().(*region); ok && r != nil {
		return r, nil
	}

	size := minOrderSize << uint(order)
	raw, err := rawAlloc(size + align)
	if err != nil {
		return nil, err
	}
	r := &region{raw: raw, buf: sliceFrom(raw, size, align), order: order, align: align}
	// The backing mapping is released only when the region becomes
	// unreachable, i.e. when it is dropped rather than recycled back
	// into the pool; sync.Pool does not run a cleanup hook on eviction,
	// so a finalizer is the only hook available to guarantee mmap'd
	// memory is unmapped even if a caller forgets to release it.
	runtime.SetFinalizer(r, func(r *region) {
		_ = rawFree(r.raw)
	})
	return r, nil
}

func releaseRegion(r *region) {
	if r == nil {
		return
	}
	poolFor(regionKey{order: r.order, align: r.align}).Put(r)
}
