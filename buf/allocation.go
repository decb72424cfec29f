package buf

import "sync/atomic"

// allocation is the shared header behind every view. It is never
// exposed directly: callers only ever hold a MutView or an ImmView,
// matching the "views reference the allocation header, never each
// other" design in the engine's buffer lifetime notes.
type allocation struct {
	region *region
	length int // the length requested by Allocate, not the rounded region size
	align  int

	refcount int32 // atomic: number of live (un-released) view handles
}

func (a *allocation) retain() {
	atomic.AddInt32(&a.refcount, 1)
}

func (a *allocation) release() {
	if atomic.AddInt32(&a.refcount, -1) == 0 {
		releaseRegion(a.region)
	}
}

func (a *allocation) live() int32 {
	return atomic.LoadInt32(&a.refcount)
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Allocate reserves a heap region of len bytes whose start and end
// addresses are both congruent to 0 mod align, and returns a MutView
// covering the whole thing. The actual backing region is len rounded up
// to a multiple of align and then to minOrderSize times a power of two,
// so it is a multiple of align and at least len; the returned view's
// length is exactly len.
func Allocate(length, align int) (MutView, error) {
	if length <= 0 {
		return MutView{}, ErrInvalidLength
	}
	if !isPowerOfTwo(align) {
		return MutView{}, ErrInvalidAlignment
	}

	rounded := roundUp(length, align)
	order := orderForSize(rounded)

	r, err := acquireRegion(order, align)
	if err != nil {
		return MutView{}, err
	}

	a := &allocation{region: r, length: length, align: align, refcount: 1}
	return MutView{s: &viewState{alloc: a, lo: 0, hi: length}}, nil
}
