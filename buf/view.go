package buf

import "sync/atomic"

// viewState is the heap-boxed, pointer-identified handle backing a
// MutView or ImmView. Boxing it (rather than letting MutView/ImmView
// carry the fields directly) gives every handle its own consume-once
// flag so a caller that copies a view struct and releases it twice is
// caught instead of silently double-decrementing the refcount.
type viewState struct {
	alloc    *allocation
	lo, hi   int
	released int32 // atomic: 0 = live, 1 = consumed (split/frozen/released)
}

func (s *viewState) consume() bool {
	return atomic.CompareAndSwapInt32(&s.released, 0, 1)
}

func (s *viewState) isLive() bool {
	return atomic.LoadInt32(&s.released) == 0
}

// MutView is an exclusive, non-overlapping write-capable view over
// [lo, hi) of some allocation. It must be consumed exactly once, by
// Split, Freeze, or Release.
type MutView struct {
	s *viewState
}

// Len returns the view's length in bytes.
func (v MutView) Len() int { return v.s.hi - v.s.lo }

// Bytes returns the mutable byte range this view exclusively owns.
func (v MutView) Bytes() []byte {
	s := v.s
	return s.alloc.region.buf[s.lo:s.hi]
}

// Split divides the view at `at` (relative to the allocation's start,
// lo <= at <= hi) into two disjoint MutViews sharing the same
// allocation. The receiver is consumed; reusing it after Split returns
// successfully is a programming error.
func (v MutView) Split(at int) (MutView, MutView, error) {
	s := v.s
	if s == nil || !s.isLive() {
		return MutView{}, MutView{}, errViewConsumed
	}
	if at < s.lo || at > s.hi {
		return MutView{}, MutView{}, ErrOutOfRange
	}
	if !s.consume() {
		return MutView{}, MutView{}, errViewConsumed
	}

	a := s.alloc
	a.retain() // one handle consumed, two produced: net +1
	left := MutView{s: &viewState{alloc: a, lo: s.lo, hi: at}}
	right := MutView{s: &viewState{alloc: a, lo: at, hi: s.hi}}
	return left, right, nil
}

// Freeze consumes the MutView and returns an ImmView over the whole
// allocation. It fails with ErrNotUnique unless this is the sole live
// view (mutable or immutable) of the allocation.
func (v MutView) Freeze() (ImmView, error) {
	s := v.s
	if s == nil || !s.isLive() {
		return ImmView{}, errViewConsumed
	}
	a := s.alloc
	if a.live() != 1 {
		return ImmView{}, ErrNotUnique
	}
	if !s.consume() {
		return ImmView{}, errViewConsumed
	}
	return ImmView{s: &viewState{alloc: a, lo: 0, hi: a.length}}, nil
}

// Release drops the view without freezing it, decrementing the
// allocation's refcount. Safe to call at most once per view; later
// calls are no-ops.
func (v MutView) Release() {
	s := v.s
	if s == nil || !s.consume() {
		return
	}
	s.alloc.release()
}

// ImmView is a read-only, cheap-to-clone view over some subrange of an
// allocation. Clones may overlap.
type ImmView struct {
	s *viewState
}

// Len returns the view's length in bytes.
func (v ImmView) Len() int { return v.s.hi - v.s.lo }

// Bytes returns the read-only byte range covered by this view. Callers
// must not mutate the returned slice.
func (v ImmView) Bytes() []byte {
	s := v.s
	return s.alloc.region.buf[s.lo:s.hi]
}

// Clone returns a new, independent handle over the same range. It is
// cheap: an atomic increment plus one small allocation.
func (v ImmView) Clone() ImmView {
	s := v.s
	s.alloc.retain()
	return ImmView{s: &viewState{alloc: s.alloc, lo: s.lo, hi: s.hi}}
}

// Narrow returns a new ImmView restricted to [lo, hi), which must lie
// within the current view's range. The receiver remains valid.
func (v ImmView) Narrow(lo, hi int) (ImmView, error) {
	s := v.s
	if lo < s.lo || hi > s.hi || lo > hi {
		return ImmView{}, ErrOutOfRange
	}
	s.alloc.retain()
	return ImmView{s: &viewState{alloc: s.alloc, lo: lo, hi: hi}}, nil
}

// Release drops the view, decrementing the allocation's refcount. Safe
// to call at most once per view; later calls are no-ops.
func (v ImmView) Release() {
	s := v.s
	if s == nil || !s.consume() {
		return
	}
	s.alloc.release()
}
