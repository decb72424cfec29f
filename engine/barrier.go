package engine

import "sync"

// groupCounts tracks how many chains of one group have been submitted
// and completed so far, plus whether the group is sealed: the
// distributor has observed an operation belonging to some strictly
// later group, which — because producers push operations in
// non-decreasing group-id order (§4.C) — proves no further operations
// for this group will ever arrive.
type groupCounts struct {
	submitted uint64
	completed uint64
	sealed    bool
}

func (c *groupCounts) drained() bool {
	return c.sealed && c.submitted == c.completed
}

// groupBarrier enforces the strict, global group-ordering contract: the
// engine must not submit any chain for group g+1 while any chain of
// group g is still in flight or group g hasn't been fully observed.
// "Global" means across every worker's ring, not per-worker, so a fast
// worker can never let group g+1 visibly overtake a slower worker's
// group g from the caller's point of view.
type groupBarrier struct {
	mu         sync.Mutex
	haveActive bool
	active     uint64
	activeC    groupCounts
	pending    map[uint64]*groupCounts
}

func newGroupBarrier() *groupBarrier {
	return &groupBarrier{pending: make(map[uint64]*groupCounts)}
}

// observe registers that an operation belonging to group g has been
// accepted by the distributor. It must be called once per operation, in
// the order operations are accepted (which is the producer's
// non-decreasing order). Calling it with a group beyond the current
// active one seals the active group, since no earlier group can ever
// reappear.
func (b *groupBarrier) observe(g uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.haveActive {
		b.haveActive = true
		b.active = g
		return
	}
	if g == b.active {
		return
	}
	// g must be > active by the producer's ordering contract.
	if _, ok := b.pending[g]; !ok {
		b.pending[g] = &groupCounts{}
	}
	b.activeC.sealed = true
	b.maybeAdvanceLocked()
}

// canSubmit reports whether a chain for group g may be submitted right
// now. Drivers call this before building a chain; if it returns false,
// the driver leaves the operation queued and tries a different one (or
// parks) instead of blocking, since other workers may still be able to
// make progress on the active group.
func (b *groupBarrier) canSubmit(g uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.haveActive && g == b.active
}

// recordSubmitted notes that a chain for group g has just been
// submitted to a ring.
func (b *groupBarrier) recordSubmitted(g uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g == b.active {
		b.activeC.submitted++
		return
	}
	if c, ok := b.pending[g]; ok {
		c.submitted++
	}
}

// recordCompleted notes that a chain for group g has just fully
// completed (its Chunk has been emitted). This may unblock the next
// group.
func (b *groupBarrier) recordCompleted(g uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g == b.active {
		b.activeC.completed++
		b.maybeAdvanceLocked()
		return
	}
	if c, ok := b.pending[g]; ok {
		c.completed++
	}
}

// maybeAdvanceLocked moves the active group forward once it is fully
// drained, to the smallest pending group id observed so far. Must be
// called with b.mu held.
func (b *groupBarrier) maybeAdvanceLocked() {
	for b.activeC.drained() && len(b.pending) > 0 {
		var next uint64
		found := false
		for g := range b.pending {
			if !found || g < next {
				next, found = g, true
			}
		}
		if !found {
			break
		}
		b.active = next
		b.activeC = *b.pending[next]
		delete(b.pending, next)
	}
}
