package engine

import "sync/atomic"

// Stats is a point-in-time snapshot of engine activity: cheap, atomic
// reads with no locking, safe to call from any goroutine at any time.
type Stats struct {
	Submitted        uint64
	Completed        uint64
	InFlight         uint64
	BackpressureHits uint64
}

type statCounters struct {
	submitted        uint64
	completed        uint64
	backpressureHits uint64
}

func (s *statCounters) addSubmitted(n uint64) { atomic.AddUint64(&s.submitted, n) }
func (s *statCounters) addCompleted(n uint64) { atomic.AddUint64(&s.completed, n) }
func (s *statCounters) addBackpressure()       { atomic.AddUint64(&s.backpressureHits, 1) }

func (s *statCounters) snapshot() Stats {
	sub := atomic.LoadUint64(&s.submitted)
	comp := atomic.LoadUint64(&s.completed)
	return Stats{
		Submitted:        sub,
		Completed:        comp,
		InFlight:         sub - comp,
		BackpressureHits: atomic.LoadUint64(&s.backpressureHits),
	}
}
