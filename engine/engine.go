package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nvmeio/rangeio/filecache"
	"github.com/nvmeio/rangeio/internal/iouring"
	"github.com/nvmeio/rangeio/model"
	"github.com/nvmeio/rangeio/workqueue"
)

// Engine is the NVMe-speed byte-range reader: a fixed pool of driver
// threads, each owning one io_uring ring, fed by a single ordered
// distributor and drained through one shared completion channel.
type Engine struct {
	opts *Options

	pool    *workqueue.Pool
	cache   *filecache.Cache
	barrier *groupBarrier
	stats   statCounters

	drivers []*driver
	rings   []ring

	input  chan []model.Operation
	output chan model.Chunk

	closing  int32
	distDone chan struct{}
}

// NewEngine starts Workers driver threads, each with its own io_uring
// ring, and the single distributor goroutine that fans operations out
// to them in arrival order.
func NewEngine(opts *Options) (*Engine, error) {
	return newEngine(opts, func() (ring, error) {
		return iouring.NewIoUring(opts.SubmissionDepth)
	})
}

// newEngine is NewEngine's implementation, parameterized over the ring
// constructor so tests can substitute a fake ring for the real
// io_uring one and exercise every bit of driver logic (chain building,
// the group barrier, fd-slot accounting, error classification) without
// a kernel that supports io_uring.
func newEngine(opts *Options, newRing func() (ring, error)) (*Engine, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	eng := &Engine{
		opts:     opts,
		cache:    filecache.New(opts.FileSizeCacheCapacity, statFile),
		barrier:  newGroupBarrier(),
		input:    make(chan []model.Operation, opts.InputCapacity),
		output:   make(chan model.Chunk, opts.OutputCapacity),
		distDone: make(chan struct{}),
	}

	eng.pool = workqueue.NewPool("rangeio-engine", &workqueue.Option{
		Workers:       opts.Workers,
		DequeCapacity: opts.FDSlotsPerWorker * 4,
	})
	eng.pool.SetPanicHandler(func(_ context.Context, r interface{}) {
		logf("rangeio: worker panic: %v", r)
		panic(r)
	})

	for i := 0; i < opts.Workers; i++ {
		r, err := newRing()
		if err != nil {
			eng.closeRings()
			eng.pool.Close()
			return nil, fmt.Errorf("engine: worker %d: %w", i, err)
		}
		eng.rings = append(eng.rings, r)

		d := newDriver(i, r, opts.FDSlotsPerWorker, eng)
		eng.drivers = append(eng.drivers, d)
		eng.pool.HandleFor(i).Spawn(d.run)
	}

	go eng.distribute()

	return eng, nil
}

// statFile is filecache.Cache's fallback stat function for paths the
// ring-based statx phase hasn't (yet) populated — e.g. a caller calling
// StatSize directly without having submitted any Operation for that path.
func statFile(path string) (int64, error) {
	return statSize(path)
}

// Submit enqueues a batch of operations. Operations within a batch, and
// across successive Submit calls, are handed to drivers in the order
// given; Submit blocks if the input buffer is full. Submit returns an
// error once the engine is closing.
func (e *Engine) Submit(batch []model.Operation) error {
	if atomic.LoadInt32(&e.closing) != 0 {
		return fmt.Errorf("engine: closed")
	}
	select {
	case e.input <- batch:
		e.stats.addSubmitted(uint64(len(batch)))
		return nil
	}
}

// Completions returns the channel Chunks are delivered on, one per
// submitted Operation, in completion order (not submission order).
func (e *Engine) Completions() <-chan model.Chunk {
	return e.output
}

// StatSize resolves path's size directly, independent of any submitted
// Operation, serving it from the file-size cache when present and
// otherwise performing (and caching) a single stat — concurrent
// StatSize calls for the same uncached path coalesce into one. This is
// the synchronous counterpart to the ring-driven statx phase chains
// use internally; callers that just want to warm the cache or inspect
// a size without reading any bytes should use this instead of
// submitting a zero-length Operation.
func (e *Engine) StatSize(path string) (int64, error) {
	return e.cache.GetOrStat(path)
}

func (e *Engine) isClosing() bool {
	return atomic.LoadInt32(&e.closing) != 0
}

func (e *Engine) deliver(c model.Chunk) {
	e.stats.addCompleted(1)
	e.output <- c
}

// emitCancelled reports a queued operation as cancelled without ever
// having built or submitted a chain for it, so it must not touch the
// group barrier's submitted/completed counts — doing so without a
// matching recordSubmitted would permanently unbalance that group's
// counters and stall every future drain check for it.
func (e *Engine) emitCancelled(op model.Operation) {
	e.deliver(model.Chunk{
		OpaqueID: op.OpaqueID,
		GroupID:  op.GroupID,
		Outcome:  model.Outcome{Err: model.NewError(model.Cancelled, "submit", op.Path, nil)},
	})
}

// distribute is the single goroutine that owns group-barrier
// observation order: it reads batches off the input channel in the
// order Submit delivered them and round-robins each operation to a
// driver's inbox, preserving the producer's non-decreasing group-id
// contract (§4.C) regardless of how operations later interleave across
// workers.
func (e *Engine) distribute() {
	defer close(e.distDone)
	next := 0
	n := len(e.drivers)
	for batch := range e.input {
		for _, op := range batch {
			e.barrier.observe(op.GroupID)
			e.drivers[next].inbox <- op
			next = (next + 1) % n
		}
	}
	for _, d := range e.drivers {
		close(d.inbox)
	}
}

// Stats returns a point-in-time snapshot of engine activity.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// Close stops accepting new Submit calls, cancels every operation still
// queued (not yet submitted to a ring), drains every chain already in
// flight, and then shuts down the pool and every ring. It blocks until
// all of that has happened.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closing, 0, 1) {
		<-e.distDone
		return nil
	}
	close(e.input)
	<-e.distDone

	e.pool.Close()

	var g errgroup.Group
	for _, r := range e.rings {
		r := r
		g.Go(r.Close)
	}
	err := g.Wait()

	close(e.output)
	return err
}

func (e *Engine) closeRings() {
	var wg sync.WaitGroup
	for _, r := range e.rings {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Close()
		}()
	}
	wg.Wait()
}
