package workqueue

import (
	"context"
	"log"
	"math/rand"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Option configures a Pool: a plain struct plus a DefaultOption
// constructor, sized to a fixed rather than elastic worker count.
type Option struct {
	// Workers is the fixed number of worker goroutines, each owning one
	// local deque. Defaults to GOMAXPROCS.
	Workers int

	// DequeCapacity bounds each worker's local deque. A push against a
	// full deque falls back to the pool's injector queue.
	DequeCapacity int
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		Workers:       runtime.GOMAXPROCS(0),
		DequeCapacity: 256,
	}
}

// Pool is a fixed-size work-stealing task pool.
type Pool struct {
	name    string
	workers []*worker
	inj     injector

	mu     sync.Mutex
	cond   *sync.Cond
	closed int32
	wg     sync.WaitGroup

	panicHandler func(ctx context.Context, r interface{})
}

type worker struct {
	id   int
	pool *Pool
	dq   *deque
}

// NewPool creates a pool with a fixed set of workers, started
// immediately.
func NewPool(name string, o *Option) *Pool {
	if o == nil {
		o = DefaultOption()
	}
	n := o.Workers
	if n <= 0 {
		n = 1
	}
	cap := o.DequeCapacity
	if cap <= 0 {
		cap = 256
	}

	p := &Pool{name: name}
	p.cond = sync.NewCond(&p.mu)
	p.workers = make([]*worker, n)
	for i := range p.workers {
		p.workers[i] = &worker{id: i, pool: p, dq: newDeque(cap)}
	}
	p.wg.Add(n)
	for _, w := range p.workers {
		go w.run()
	}
	return p
}

// SetPanicHandler sets a func for handling panics from tasks run by this
// pool. The pool recovers every task panic; by default it then logs via
// log.Printf, like gopool.GoPool's default, and the worker goes on. The
// handler is invoked from the deferred recover, so a handler that
// re-panics terminates the process, which is the engine's chosen
// policy -- see Engine's use of this pool.
func (p *Pool) SetPanicHandler(f func(ctx context.Context, r interface{})) {
	p.panicHandler = f
}

// Workers returns the fixed worker count.
func (p *Pool) Workers() int { return len(p.workers) }

// Go submits f for execution from outside the pool (the injector path).
func (p *Pool) Go(f func()) {
	p.CtxGo(context.Background(), f)
}

// CtxGo submits f, passing ctx to the panic handler if f panics.
func (p *Pool) CtxGo(ctx context.Context, f func()) {
	if atomic.LoadInt32(&p.closed) != 0 {
		return
	}
	p.inj.push(func() { p.exec(ctx, f) })
	p.wake()
}

// Handle lets code already running on a pool worker (the engine's own
// driver loops) self-schedule follow-up work onto its owning worker's
// local deque -- the fast, no-contention path -- instead of always
// paying for the injector's mutex.
type Handle struct {
	w *worker
}

// HandleFor returns a Handle bound to worker index i (0 <= i < Workers()).
// The engine hands one of these to each driver loop it starts, matching
// its own 1:1 assignment of driver threads to rings.
func (p *Pool) HandleFor(i int) Handle {
	return Handle{w: p.workers[i]}
}

// Spawn pushes f onto the bound worker's local deque, falling back to
// the pool's injector if the deque is momentarily full.
func (h Handle) Spawn(f func()) {
	p := h.w.pool
	if atomic.LoadInt32(&p.closed) != 0 {
		return
	}
	t := func() { p.exec(context.Background(), f) }
	if !h.w.dq.pushBottom(t) {
		p.inj.push(t)
	}
	p.wake()
}

// Close signals every worker to drain and exit once it finds no more
// work anywhere in the pool (its own deque, the injector, and every
// peer's deque), then waits for all workers to stop.
func (p *Pool) Close() {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		p.wg.Wait()
		return
	}
	p.wake()
	p.wg.Wait()
}

func (p *Pool) wake() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) exec(ctx context.Context, f func()) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(ctx, r)
			} else {
				log.Printf("workqueue: panic in pool %q: %v\n%s", p.name, r, debug.Stack())
			}
		}
	}()
	f()
}

func (w *worker) run() {
	defer w.pool.wg.Done()
	p := w.pool
	for {
		if t, ok := w.dq.popBottom(); ok {
			t()
			continue
		}
		if t, ok := p.inj.pop(); ok {
			t()
			continue
		}
		if t, ok := w.steal(); ok {
			t()
			continue
		}
		if atomic.LoadInt32(&p.closed) != 0 && w.quiescent() {
			return
		}
		w.parkIdle()
	}
}

func (w *worker) steal() (task, bool) {
	peers := w.pool.workers
	n := len(peers)
	if n <= 1 {
		return nil, false
	}
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		peer := peers[(start+i)%n]
		if peer == w {
			continue
		}
		if t, ok := peer.dq.popTop(); ok {
			return t, true
		}
	}
	return nil, false
}

// quiescent is a best-effort check used only to decide whether a
// draining worker can exit: nothing in its own deque, nothing in the
// injector, and nothing stealable from any peer at this instant.
func (w *worker) quiescent() bool {
	if w.dq.size() != 0 || !w.pool.inj.empty() {
		return false
	}
	for _, peer := range w.pool.workers {
		if peer != w && peer.dq.size() != 0 {
			return false
		}
	}
	return true
}

func (w *worker) parkIdle() {
	p := w.pool
	if atomic.LoadInt32(&p.closed) != 0 {
		// Draining but not yet quiescent: don't block on the cond var
		// (nothing guarantees another Broadcast is coming), just yield.
		runtime.Gosched()
		return
	}
	p.mu.Lock()
	if atomic.LoadInt32(&p.closed) == 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}
