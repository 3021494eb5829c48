// Package sched implements a monotonic-clock priority-queue scheduler:
// schedule a callable after a delay, cancel it before it fires. Grounded
// on vdsm/virt/periodic.py's use of schedule.Scheduler — the module
// itself was not in the retrieval pack, so this reimplements its
// documented contract (§4.G) directly with container/heap, the
// idiomatic Go analogue of a priority queue.
package sched

import (
	"container/heap"
	"sync"
	"time"
)

// Clock abstracts the monotonic time source so tests can control it.
// Real code uses realClock, which wraps time.Now/time.After.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Handle is returned by Schedule and lets the caller cancel the entry
// before it fires.
type Handle struct {
	entry *entry
}

// Cancel marks the entry cancelled. A cancelled entry is dropped when
// popped, without invocation. Cancel is idempotent and safe to call
// after the entry has already fired.
func (h *Handle) Cancel() {
	h.entry.mu.Lock()
	h.entry.cancelled = true
	h.entry.mu.Unlock()
}

type entry struct {
	deadline  time.Time
	seq       uint64
	fn        func()
	mu        sync.Mutex
	cancelled bool
	index     int
}

func (e *entry) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// entryHeap orders by deadline, breaking ties by insertion sequence so
// entries with equal deadlines pop in the order they were scheduled.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler runs scheduled callables inline on its own goroutine, one at
// a time, without accumulating drift: each run computes its own wake-up
// time rather than trusting the nominal scheduled time.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	heap    entryHeap
	nextSeq uint64
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
	metrics LagObserver
}

// LagObserver receives the delay between a scheduled entry's deadline
// and its actual firing time. A small local interface so sched doesn't
// need to import the metrics package; *metrics.Metrics satisfies it.
type LagObserver interface {
	ObserveSchedulerLag(d time.Duration)
}

// SetMetrics attaches a lag observer. Nil disables reporting.
func (s *Scheduler) SetMetrics(m LagObserver) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// New returns a Scheduler using the real wall clock.
func New() *Scheduler {
	return newWithClock(realClock{})
}

func newWithClock(c Clock) *Scheduler {
	return &Scheduler{
		clock: c,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the scheduler's run loop. Calling Start twice panics.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		panic("sched: Scheduler already started")
	}
	s.started = true
	s.mu.Unlock()
	go s.run()
}

// Stop requests the run loop exit. If wait is true, Stop blocks until
// the loop has fully exited.
func (s *Scheduler) Stop(wait bool) {
	close(s.stop)
	if wait {
		<-s.done
	}
}

// Schedule runs fn after delay elapses, returning a Handle that can
// cancel it. Never reorders entries with equal deadlines relative to
// insertion order.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Handle {
	e := &entry{deadline: s.clock.Now().Add(delay), fn: fn}

	s.mu.Lock()
	e.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.heap, e)
	s.mu.Unlock()

	s.notify()
	return &Handle{entry: e}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		wait := s.nextWait()
		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		case <-wait:
			s.runDue()
		}
	}
}

// nextWait returns a channel that fires at the earliest pending
// deadline, or a channel that never fires if the heap is empty.
func (s *Scheduler) nextWait() <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return make(chan time.Time) // never fires
	}
	d := s.heap[0].deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return s.clock.After(d)
}

func (s *Scheduler) runDue() {
	now := s.clock.Now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].deadline.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(*entry)
		s.mu.Unlock()

		if e.isCancelled() {
			continue
		}
		s.mu.Lock()
		m := s.metrics
		s.mu.Unlock()
		if m != nil {
			m.ObserveSchedulerLag(now.Sub(e.deadline))
		}
		e.fn()
	}
}
