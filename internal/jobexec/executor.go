// Package jobexec implements the bounded worker-pool executor that runs
// all blocking work (driver calls, storage calls, guest-agent probes)
// off the reactor goroutine. Grounded on vdsm/virt/periodic.py's
// executor.Executor contract (§4.H) and on the teacher's
// internal/daemon/manager.go worker-retirement/backoff idiom for
// handling a worker that blocks past its task's timeout.
package jobexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrResourceExhausted is returned by Dispatch when the task queue is
// full.
var ErrResourceExhausted = errors.New("jobexec: resource exhausted")

// Task is a unit of work; it is run with a deadline derived from the
// timeout passed to Dispatch.
type Task func(ctx context.Context)

type job struct {
	task    Task
	timeout time.Duration
}

// Executor is a bounded queue of pending tasks served by a pool of
// worker goroutines. Up to workersCount+maxWorkers worker goroutines are
// ever created over the executor's lifetime: workersCount at Start, plus
// one replacement each time a worker blocks past its task's timeout, up
// to maxWorkers replacements total. A blocked worker is abandoned (Go
// has no thread-cancellation primitive) rather than killed; once its
// task eventually returns the goroutine simply exits without rejoining
// the pool.
type Executor struct {
	name         string
	log          zerolog.Logger
	queue        chan job
	workersCount int
	maxWorkers   int

	mu      sync.Mutex
	spawned int // total worker goroutines ever created
	stopped bool

	logLimiter *rate.Limiter
	wg         sync.WaitGroup
	metrics    MetricsSink
}

// MetricsSink receives executor observability events. Kept as a small
// local interface rather than an import of internal/metrics so jobexec
// stays usable without pulling in Prometheus; *metrics.Metrics satisfies
// it.
type MetricsSink interface {
	ObserveExecutorQueueDepth(executor string, depth int)
	IncExecutorWorkerSpawned(executor string)
}

// SetMetrics attaches a metrics sink. Safe to call before or after
// Start; a nil sink (the zero value) disables reporting.
func (e *Executor) SetMetrics(m MetricsSink) {
	e.mu.Lock()
	e.metrics = m
	e.mu.Unlock()
}

// New returns an Executor with workersCount permanent workers and a
// queue capacity of maxTasks. maxWorkers bounds how many replacement
// workers may ever be spun up to cover ones retired for blocking past
// their timeout.
func New(name string, workersCount, maxTasks, maxWorkers int, log zerolog.Logger) *Executor {
	return &Executor{
		name:         name,
		log:          log,
		queue:        make(chan job, maxTasks),
		workersCount: workersCount,
		maxWorkers:   maxWorkers,
		logLimiter:   rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Start launches the initial pool of workersCount workers.
func (e *Executor) Start() {
	for i := 0; i < e.workersCount; i++ {
		e.trySpawnWorker()
	}
}

// Stop drains the queue by closing it; in-flight tasks are allowed to
// finish (or time out) on their own. If wait is true, Stop blocks for
// all live workers to exit (abandoned, retired workers are not waited
// on — their task may never return).
func (e *Executor) Stop(wait bool) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	close(e.queue)
	if wait {
		e.wg.Wait()
	}
}

// Dispatch enqueues task with the given timeout. Returns
// ErrResourceExhausted immediately if the queue is full.
func (e *Executor) Dispatch(task Task, timeout time.Duration) error {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return fmt.Errorf("jobexec: executor %q stopped", e.name)
	}

	select {
	case e.queue <- job{task: task, timeout: timeout}:
		e.mu.Lock()
		m := e.metrics
		e.mu.Unlock()
		if m != nil {
			m.ObserveExecutorQueueDepth(e.name, len(e.queue))
		}
		return nil
	default:
		if e.logLimiter.Allow() {
			e.log.Warn().Str("executor", e.name).Int("queue_len", len(e.queue)).
				Msg("jobexec: dispatch queue full, rejecting task")
		}
		return ErrResourceExhausted
	}
}

// trySpawnWorker starts a worker goroutine if the lifetime creation
// budget (workersCount+maxWorkers) allows it.
func (e *Executor) trySpawnWorker() bool {
	e.mu.Lock()
	if e.spawned >= e.workersCount+e.maxWorkers {
		e.mu.Unlock()
		return false
	}
	e.spawned++
	m := e.metrics
	e.mu.Unlock()
	if m != nil {
		m.IncExecutorWorkerSpawned(e.name)
	}

	e.wg.Add(1)
	go e.workerLoop()
	return true
}

func (e *Executor) workerLoop() {
	defer e.wg.Done()
	for j := range e.queue {
		if blocked := e.runJob(j); blocked {
			e.log.Warn().Str("executor", e.name).Msg("jobexec: worker blocked past timeout, retiring")
			e.trySpawnWorker()
			return
		}
	}
}

// runJob runs a single task under a timeout guard. It returns true if
// the task did not finish within its timeout — the caller treats that
// as the worker being blocked and replaces it.
func (e *Executor) runJob(j job) (blocked bool) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		j.task(ctx)
	}()

	select {
	case <-finished:
		return false
	case <-ctx.Done():
		return true
	}
}

// ShutdownAll waits, via errgroup, for a set of executors to drain. Used
// by the composition root to fan in multiple executor shutdowns with a
// single error.
func ShutdownAll(ctx context.Context, executors ...*Executor) error {
	g, _ := errgroup.WithContext(ctx)
	for _, ex := range executors {
		ex := ex
		g.Go(func() error {
			ex.Stop(true)
			return nil
		})
	}
	return g.Wait()
}
