// Package periodic layers the scheduler (G) and executor (H) into
// self-rescheduling Operations, and fans a single Operation out across a
// live VM set via VmDispatcher. Grounded directly on
// vdsm/virt/periodic.py's Operation and VmDispatcher classes.
package periodic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xfeldman/aegisd/internal/jobexec"
	"github.com/xfeldman/aegisd/internal/sched"
)

// TimeoutFrom estimates a sensible per-dispatch timeout from a period:
// half the period, as in periodic.py's _timeout_from.
func TimeoutFrom(period time.Duration) time.Duration {
	return period / 2
}

// Operation runs fn with a given period until Stop is called. A tick
// dispatches fn to the executor even if a previous dispatch is still
// running, unless Exclusive is set, in which case an in-flight tick
// suppresses (and logs, without replay) the next one.
type Operation struct {
	name      string
	fn        func(ctx context.Context)
	period    time.Duration
	timeout   time.Duration
	exclusive bool

	scheduler *sched.Scheduler
	executor  *jobexec.Executor
	log       zerolog.Logger

	mu      sync.Mutex
	running bool
	call    *sched.Handle
	inFlight bool
}

// Option configures an Operation at construction.
type Option func(*Operation)

// WithTimeout overrides the default (period/2) per-dispatch timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Operation) { o.timeout = d }
}

// Exclusive marks the Operation as refusing to re-enter while a prior
// execution is still in flight.
func Exclusive() Option {
	return func(o *Operation) { o.exclusive = true }
}

// New constructs an Operation. period must be positive; New panics
// otherwise, matching the spec's InvalidValue requirement at the call
// site (callers are expected to validate before construction rather
// than race a partially-started Operation).
func New(name string, scheduler *sched.Scheduler, executor *jobexec.Executor, period time.Duration, fn func(ctx context.Context), log zerolog.Logger, opts ...Option) *Operation {
	if period <= 0 {
		panic(fmt.Sprintf("periodic: operation %q: period must be > 0", name))
	}
	o := &Operation{
		name:      name,
		fn:        fn,
		period:    period,
		timeout:   TimeoutFrom(period),
		scheduler: scheduler,
		executor:  executor,
		log:       log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start dispatches immediately (so there is data as soon as possible)
// and schedules the next tick.
func (o *Operation) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		panic(fmt.Sprintf("periodic: operation %q already running", o.name))
	}
	o.running = true
	o.dispatchLocked()
}

// Stop cancels the pending scheduler entry. It cannot abort a dispatch
// already in flight.
func (o *Operation) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	if o.call != nil {
		o.call.Cancel()
		o.call = nil
	}
}

func (o *Operation) dispatchLocked() {
	o.call = nil
	if o.exclusive {
		if o.inFlight {
			o.log.Info().Str("operation", o.name).Msg("periodic: exclusive tick suppressed, previous execution in flight")
			o.step()
			return
		}
		o.inFlight = true
	}

	err := o.executor.Dispatch(func(ctx context.Context) {
		defer func() {
			if o.exclusive {
				o.mu.Lock()
				o.inFlight = false
				o.mu.Unlock()
			}
		}()
		o.runSafely(ctx)
	}, o.timeout)
	if err != nil {
		o.log.Warn().Str("operation", o.name).Err(err).Msg("periodic: dispatch failed")
		if o.exclusive {
			o.inFlight = false
		}
	}
	o.step()
}

func (o *Operation) runSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("operation", o.name).Interface("panic", r).Msg("periodic: operation panicked")
		}
	}()
	o.fn(ctx)
}

// step schedules the next dispatch, self-rescheduling from this wake-up
// rather than the nominal tick time so drift does not accumulate.
func (o *Operation) step() {
	o.call = o.scheduler.Schedule(o.period, o.tryDispatch)
}

func (o *Operation) tryDispatch() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		o.dispatchLocked()
	}
}
