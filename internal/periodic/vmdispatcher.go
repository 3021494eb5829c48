package periodic

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/xfeldman/aegisd/internal/jobexec"
)

// VMTask is the per-VM callable a VmDispatcher tick creates for one VM.
type VMTask interface {
	// Required reports whether this VM needs this operation run at all
	// this tick.
	Required() bool
	// Runnable reports whether it is currently safe to dispatch (e.g.
	// not blocked on an unresponsive driver). Skipped VMs whose task is
	// required-but-not-runnable are logged, not silently dropped.
	Runnable() bool
	// Run executes the task body.
	Run(ctx context.Context)
}

// VmDispatcher adapts a single Operation tick into one independent
// executor dispatch per live VM, isolating VMs from each other: a slow
// or wedged VM never blocks the rest. Grounded on periodic.py's
// VmDispatcher.
type VmDispatcher struct {
	name     string
	getVMs   func() map[string]VMTask
	executor *jobexec.Executor
	timeout  time.Duration
	log      zerolog.Logger
}

// NewVmDispatcher returns a callable suitable for passing as an
// Operation's fn. getVMs returns the live, per-VM tasks for this tick,
// already built from each vm object — mirroring periodic.py's `create`
// callable.
func NewVmDispatcher(name string, getVMs func() map[string]VMTask, executor *jobexec.Executor, timeout time.Duration, log zerolog.Logger) *VmDispatcher {
	return &VmDispatcher{name: name, getVMs: getVMs, executor: executor, timeout: timeout, log: log}
}

// Dispatch is the Operation fn: it fans out across the current VM set.
func (d *VmDispatcher) Dispatch(ctx context.Context) {
	vms := d.getVMs()
	var skipped []string

	for vmID, task := range vms {
		if !task.Required() {
			continue
		}
		if !task.Runnable() {
			skipped = append(skipped, vmID)
			continue
		}
		t := task
		if err := d.executor.Dispatch(func(ctx context.Context) { t.Run(ctx) }, d.timeout); err != nil {
			d.log.Warn().Str("dispatcher", d.name).Str("vm_id", vmID).Err(err).Msg("periodic: vm dispatch failed")
		}
	}

	if len(skipped) > 0 {
		d.log.Warn().Str("dispatcher", d.name).Strs("skipped_vms", skipped).Msg("periodic: could not run operation on some vms")
	}
}
