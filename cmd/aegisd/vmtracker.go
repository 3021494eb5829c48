package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xfeldman/aegisd/internal/guestpoll"
	"github.com/xfeldman/aegisd/internal/registry"
	"github.com/xfeldman/aegisd/internal/vmadapter"
)

// vmTracker is the composition root's view of the live VM set: it
// listens to the adapter's lifecycle events and keeps just enough state
// to feed the guest-agent poller's getVMs callback and the periodic
// engine's VM dispatchers. No package under internal/ owns this —
// aggregating per-VM state from adapter events into the shape the
// periodic engine and poller expect is the composition root's job.
type vmTracker struct {
	mu  sync.Mutex
	vms map[string]*trackedVM
}

type trackedVM struct {
	handle      vmadapter.DomainHandle
	lifecycle   guestpoll.LifecycleState
	startTime   time.Time
	lastHotplug *time.Time
}

func newVMTracker() *vmTracker {
	return &vmTracker{vms: make(map[string]*trackedVM)}
}

// snapshot returns the live VM set as guestpoll.VMHandles, rebuilt fresh
// on every call per guestpoll's contract that getVMs is never cached.
func (t *vmTracker) snapshot() map[string]*guestpoll.VMHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*guestpoll.VMHandle, len(t.vms))
	for vmID, v := range t.vms {
		v := v
		out[vmID] = &guestpoll.VMHandle{
			VMID:      vmID,
			Domain:    v.handle,
			StartTime: v.startTime,
			GetLifecycle: func() guestpoll.LifecycleState {
				t.mu.Lock()
				defer t.mu.Unlock()
				return v.lifecycle
			},
			SetLifecycle: func(s guestpoll.LifecycleState) {
				t.mu.Lock()
				v.lifecycle = s
				t.mu.Unlock()
			},
			LastDiskHotplug: func() *time.Time {
				t.mu.Lock()
				defer t.mu.Unlock()
				return v.lastHotplug
			},
		}
	}
	return out
}

// watchEvents consumes the adapter's lifecycle-event fan-out for the
// life of the process, maintaining the tracked VM set and forwarding
// channel-state transitions into the poller.
func (t *vmTracker) watchEvents(ctx context.Context, adapter *vmadapter.Adapter, poller *guestpoll.Poller, log zerolog.Logger) {
	events := adapter.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			poller.OnLifecycleEvent(ev.VMID, ev)
			switch ev.Event {
			case vmadapter.EventAgentConnected:
				t.onConnected(ctx, adapter, ev.VMID, log)
			case vmadapter.EventAgentDisconnected:
				t.mu.Lock()
				delete(t.vms, ev.VMID)
				t.mu.Unlock()
			case vmadapter.EventLifecycleChanged:
				t.setLifecycle(ev.VMID, lifecycleFromDetail(ev.Detail))
			case vmadapter.EventReboot:
				t.setLifecycle(ev.VMID, guestpoll.LifecycleRebootInProgress)
			case vmadapter.EventIOError:
				log.Warn().Str("vm_id", ev.VMID).Str("detail", ev.Detail).Msg("aegisd: guest I/O error")
			case vmadapter.EventBlockJob:
				t.touchHotplug(ev.VMID)
			case vmadapter.EventRTCChange, vmadapter.EventGraphicsConnect, vmadapter.EventGraphicsDisconnect:
				log.Debug().Str("vm_id", ev.VMID).Str("event", ev.Event).Str("detail", ev.Detail).Msg("aegisd: lifecycle event")
			default:
				log.Debug().Str("vm_id", ev.VMID).Str("event", ev.Event).Msg("aegisd: unrecognized lifecycle event")
			}
		}
	}
}

func (t *vmTracker) onConnected(ctx context.Context, adapter *vmadapter.Adapter, vmID string, log zerolog.Logger) {
	handle, err := adapter.Lookup(ctx, vmID)
	if err != nil {
		log.Warn().Str("vm_id", vmID).Err(err).Msg("aegisd: lookup failed for newly connected vm")
		return
	}
	t.mu.Lock()
	t.vms[vmID] = &trackedVM{handle: handle, lifecycle: guestpoll.LifecycleWaitForLaunch, startTime: time.Now()}
	t.mu.Unlock()
}

// setLifecycle updates a tracked VM's lifecycle state, a no-op if the
// VM isn't (or is no longer) tracked.
func (t *vmTracker) setLifecycle(vmID string, state guestpoll.LifecycleState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.vms[vmID]; ok {
		v.lifecycle = state
	}
}

// touchHotplug records "now" as the VM's last disk-hotplug time, a
// no-op if the VM isn't tracked.
func (t *vmTracker) touchHotplug(vmID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.vms[vmID]; ok {
		now := time.Now()
		v.lastHotplug = &now
	}
}

// lifecycleFromDetail maps a LifecycleChanged event's detail string to
// the managed lifecycle state it names, defaulting to Up for an
// unrecognized or empty detail (driver emits "Up" on VM creation).
func lifecycleFromDetail(detail string) guestpoll.LifecycleState {
	switch detail {
	case "Paused":
		return guestpoll.LifecyclePaused
	case "PoweringDown":
		return guestpoll.LifecyclePoweringDown
	case "MigrationSource":
		return guestpoll.LifecycleMigrationSource
	case "MigrationDestination":
		return guestpoll.LifecycleMigrationDestination
	case "SavingState":
		return guestpoll.LifecycleSavingState
	case "RestoringState":
		return guestpoll.LifecycleRestoringState
	case "Down":
		return guestpoll.LifecycleDown
	default:
		return guestpoll.LifecycleUp
	}
}

// recordingDispatcher wraps the RPC server to persist a recovery record
// for every VM.create and remove it on VM.destroy (§6: "Recovery reads
// every record and schedules a VM.create on the dispatcher for each").
// Only single (non-batch) VM.create/VM.destroy requests are persisted;
// batched lifecycle calls are rare enough in practice that this
// simplification was chosen over parsing the batch array here too.
type recordingDispatcher struct {
	inner interface{ Dispatch(body []byte) }
	db    *registry.DB
	log   zerolog.Logger
}

func newRecordingDispatcher(inner interface{ Dispatch(body []byte) }, db *registry.DB, log zerolog.Logger) *recordingDispatcher {
	return &recordingDispatcher{inner: inner, db: db, log: log}
}

type recordedRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (d *recordingDispatcher) Dispatch(body []byte) {
	d.maybeRecord(body)
	d.inner.Dispatch(body)
}

func (d *recordingDispatcher) maybeRecord(body []byte) {
	var req recordedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}
	var params struct {
		VMID string `json:"vmID"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.VMID == "" {
		return
	}
	switch req.Method {
	case "VM.create":
		if err := d.db.Put(registry.Record{VMID: params.VMID, Params: req.Params}); err != nil {
			d.log.Warn().Str("vm_id", params.VMID).Err(err).Msg("aegisd: persist recovery record failed")
		}
	case "VM.destroy":
		if err := d.db.Delete(params.VMID); err != nil {
			d.log.Warn().Str("vm_id", params.VMID).Err(err).Msg("aegisd: delete recovery record failed")
		}
	}
}
