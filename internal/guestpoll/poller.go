// Package guestpoll implements the per-VM guest-agent capability probe
// and periodic guest-info refresh (§4.J). Grounded directly on
// lib/vdsm/virt/qemuguestagent.py — the state machine, boot-window
// logic, failure throttling, and lifecycle-promotion-on-capability rules
// below mirror it field for field.
package guestpoll

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xfeldman/aegisd/internal/jobexec"
	"github.com/xfeldman/aegisd/internal/periodic"
	"github.com/xfeldman/aegisd/internal/sched"
	"github.com/xfeldman/aegisd/internal/vmadapter"
)

// ChannelState is the connectivity of a VM's guest-agent side channel.
type ChannelState int

const (
	ChannelUnknown ChannelState = iota
	ChannelConnected
	ChannelDisconnected
)

// LifecycleState is the managed-VM lifecycle, as the poller and the
// composition root's vmTracker see it. LifecycleNil is the internal
// "not yet assigned" sentinel preceding WaitForLaunch.
type LifecycleState int

const (
	LifecycleNil LifecycleState = iota
	LifecycleWaitForLaunch
	LifecycleUp
	LifecyclePaused
	LifecyclePoweringDown
	LifecycleMigrationSource
	LifecycleMigrationDestination
	LifecycleSavingState
	LifecycleRestoringState
	LifecycleRebootInProgress
	LifecycleDown
)

// Capabilities describes the guest-agent's advertised command set.
// An empty Version (known reports false) means "not yet probed".
type Capabilities struct {
	Version  string
	Commands map[string]bool
}

func (c Capabilities) known() bool { return c.Version != "" }

// Command is a single guest-info field the poller refreshes on its own
// period. LocalOnly commands are satisfied without a round trip to the
// guest (e.g. a value derivable from already-known capabilities).
type Command struct {
	Name      string
	Period    time.Duration
	Bit       int
	LocalOnly bool
}

// VMHandle is the per-VM state the host side exposes to the poller: its
// driver handle, start time, lifecycle accessors and last disk hotplug
// time. Out-of-band channel-state hints are not carried here; they go
// through Poller.HintChannelState.
type VMHandle struct {
	VMID      string
	Domain    vmadapter.DomainHandle
	StartTime time.Time

	// GetLifecycle/SetLifecycle read and, on the one documented
	// transition, write the VM's managed lifecycle state.
	GetLifecycle func() LifecycleState
	SetLifecycle func(LifecycleState)

	// LastDiskHotplug is nil until a hotplug event has ever been
	// recorded for this VM.
	LastDiskHotplug func() *time.Time
}

type vmState struct {
	mu             sync.Mutex
	caps           Capabilities
	channelState   ChannelState
	channelHint    *ChannelState
	lastFailure    time.Time
	hasFailure     bool
	lastCheckAll   time.Time
	lastCheckByCmd map[string]time.Time

	// info is the accumulated Guest-Info Record: probed fields merged
	// in place, key by key, so a field absent from a given probe
	// response stays visible at its last-known value until refreshed.
	info map[string]interface{}
}

// Config bundles the poller's tunables, generalized from
// qemuguestagent.py's module-level constants.
type Config struct {
	PollPeriod       time.Duration
	CapsPeriod       time.Duration
	FailureThrottle  time.Duration
	BootWindow       time.Duration
	HotplugWindow    time.Duration
	CommandTimeout   time.Duration
	DesiredCommands  []Command
}

// Poller drives the guest-agent refresh loop for the live VM set.
type Poller struct {
	cfg     Config
	adapter *vmadapter.Adapter
	getVMs  func() map[string]*VMHandle
	log     zerolog.Logger
	metrics FailureObserver

	mu     sync.Mutex
	states map[string]*vmState

	op *periodic.Operation
}

// FailureObserver receives per-VM guest-agent command failures. A small
// local interface so guestpoll doesn't need to import the metrics
// package; *metrics.Metrics satisfies it.
type FailureObserver interface {
	IncPollerFailure(vmID string)
}

// SetMetrics attaches a failure observer. Nil disables reporting.
func (p *Poller) SetMetrics(m FailureObserver) {
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

// New constructs a Poller and the periodic.Operation that drives it.
// getVMs must return the current live VM set on each call; the poller
// never caches it across ticks. Call Start/Stop on the returned
// Operation via p.Operation().
func New(cfg Config, adapter *vmadapter.Adapter, getVMs func() map[string]*VMHandle, scheduler *sched.Scheduler, executor *jobexec.Executor, log zerolog.Logger) *Poller {
	p := &Poller{
		cfg:     cfg,
		adapter: adapter,
		getVMs:  getVMs,
		log:     log,
		states:  make(map[string]*vmState),
	}
	p.op = periodic.New("guest-agent-poll", scheduler, executor, cfg.PollPeriod, p.Tick, log)
	return p
}

// Operation returns the underlying periodic.Operation for Start/Stop.
func (p *Poller) Operation() *periodic.Operation { return p.op }

func (p *Poller) stateFor(vmID string) *vmState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[vmID]
	if !ok {
		s = &vmState{lastCheckByCmd: make(map[string]time.Time)}
		p.states[vmID] = s
	}
	return s
}

// HintChannelState records an out-of-band channel-state observation
// (e.g. from a side-channel transport's own connect/disconnect event).
// It is adopted atomically on the next tick only while the state is
// still unknown, matching qemuguestagent.py's pending-hint handling.
func (p *Poller) HintChannelState(vmID string, hint ChannelState) {
	s := p.stateFor(vmID)
	s.mu.Lock()
	s.channelHint = &hint
	s.mu.Unlock()
}

// OnLifecycleEvent updates poller-owned state from a driver lifecycle
// event. Agent connected/disconnected drive channel state directly,
// clearing the failure throttle on disconnected→connected so the VM can
// recover promptly. Lifecycle-changed/reboot force a capabilities
// re-probe on the next tick, since either can mean the guest agent
// restarted with a different command set. I/O errors count as a
// command failure so the throttle backs the poller off the VM.
// RTC-change, graphics connect/disconnect and block-job events carry no
// poller-state consequence and are only logged.
func (p *Poller) OnLifecycleEvent(vmID string, ev vmadapter.LifecycleEvent) {
	s := p.stateFor(vmID)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Event {
	case vmadapter.EventAgentConnected:
		prev := s.channelState
		s.channelState = ChannelConnected
		if prev == ChannelDisconnected {
			s.hasFailure = false
		}
	case vmadapter.EventAgentDisconnected:
		s.channelState = ChannelDisconnected
	case vmadapter.EventLifecycleChanged, vmadapter.EventReboot:
		s.caps = Capabilities{}
		s.lastCheckAll = time.Time{}
	case vmadapter.EventIOError:
		s.setFailure(time.Now())
		p.reportFailure(vmID)
	case vmadapter.EventRTCChange, vmadapter.EventGraphicsConnect, vmadapter.EventGraphicsDisconnect, vmadapter.EventBlockJob:
		p.log.Debug().Str("vm_id", vmID).Str("event", ev.Event).Str("detail", ev.Detail).Msg("guestpoll: lifecycle event")
	default:
		p.log.Debug().Str("vm_id", vmID).Str("event", ev.Event).Msg("guestpoll: unrecognized lifecycle event")
	}
}

// GuestInfo returns a copy of vmID's accumulated Guest-Info Record, or
// nil if no probe has ever populated one (including for an unknown
// vmID — the poller has no way to tell the two apart).
func (p *Poller) GuestInfo(vmID string) map[string]interface{} {
	s := p.stateFor(vmID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return nil
	}
	out := make(map[string]interface{}, len(s.info))
	for k, v := range s.info {
		out[k] = v
	}
	return out
}

// runnable reports whether the poller should touch this VM this tick:
// not throttled, channel connected, lifecycle running.
func (s *vmState) runnable(now time.Time, throttle time.Duration, lifecycleRunning bool) bool {
	if s.hasFailure && now.Sub(s.lastFailure) < throttle {
		return false
	}
	if s.channelState != ChannelConnected {
		return false
	}
	return lifecycleRunning
}

func (s *vmState) setFailure(now time.Time) {
	s.hasFailure = true
	s.lastFailure = now
}

func (p *Poller) reportFailure(vmID string) {
	p.mu.Lock()
	m := p.metrics
	p.mu.Unlock()
	if m != nil {
		m.IncPollerFailure(vmID)
	}
}

// Tick runs one pass over the live VM set. It is the Operation fn
// registered with the periodic engine, and is also directly callable
// from tests.
func (p *Poller) Tick(ctx context.Context) {
	vms := p.getVMs()
	now := time.Now()

	live := make(map[string]bool, len(vms))
	for vmID, vm := range vms {
		live[vmID] = true
		p.tickOne(ctx, vm, now)
	}
	p.cleanupStale(live)
}

func (p *Poller) tickOne(ctx context.Context, vm *VMHandle, now time.Time) {
	s := p.stateFor(vm.VMID)
	s.mu.Lock()

	if s.channelHint != nil && s.channelState == ChannelUnknown {
		s.channelState = *s.channelHint
		s.channelHint = nil
	}

	p.applyBootWindow(vm, s, now)

	// Running means Up, or one of the pre-Up states from which a
	// successful capabilities probe promotes the VM to Up.
	lifecycle := vm.GetLifecycle()
	running := lifecycle == LifecycleUp || lifecycle == LifecycleNil ||
		lifecycle == LifecycleWaitForLaunch || lifecycle == LifecycleRebootInProgress
	if !s.runnable(now, p.cfg.FailureThrottle, running) {
		s.mu.Unlock()
		return
	}

	if now.Sub(s.lastCheckAll) >= p.cfg.CapsPeriod {
		s.mu.Unlock()
		p.probeCapabilities(ctx, vm, now)
		s.mu.Lock()
	}

	if !s.caps.known() {
		s.mu.Unlock()
		return
	}

	tasks := 0
	hotplugWindow := p.inHotplugWindow(vm, now)
	for _, cmd := range p.cfg.DesiredCommands {
		if !s.caps.Commands[cmd.Name] {
			continue
		}
		last := s.lastCheckByCmd[cmd.Name]
		forced := hotplugWindow && isDiskCommand(cmd.Name)
		if !forced && now.Sub(last) < cmd.Period {
			continue
		}
		if cmd.LocalOnly {
			s.lastCheckByCmd[cmd.Name] = now
			continue
		}
		tasks |= cmd.Bit
	}
	s.mu.Unlock()

	if tasks != 0 {
		p.refreshGuestInfo(ctx, vm, s, tasks, now)
	}
}

func (p *Poller) applyBootWindow(vm *VMHandle, s *vmState, now time.Time) {
	if vm.StartTime.IsZero() || now.Sub(vm.StartTime) >= p.cfg.BootWindow {
		return
	}
	// Within the boot window: force a capabilities probe regardless of
	// CapsPeriod by resetting lastCheckAll to zero.
	s.lastCheckAll = time.Time{}
}

func (p *Poller) inHotplugWindow(vm *VMHandle, now time.Time) bool {
	if vm.LastDiskHotplug == nil {
		return false
	}
	ts := vm.LastDiskHotplug()
	if ts == nil {
		return false
	}
	return now.Sub(*ts) < p.cfg.HotplugWindow
}

func isDiskCommand(name string) bool {
	return name == "guest-get-fsinfo" || name == "guest-get-disks"
}

// probeCapabilities invokes guest-info via agent_command and, on a
// unknown→known transition while lifecycle is {nil, WaitForLaunch,
// RebootInProgress}, promotes the VM to Up — because a responding guest
// agent implies boot completed. This is the spec's retained Open
// Question decision (§9).
func (p *Poller) probeCapabilities(ctx context.Context, vm *VMHandle, now time.Time) {
	s := p.stateFor(vm.VMID)

	cmdCtx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout)
	defer cancel()

	req, _ := json.Marshal(map[string]string{"execute": "guest-info"})
	resp, err := p.adapter.AgentCommand(cmdCtx, vm.VMID, vm.Domain, req, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheckAll = now

	if err != nil {
		s.setFailure(now)
		p.reportFailure(vm.VMID)
		return
	}

	var parsed struct {
		Return struct {
			Version   string `json:"version"`
			Supported []struct {
				Name    string `json:"name"`
				Enabled bool   `json:"enabled"`
			} `json:"supported_commands"`
		} `json:"return"`
	}
	if jsonErr := json.Unmarshal(resp, &parsed); jsonErr != nil {
		s.setFailure(now)
		p.reportFailure(vm.VMID)
		return
	}

	wasKnown := s.caps.known()
	commands := make(map[string]bool, len(parsed.Return.Supported))
	for _, c := range parsed.Return.Supported {
		if c.Enabled {
			commands[c.Name] = true
		}
	}
	s.caps = Capabilities{Version: parsed.Return.Version, Commands: commands}

	if !wasKnown && s.caps.known() {
		switch vm.GetLifecycle() {
		case LifecycleNil, LifecycleWaitForLaunch, LifecycleRebootInProgress:
			vm.SetLifecycle(LifecycleUp)
		}
	}
}

func (p *Poller) refreshGuestInfo(ctx context.Context, vm *VMHandle, s *vmState, tasks int, now time.Time) {
	cmdCtx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout)
	defer cancel()

	info, err := p.adapter.GuestInfo(cmdCtx, vm.VMID, vm.Domain, tasks, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || info == nil {
		s.setFailure(now)
		p.reportFailure(vm.VMID)
		return
	}
	s.mergeGuestInfo(info)
	for _, cmd := range p.cfg.DesiredCommands {
		if tasks&cmd.Bit != 0 {
			s.lastCheckByCmd[cmd.Name] = now
		}
	}
}

// mergeGuestInfo folds freshly-probed fields, plus this poller's own
// supplemented extras (a synthesized appsList and translated PCI device
// list), into the persistent Guest-Info Record. Merge is key-wise: a
// key absent from this probe's response is left untouched, so a stale
// value remains visible until a later probe actually refreshes it.
func (s *vmState) mergeGuestInfo(info map[string]interface{}) {
	info["appsList"] = synthesizeAppsList(s.caps)
	if raw, ok := info["pci_devices"]; ok {
		info["pci_devices"] = translatePCIDevices(raw)
	}
	if s.info == nil {
		s.info = make(map[string]interface{}, len(info))
	}
	for k, v := range info {
		s.info[k] = v
	}
}

// cleanupStale removes per-VM state for VMs no longer in the live set.
// Idempotent: removing an already-absent id is a no-op.
func (p *Poller) cleanupStale(live map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for vmID := range p.states {
		if !live[vmID] {
			delete(p.states, vmID)
		}
	}
}
