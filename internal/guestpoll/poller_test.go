package guestpoll

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/aegisd/internal/jobexec"
	"github.com/xfeldman/aegisd/internal/sched"
	"github.com/xfeldman/aegisd/internal/vmadapter"
)

type stubDriver struct {
	agentErr  error
	guestInfo map[string]interface{}
	events    chan vmadapter.LifecycleEvent
}

func newStubDriver() *stubDriver {
	return &stubDriver{events: make(chan vmadapter.LifecycleEvent, 4)}
}

func (s *stubDriver) ListDomains(ctx context.Context) ([]vmadapter.DomainSummary, error) {
	return nil, nil
}
func (s *stubDriver) Lookup(ctx context.Context, vmID string) (vmadapter.DomainHandle, error) {
	return vmadapter.DomainHandle{ID: vmID}, nil
}
func (s *stubDriver) Define(ctx context.Context, xml string) (vmadapter.DomainHandle, error) {
	return vmadapter.DomainHandle{}, nil
}
func (s *stubDriver) Create(ctx context.Context, h vmadapter.DomainHandle) error  { return nil }
func (s *stubDriver) Destroy(ctx context.Context, h vmadapter.DomainHandle) error { return nil }
func (s *stubDriver) XMLDesc(ctx context.Context, h vmadapter.DomainHandle) (string, error) {
	return "", nil
}
func (s *stubDriver) AgentCommand(ctx context.Context, h vmadapter.DomainHandle, cmd json.RawMessage, flags int) (json.RawMessage, error) {
	if s.agentErr != nil {
		return nil, s.agentErr
	}
	return json.Marshal(map[string]interface{}{
		"return": map[string]interface{}{
			"version": "1.0",
			"supported_commands": []map[string]interface{}{
				{"name": "guest-get-fsinfo", "enabled": true},
			},
		},
	})
}
func (s *stubDriver) GuestInfo(ctx context.Context, h vmadapter.DomainHandle, typesMask, flags int) (map[string]interface{}, error) {
	return s.guestInfo, s.agentErr
}
func (s *stubDriver) InterfaceAddresses(ctx context.Context, h vmadapter.DomainHandle, source int) (map[string]vmadapter.InterfaceInfo, error) {
	return nil, nil
}
func (s *stubDriver) Events() <-chan vmadapter.LifecycleEvent { return s.events }

func testPoller(t *testing.T, driver *stubDriver, getVMs func() map[string]*VMHandle) *Poller {
	t.Helper()
	s := sched.New()
	s.Start()
	t.Cleanup(func() { s.Stop(true) })
	ex := jobexec.New("guestpoll-test", 2, 8, 2, zerolog.Nop())
	ex.Start()
	t.Cleanup(func() { ex.Stop(false) })

	adapter := vmadapter.New(driver)
	t.Cleanup(adapter.Close)

	cfg := Config{
		PollPeriod:      50 * time.Millisecond,
		CapsPeriod:      10 * time.Millisecond,
		FailureThrottle: 200 * time.Millisecond,
		BootWindow:      time.Second,
		HotplugWindow:   time.Second,
		CommandTimeout:  time.Second,
		DesiredCommands: []Command{
			{Name: "guest-get-fsinfo", Period: 10 * time.Millisecond, Bit: 1},
		},
	}
	return New(cfg, adapter, getVMs, s, ex, zerolog.Nop())
}

func TestTickProbesCapabilitiesAndPromotesLifecycle(t *testing.T) {
	driver := newStubDriver()
	driver.guestInfo = map[string]interface{}{"hostname": "guest-1"}

	lifecycle := LifecycleWaitForLaunch
	vm := &VMHandle{
		VMID:         "vm-1",
		Domain:       vmadapter.DomainHandle{ID: "vm-1"},
		GetLifecycle: func() LifecycleState { return lifecycle },
		SetLifecycle: func(l LifecycleState) { lifecycle = l },
	}
	p := testPoller(t, driver, func() map[string]*VMHandle { return map[string]*VMHandle{"vm-1": vm} })
	p.OnLifecycleEvent("vm-1", vmadapter.LifecycleEvent{Event: vmadapter.EventAgentConnected})

	p.Tick(context.Background())

	require.Equal(t, LifecycleUp, lifecycle)
}

func TestTickSetsFailureOnAgentError(t *testing.T) {
	driver := newStubDriver()
	driver.agentErr = vmadapter.ErrNotConnected

	vm := &VMHandle{
		VMID:         "vm-2",
		Domain:       vmadapter.DomainHandle{ID: "vm-2"},
		GetLifecycle: func() LifecycleState { return LifecycleUp },
		SetLifecycle: func(LifecycleState) {},
	}
	p := testPoller(t, driver, func() map[string]*VMHandle { return map[string]*VMHandle{"vm-2": vm} })
	p.OnLifecycleEvent("vm-2", vmadapter.LifecycleEvent{Event: vmadapter.EventAgentConnected})

	p.Tick(context.Background())

	s := p.stateFor("vm-2")
	s.mu.Lock()
	defer s.mu.Unlock()
	require.True(t, s.hasFailure)
}

func TestCleanupRemovesStaleVMs(t *testing.T) {
	driver := newStubDriver()
	vms := map[string]*VMHandle{
		"vm-3": {
			VMID:         "vm-3",
			GetLifecycle: func() LifecycleState { return LifecyclePaused },
			SetLifecycle: func(LifecycleState) {},
		},
	}
	p := testPoller(t, driver, func() map[string]*VMHandle { return vms })
	p.Tick(context.Background())
	require.Contains(t, p.states, "vm-3")

	delete(vms, "vm-3")
	p.Tick(context.Background())
	require.NotContains(t, p.states, "vm-3")
}

func TestGuestInfoPersistsAndMergesAcrossProbes(t *testing.T) {
	driver := newStubDriver()
	driver.guestInfo = map[string]interface{}{"hostname": "guest-4"}

	vm := &VMHandle{
		VMID:         "vm-4",
		Domain:       vmadapter.DomainHandle{ID: "vm-4"},
		GetLifecycle: func() LifecycleState { return LifecycleUp },
		SetLifecycle: func(LifecycleState) {},
	}
	p := testPoller(t, driver, func() map[string]*VMHandle { return map[string]*VMHandle{"vm-4": vm} })
	p.OnLifecycleEvent("vm-4", vmadapter.LifecycleEvent{Event: vmadapter.EventAgentConnected})

	require.Nil(t, p.GuestInfo("vm-4"))

	p.Tick(context.Background())
	info := p.GuestInfo("vm-4")
	require.Equal(t, "guest-4", info["hostname"])
	require.NotNil(t, info["appsList"])

	// A later probe that omits hostname must not erase the stale value.
	driver.guestInfo = map[string]interface{}{"uptime": 42}
	s := p.stateFor("vm-4")
	s.mu.Lock()
	s.lastCheckByCmd = make(map[string]time.Time)
	s.mu.Unlock()
	p.Tick(context.Background())

	info = p.GuestInfo("vm-4")
	require.Equal(t, "guest-4", info["hostname"])
	require.Equal(t, 42, info["uptime"])
}

func TestOnLifecycleEventHandlesNewCategories(t *testing.T) {
	driver := newStubDriver()
	vm := &VMHandle{
		VMID:         "vm-5",
		GetLifecycle: func() LifecycleState { return LifecycleUp },
		SetLifecycle: func(LifecycleState) {},
	}
	p := testPoller(t, driver, func() map[string]*VMHandle { return map[string]*VMHandle{"vm-5": vm} })

	s := p.stateFor("vm-5")
	s.mu.Lock()
	s.caps = Capabilities{Version: "1.0"}
	s.lastCheckAll = time.Now()
	s.mu.Unlock()

	p.OnLifecycleEvent("vm-5", vmadapter.LifecycleEvent{Event: vmadapter.EventReboot})
	s.mu.Lock()
	require.False(t, s.caps.known())
	require.True(t, s.lastCheckAll.IsZero())
	s.mu.Unlock()

	p.OnLifecycleEvent("vm-5", vmadapter.LifecycleEvent{Event: vmadapter.EventIOError, Detail: "disk read failure"})
	s.mu.Lock()
	require.True(t, s.hasFailure)
	s.mu.Unlock()

	// Categories with no state consequence must not panic or fail.
	p.OnLifecycleEvent("vm-5", vmadapter.LifecycleEvent{Event: vmadapter.EventGraphicsConnect})
	p.OnLifecycleEvent("vm-5", vmadapter.LifecycleEvent{Event: vmadapter.EventBlockJob})
	p.OnLifecycleEvent("vm-5", vmadapter.LifecycleEvent{Event: "SomeUnknownCategory"})
}
