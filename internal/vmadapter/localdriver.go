package vmadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// LocalDriver is an in-memory Driver with no real hypervisor backing it:
// Define/Create/Destroy just track state, AgentCommand/GuestInfo return
// canned responses. It exists so the composition root has a working
// Driver to wire the rest of the core against without a libvirt
// connection available in this environment; a real deployment replaces
// it with a Driver backed by an actual virtualization library.
type LocalDriver struct {
	mu      sync.Mutex
	domains map[string]string // handle id -> xml
	events  chan LifecycleEvent
}

// NewLocalDriver returns an empty LocalDriver.
func NewLocalDriver() *LocalDriver {
	return &LocalDriver{
		domains: make(map[string]string),
		events:  make(chan LifecycleEvent, 64),
	}
}

func (d *LocalDriver) ListDomains(ctx context.Context) ([]DomainSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	summaries := make([]DomainSummary, 0, len(d.domains))
	for id, xml := range d.domains {
		summaries = append(summaries, DomainSummary{ID: id, XML: xml})
	}
	return summaries, nil
}

func (d *LocalDriver) Lookup(ctx context.Context, vmID string) (DomainHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.domains[vmID]; !ok {
		return DomainHandle{}, fmt.Errorf("localdriver: no domain for %q", vmID)
	}
	return DomainHandle{ID: vmID}, nil
}

func (d *LocalDriver) Define(ctx context.Context, xml string) (DomainHandle, error) {
	id := uuid.NewString()
	d.mu.Lock()
	d.domains[id] = xml
	d.mu.Unlock()
	return DomainHandle{ID: id}, nil
}

func (d *LocalDriver) Create(ctx context.Context, h DomainHandle) error {
	d.mu.Lock()
	_, ok := d.domains[h.ID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("localdriver: unknown domain %q", h.ID)
	}
	d.emit(LifecycleEvent{VMID: h.ID, Event: EventLifecycleChanged, Detail: "Up"})
	d.emit(LifecycleEvent{VMID: h.ID, Event: EventAgentConnected})
	return nil
}

func (d *LocalDriver) Destroy(ctx context.Context, h DomainHandle) error {
	d.mu.Lock()
	delete(d.domains, h.ID)
	d.mu.Unlock()
	d.emit(LifecycleEvent{VMID: h.ID, Event: EventAgentDisconnected})
	d.emit(LifecycleEvent{VMID: h.ID, Event: EventLifecycleChanged, Detail: "Down"})
	return nil
}

// SimulateEvent lets a caller (chiefly a test) push an arbitrary
// lifecycle event onto this driver's fan-out, for the event categories
// Create/Destroy don't naturally produce on their own (reboot, RTC
// change, I/O error, graphics connect/disconnect, block-job).
func (d *LocalDriver) SimulateEvent(vmID, event, detail string) error {
	d.mu.Lock()
	_, ok := d.domains[vmID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("localdriver: unknown domain %q", vmID)
	}
	d.emit(LifecycleEvent{VMID: vmID, Event: event, Detail: detail})
	return nil
}

func (d *LocalDriver) XMLDesc(ctx context.Context, h DomainHandle) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	xml, ok := d.domains[h.ID]
	if !ok {
		return "", fmt.Errorf("localdriver: unknown domain %q", h.ID)
	}
	return xml, nil
}

func (d *LocalDriver) AgentCommand(ctx context.Context, h DomainHandle, command json.RawMessage, flags int) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{
		"return": map[string]interface{}{
			"version":            "local-driver-1.0",
			"supported_commands": []map[string]interface{}{},
		},
	})
}

func (d *LocalDriver) GuestInfo(ctx context.Context, h DomainHandle, typesMask, flags int) (map[string]interface{}, error) {
	return map[string]interface{}{"os": map[string]string{"name": "unknown"}}, nil
}

func (d *LocalDriver) InterfaceAddresses(ctx context.Context, h DomainHandle, source int) (map[string]InterfaceInfo, error) {
	return map[string]InterfaceInfo{}, nil
}

func (d *LocalDriver) Events() <-chan LifecycleEvent { return d.events }

func (d *LocalDriver) emit(ev LifecycleEvent) {
	select {
	case d.events <- ev:
	default:
	}
}
