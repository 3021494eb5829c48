// Package vmadapter is the thin facade over the virtualization driver
// (§4.K). Only the driver methods actually consumed by the core are
// exposed, and every error crossing the facade is tagged with one of
// three kinds so raw driver errors never leak into the dispatcher,
// periodic engine, or guest poller untagged. Grounded on the shape of
// the teacher's vmm.VMM interface (a narrow facade hiding a
// backend-specific transport) and on libvirt's lifecycle-event callback
// model as used throughout original_source/.
package vmadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrorKind classifies a driver failure by effect, per §7.
type ErrorKind int

const (
	// KindInternalError is an uncategorized driver failure.
	KindInternalError ErrorKind = iota
	// KindNotConnected means the VM (or the driver connection backing
	// it) has gone away.
	KindNotConnected
	// KindAgentUnresponsive means a guest-agent side-channel call timed
	// out or otherwise failed to respond.
	KindAgentUnresponsive
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotConnected:
		return "NotConnected"
	case KindAgentUnresponsive:
		return "AgentUnresponsive"
	default:
		return "InternalError"
	}
}

// DriverError wraps any error crossing the facade with its kind. Callers
// in (F), (I), and (J) type-assert via AsDriverError instead of
// inspecting driver-specific error types.
type DriverError struct {
	Kind  ErrorKind
	VMID  string
	cause error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("vmadapter: %s: vm=%s: %v", e.Kind, e.VMID, e.cause)
}

func (e *DriverError) Unwrap() error { return e.cause }

// AsDriverError extracts a *DriverError from err, if any.
func AsDriverError(err error) (*DriverError, bool) {
	var de *DriverError
	ok := errors.As(err, &de)
	return de, ok
}

func wrap(vmID string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &DriverError{Kind: kind, VMID: vmID, cause: err}
}

// DomainHandle opaquely identifies a libvirt domain as seen by the
// driver. The adapter never interprets its contents.
type DomainHandle struct {
	ID string
}

// DomainSummary is one entry of listDomains().
type DomainSummary struct {
	ID  string
	XML string
}

// InterfaceInfo is one entry of interfaceAddresses()'s per-interface
// result.
type InterfaceInfo struct {
	HWAddr string
	Addrs  []string
}

// LifecycleEvent is delivered from the driver's event thread; the
// adapter serializes these onto a channel the caller drains from a
// single goroutine (the reactor or a dedicated handler goroutine),
// matching the spec's requirement that the adapter, not the driver,
// owns synchronization.
type LifecycleEvent struct {
	VMID   string
	Event  string
	Detail string
}

// Lifecycle event categories a Driver may emit. Agent connect/disconnect
// drive the poller's channel state directly; the rest are consumed by
// the core for logging and managed-lifecycle bookkeeping only.
const (
	EventAgentConnected     = "AgentConnected"
	EventAgentDisconnected  = "AgentDisconnected"
	EventLifecycleChanged   = "LifecycleChanged"
	EventReboot             = "Reboot"
	EventRTCChange          = "RTCChange"
	EventIOError            = "IOError"
	EventGraphicsConnect    = "GraphicsConnect"
	EventGraphicsDisconnect = "GraphicsDisconnect"
	EventBlockJob           = "BlockJob"
)

// Driver is the narrow virtualization backend surface the adapter
// wraps. A real implementation talks to libvirt; tests provide a fake.
type Driver interface {
	ListDomains(ctx context.Context) ([]DomainSummary, error)
	Lookup(ctx context.Context, vmID string) (DomainHandle, error)
	Define(ctx context.Context, xml string) (DomainHandle, error)
	Create(ctx context.Context, handle DomainHandle) error
	Destroy(ctx context.Context, handle DomainHandle) error
	XMLDesc(ctx context.Context, handle DomainHandle) (string, error)
	AgentCommand(ctx context.Context, handle DomainHandle, command json.RawMessage, flags int) (json.RawMessage, error)
	GuestInfo(ctx context.Context, handle DomainHandle, typesMask int, flags int) (map[string]interface{}, error)
	InterfaceAddresses(ctx context.Context, handle DomainHandle, source int) (map[string]InterfaceInfo, error)
	// Events returns a channel of lifecycle events, opened for the
	// lifetime of the driver connection.
	Events() <-chan LifecycleEvent
}

// Adapter wraps a Driver, tagging every returned error with a kind and
// fanning out lifecycle events to registered subscribers via a single
// internal dispatch goroutine.
type Adapter struct {
	driver Driver

	subsMu sync.Mutex
	subs   []chan LifecycleEvent
	stopCh chan struct{}
}

// New wraps driver and starts the lifecycle-event fan-out goroutine.
func New(driver Driver) *Adapter {
	a := &Adapter{driver: driver, stopCh: make(chan struct{})}
	go a.pumpEvents()
	return a
}

// Close stops the event fan-out goroutine.
func (a *Adapter) Close() {
	close(a.stopCh)
}

// Subscribe returns a channel of lifecycle events, buffered to 32. An
// event that finds the buffer full is dropped for that subscriber;
// delivery to other subscribers is not blocked.
func (a *Adapter) Subscribe() <-chan LifecycleEvent {
	ch := make(chan LifecycleEvent, 32)
	a.subsMu.Lock()
	a.subs = append(a.subs, ch)
	a.subsMu.Unlock()
	return ch
}

func (a *Adapter) pumpEvents() {
	events := a.driver.Events()
	for {
		select {
		case <-a.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.subsMu.Lock()
			subs := a.subs
			a.subsMu.Unlock()
			for _, sub := range subs {
				select {
				case sub <- ev:
				default:
					// A slow subscriber must not stall delivery to
					// others or the driver's event thread.
				}
			}
		}
	}
}

// ListDomains returns the domains currently known to the driver.
func (a *Adapter) ListDomains(ctx context.Context) ([]DomainSummary, error) {
	domains, err := a.driver.ListDomains(ctx)
	return domains, wrap("", classify(err), err)
}

// Lookup resolves a VM id to a domain handle.
func (a *Adapter) Lookup(ctx context.Context, vmID string) (DomainHandle, error) {
	h, err := a.driver.Lookup(ctx, vmID)
	return h, wrap(vmID, classify(err), err)
}

// Define registers a new domain from XML.
func (a *Adapter) Define(ctx context.Context, vmID, xml string) (DomainHandle, error) {
	h, err := a.driver.Define(ctx, xml)
	return h, wrap(vmID, classify(err), err)
}

// CreateVM starts a previously-defined domain.
func (a *Adapter) CreateVM(ctx context.Context, vmID string, h DomainHandle) error {
	err := a.driver.Create(ctx, h)
	return wrap(vmID, classify(err), err)
}

// DestroyVM forcibly stops a domain.
func (a *Adapter) DestroyVM(ctx context.Context, vmID string, h DomainHandle) error {
	err := a.driver.Destroy(ctx, h)
	return wrap(vmID, classify(err), err)
}

// XMLDesc returns the domain's current XML description.
func (a *Adapter) XMLDesc(ctx context.Context, vmID string, h DomainHandle) (string, error) {
	xml, err := a.driver.XMLDesc(ctx, h)
	return xml, wrap(vmID, classify(err), err)
}

// AgentCommand invokes a QEMU guest-agent command over the side channel.
// Driver errors here are always classified as AgentUnresponsive unless
// the driver itself reports the domain is gone.
func (a *Adapter) AgentCommand(ctx context.Context, vmID string, h DomainHandle, command json.RawMessage, flags int) (json.RawMessage, error) {
	res, err := a.driver.AgentCommand(ctx, h, command, flags)
	if err == nil {
		return res, nil
	}
	kind := KindAgentUnresponsive
	if errors.Is(err, ErrNotConnected) {
		kind = KindNotConnected
	}
	return res, wrap(vmID, kind, err)
}

// GuestInfo queries a bitmask of guest-info types.
func (a *Adapter) GuestInfo(ctx context.Context, vmID string, h DomainHandle, typesMask, flags int) (map[string]interface{}, error) {
	info, err := a.driver.GuestInfo(ctx, h, typesMask, flags)
	if err == nil {
		return info, nil
	}
	kind := KindAgentUnresponsive
	if errors.Is(err, ErrNotConnected) {
		kind = KindNotConnected
	}
	return info, wrap(vmID, kind, err)
}

// InterfaceAddresses queries the domain's known network interfaces.
func (a *Adapter) InterfaceAddresses(ctx context.Context, vmID string, h DomainHandle, source int) (map[string]InterfaceInfo, error) {
	addrs, err := a.driver.InterfaceAddresses(ctx, h, source)
	return addrs, wrap(vmID, classify(err), err)
}

// ErrNotConnected is the sentinel a Driver implementation should wrap
// its own "domain not found" / "connection lost" errors with so the
// adapter can classify them as KindNotConnected.
var ErrNotConnected = errors.New("vmadapter: not connected")

func classify(err error) ErrorKind {
	if err == nil {
		return KindInternalError
	}
	if errors.Is(err, ErrNotConnected) {
		return KindNotConnected
	}
	return KindInternalError
}
