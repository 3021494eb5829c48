package vmadapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	events     chan LifecycleEvent
	agentErr   error
	guestInfo  map[string]interface{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{events: make(chan LifecycleEvent, 8)}
}

func (f *fakeDriver) ListDomains(ctx context.Context) ([]DomainSummary, error) { return nil, nil }
func (f *fakeDriver) Lookup(ctx context.Context, vmID string) (DomainHandle, error) {
	return DomainHandle{ID: vmID}, nil
}
func (f *fakeDriver) Define(ctx context.Context, xml string) (DomainHandle, error) {
	return DomainHandle{ID: "new"}, nil
}
func (f *fakeDriver) Create(ctx context.Context, h DomainHandle) error  { return nil }
func (f *fakeDriver) Destroy(ctx context.Context, h DomainHandle) error { return nil }
func (f *fakeDriver) XMLDesc(ctx context.Context, h DomainHandle) (string, error) {
	return "<domain/>", nil
}
func (f *fakeDriver) AgentCommand(ctx context.Context, h DomainHandle, cmd json.RawMessage, flags int) (json.RawMessage, error) {
	return nil, f.agentErr
}
func (f *fakeDriver) GuestInfo(ctx context.Context, h DomainHandle, typesMask, flags int) (map[string]interface{}, error) {
	return f.guestInfo, f.agentErr
}
func (f *fakeDriver) InterfaceAddresses(ctx context.Context, h DomainHandle, source int) (map[string]InterfaceInfo, error) {
	return nil, nil
}
func (f *fakeDriver) Events() <-chan LifecycleEvent { return f.events }

func TestAgentCommandErrorIsTaggedAgentUnresponsive(t *testing.T) {
	d := newFakeDriver()
	d.agentErr = errors.New("qga timeout")
	a := New(d)
	defer a.Close()

	_, err := a.AgentCommand(context.Background(), "vm-1", DomainHandle{ID: "vm-1"}, json.RawMessage(`{}`), 0)
	require.Error(t, err)
	de, ok := AsDriverError(err)
	require.True(t, ok)
	require.Equal(t, KindAgentUnresponsive, de.Kind)
}

func TestAgentCommandNotConnectedIsTagged(t *testing.T) {
	d := newFakeDriver()
	d.agentErr = ErrNotConnected
	a := New(d)
	defer a.Close()

	_, err := a.GuestInfo(context.Background(), "vm-1", DomainHandle{ID: "vm-1"}, 1, 0)
	de, ok := AsDriverError(err)
	require.True(t, ok)
	require.Equal(t, KindNotConnected, de.Kind)
}

func TestLifecycleEventsFanOutToSubscribers(t *testing.T) {
	d := newFakeDriver()
	a := New(d)
	defer a.Close()

	sub1 := a.Subscribe()
	sub2 := a.Subscribe()

	d.events <- LifecycleEvent{VMID: "vm-1", Event: "Started"}

	select {
	case ev := <-sub1:
		require.Equal(t, "vm-1", ev.VMID)
	case <-time.After(time.Second):
		t.Fatal("sub1 never received event")
	}
	select {
	case ev := <-sub2:
		require.Equal(t, "vm-1", ev.VMID)
	case <-time.After(time.Second):
		t.Fatal("sub2 never received event")
	}
}
