package vmadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalDriverDefineCreateDestroyLifecycle(t *testing.T) {
	d := NewLocalDriver()
	ctx := context.Background()

	h, err := d.Define(ctx, "<domain/>")
	require.NoError(t, err)
	require.NotEmpty(t, h.ID)

	xml, err := d.XMLDesc(ctx, h)
	require.NoError(t, err)
	require.Equal(t, "<domain/>", xml)

	require.NoError(t, d.Create(ctx, h))
	select {
	case ev := <-d.Events():
		require.Equal(t, h.ID, ev.VMID)
		require.Equal(t, EventLifecycleChanged, ev.Event)
	default:
		t.Fatal("expected LifecycleChanged event")
	}
	select {
	case ev := <-d.Events():
		require.Equal(t, EventAgentConnected, ev.Event)
	default:
		t.Fatal("expected AgentConnected event")
	}

	require.NoError(t, d.Destroy(ctx, h))
	select {
	case ev := <-d.Events():
		require.Equal(t, EventAgentDisconnected, ev.Event)
	default:
		t.Fatal("expected AgentDisconnected event")
	}
	select {
	case ev := <-d.Events():
		require.Equal(t, EventLifecycleChanged, ev.Event)
	default:
		t.Fatal("expected LifecycleChanged event")
	}

	_, err = d.XMLDesc(ctx, h)
	require.Error(t, err)
}

func TestLocalDriverCreateUnknownHandleFails(t *testing.T) {
	d := NewLocalDriver()
	err := d.Create(context.Background(), DomainHandle{ID: "missing"})
	require.Error(t, err)
}

func TestLocalDriverSimulateEvent(t *testing.T) {
	d := NewLocalDriver()
	ctx := context.Background()
	h, err := d.Define(ctx, "<domain/>")
	require.NoError(t, err)

	require.NoError(t, d.SimulateEvent(h.ID, EventBlockJob, "completed"))
	select {
	case ev := <-d.Events():
		require.Equal(t, h.ID, ev.VMID)
		require.Equal(t, EventBlockJob, ev.Event)
		require.Equal(t, "completed", ev.Detail)
	default:
		t.Fatal("expected BlockJob event")
	}

	require.Error(t, d.SimulateEvent("missing", EventReboot, ""))
}
