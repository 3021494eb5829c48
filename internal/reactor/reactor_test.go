package reactor

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/aegisd/internal/wire"
)

type recordingHandler struct {
	frames chan *wire.Frame
	closed chan error
}

func (h *recordingHandler) HandleFrame(id ConnID, f *wire.Frame) { h.frames <- f }
func (h *recordingHandler) HandleClose(id ConnID, err error)     { h.closed <- err }

func TestReactorDispatchesFramesInArrivalOrder(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	h := &recordingHandler{frames: make(chan *wire.Frame, 4), closed: make(chan error, 1)}
	r := New(h, zerolog.Nop())
	go r.Run()
	defer r.Stop()

	r.Register(server)

	go func() {
		f1 := wire.NewFrame(wire.CommandConnect)
		f2 := wire.NewFrame(wire.CommandDisconnect)
		client.Write(f1.Encode())
		client.Write(f2.Encode())
	}()

	first := waitFrame(t, h.frames)
	second := waitFrame(t, h.frames)
	require.Equal(t, wire.CommandConnect, first.Command)
	require.Equal(t, wire.CommandDisconnect, second.Command)
}

func TestReactorPostRunsOnLoop(t *testing.T) {
	h := &recordingHandler{frames: make(chan *wire.Frame, 1), closed: make(chan error, 1)}
	r := New(h, zerolog.Nop())
	go r.Run()
	defer r.Stop()

	done := make(chan struct{})
	r.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted function never ran")
	}
}

func waitFrame(t *testing.T, ch chan *wire.Frame) *wire.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}
