package bus

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/aegisd/internal/reactor"
	"github.com/xfeldman/aegisd/internal/wire"
)

type recordingDispatcher struct {
	bodies chan []byte
}

func (d *recordingDispatcher) Dispatch(body []byte) {
	d.bodies <- body
}

func newTestBus(t *testing.T, cfg Config) (*Bus, *reactor.Reactor, net.Conn) {
	t.Helper()
	b := New(cfg)
	r := reactor.New(b, zerolog.Nop())
	b.SetReactor(r)
	go r.Run()
	t.Cleanup(r.Stop)

	client, server := net.Pipe()
	r.Register(server)
	t.Cleanup(func() { client.Close() })
	return b, r, client
}

func readFrame(t *testing.T, conn net.Conn) *wire.Frame {
	t.Helper()
	p := wire.NewParser()
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for p.Pending() == 0 {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		require.NoError(t, p.Feed(buf[:n]))
	}
	return p.Pop()
}

func connectFrame() *wire.Frame {
	f := wire.NewFrame(wire.CommandConnect)
	f.Headers[wire.HeaderAcceptVersion] = "1.2"
	f.Headers[wire.HeaderHeartBeat] = "0,0"
	return f
}

func TestConnectNegotiatesVersion(t *testing.T) {
	_, _, client := newTestBus(t, Config{Log: zerolog.Nop()})

	_, err := client.Write(connectFrame().Encode())
	require.NoError(t, err)

	resp := readFrame(t, client)
	require.Equal(t, wire.CommandConnected, resp.Command)
	require.Equal(t, "1.2", resp.Headers["version"])
}

func TestConnectRejectsWrongVersion(t *testing.T) {
	_, _, client := newTestBus(t, Config{Log: zerolog.Nop()})

	f := wire.NewFrame(wire.CommandConnect)
	f.Headers[wire.HeaderAcceptVersion] = "1.0"
	_, err := client.Write(f.Encode())
	require.NoError(t, err)

	resp := readFrame(t, client)
	require.Equal(t, wire.CommandError, resp.Command)
}

func TestSubscribeDuplicateIDRejected(t *testing.T) {
	_, _, client := newTestBus(t, Config{Log: zerolog.Nop()})
	client.Write(connectFrame().Encode())
	readFrame(t, client)

	sub := wire.NewFrame(wire.CommandSubscribe)
	sub.Headers[wire.HeaderDestination] = "jms.vdsm"
	sub.Headers["id"] = "sub-1"
	client.Write(sub.Encode())
	client.Write(sub.Encode())

	resp := readFrame(t, client)
	require.Equal(t, wire.CommandError, resp.Command)
}

func TestSendDeliversToHierarchicalSubscribers(t *testing.T) {
	b := New(Config{Log: zerolog.Nop()})
	r := reactor.New(b, zerolog.Nop())
	b.SetReactor(r)
	go r.Run()
	t.Cleanup(r.Stop)

	clientA, serverA := net.Pipe()
	clientB, serverB := net.Pipe()
	r.Register(serverA)
	r.Register(serverB)
	t.Cleanup(func() { clientA.Close(); clientB.Close() })

	clientA.Write(connectFrame().Encode())
	readFrame(t, clientA)
	clientB.Write(connectFrame().Encode())
	readFrame(t, clientB)

	subA := wire.NewFrame(wire.CommandSubscribe)
	subA.Headers[wire.HeaderDestination] = "jms.vdsm"
	subA.Headers["id"] = "a1"
	clientA.Write(subA.Encode())

	subB := wire.NewFrame(wire.CommandSubscribe)
	subB.Headers[wire.HeaderDestination] = "jms.vdsm.alerts"
	subB.Headers["id"] = "b1"
	clientB.Write(subB.Encode())

	time.Sleep(50 * time.Millisecond)

	send := wire.NewFrame(wire.CommandSend)
	send.Headers[wire.HeaderDestination] = "jms.vdsm.alerts"
	send.Body = []byte("hello")
	clientA.Write(send.Encode())

	msgA := readFrame(t, clientA)
	require.Equal(t, wire.CommandMessage, msgA.Command)
	require.Equal(t, "a1", msgA.Headers[wire.HeaderSubscription])

	msgB := readFrame(t, clientB)
	require.Equal(t, wire.CommandMessage, msgB.Command)
	require.Equal(t, "b1", msgB.Headers[wire.HeaderSubscription])
}

func TestSendToInternalQueueDispatchesAndRoutesReply(t *testing.T) {
	dispatcher := &recordingDispatcher{bodies: make(chan []byte, 1)}
	b := New(Config{Log: zerolog.Nop(), RequestQueues: []string{"jms.vdsm.requests"}, Dispatcher: dispatcher})
	r := reactor.New(b, zerolog.Nop())
	b.SetReactor(r)
	go r.Run()
	t.Cleanup(r.Stop)

	client, server := net.Pipe()
	r.Register(server)
	t.Cleanup(func() { client.Close() })

	client.Write(connectFrame().Encode())
	readFrame(t, client)

	subReply := wire.NewFrame(wire.CommandSubscribe)
	subReply.Headers[wire.HeaderDestination] = "jms.vdsm.response"
	subReply.Headers["id"] = "reply-sub"
	client.Write(subReply.Encode())
	time.Sleep(20 * time.Millisecond)

	send := wire.NewFrame(wire.CommandSend)
	send.Headers[wire.HeaderDestination] = "jms.vdsm.requests"
	send.Headers[wire.HeaderReplyTo] = "jms.vdsm.response"
	send.Body = []byte(`{"jsonrpc":"2.0","id":"1","method":"Host.echo"}`)
	client.Write(send.Encode())

	select {
	case body := <-dispatcher.bodies:
		require.Contains(t, string(body), "Host.echo")
	case <-time.After(time.Second):
		t.Fatal("dispatcher never received body")
	}

	b.Deliver([]byte(`{"jsonrpc":"2.0","id":"1","result":"hi"}`))

	msg := readFrame(t, client)
	require.Equal(t, wire.CommandMessage, msg.Command)
	require.Equal(t, "reply-sub", msg.Headers[wire.HeaderSubscription])
	require.Contains(t, string(msg.Body), `"result":"hi"`)
}

func TestUnsubscribeMissingIDIsNoop(t *testing.T) {
	b := New(Config{Log: zerolog.Nop()})
	r := reactor.New(b, zerolog.Nop())
	b.SetReactor(r)
	go r.Run()
	t.Cleanup(r.Stop)

	require.False(t, b.registry.remove("never-existed"))
	require.False(t, b.registry.remove("never-existed"))
}
