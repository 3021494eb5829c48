package detector

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubProtocol struct {
	name    string
	prefix  string
	handled chan []byte
}

func (s *stubProtocol) Name() string { return s.name }
func (s *stubProtocol) Matches(prefix []byte) bool {
	return len(prefix) >= len(s.prefix) && string(prefix[:len(s.prefix)]) == s.prefix
}
func (s *stubProtocol) Handle(conn net.Conn, buffered *bufio.Reader) {
	b := make([]byte, 16)
	n, _ := buffered.Read(b)
	s.handled <- append([]byte(nil), b[:n]...)
	conn.Close()
}

func TestDetectorRoutesToFirstMatch(t *testing.T) {
	bus := &stubProtocol{name: "bus", prefix: "CONNECT", handled: make(chan []byte, 1)}
	http := &stubProtocol{name: "http", prefix: "PUT", handled: make(chan []byte, 1)}
	d := New(7, time.Second, bus, http)

	server, client := net.Pipe()
	defer client.Close()
	go func() { client.Write([]byte("CONNECT\n\n")) }()

	done := make(chan bool, 1)
	go func() { done <- d.Accept(server) }()

	select {
	case got := <-bus.handled:
		require.Contains(t, string(got), "CONNECT")
	case <-time.After(time.Second):
		t.Fatal("bus protocol never claimed the connection")
	}
	require.True(t, <-done)
}

func TestDetectorClosesUnmatchedConnection(t *testing.T) {
	bus := &stubProtocol{name: "bus", prefix: "CONNECT", handled: make(chan []byte, 1)}
	d := New(7, 50*time.Millisecond, bus)

	server, client := net.Pipe()
	defer client.Close()
	go func() { client.Write([]byte("GARBAGE")) }()

	matched := d.Accept(server)
	require.False(t, matched)
}
