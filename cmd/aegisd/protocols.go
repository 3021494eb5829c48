package main

import (
	"bufio"
	"bytes"
	"net"
	"net/http"

	"github.com/xfeldman/aegisd/internal/reactor"
)

// busProtocol claims any connection opening with a STOMP CONNECT frame
// and hands it straight to the reactor, exactly like a dedicated
// listener would.
type busProtocol struct {
	reactor *reactor.Reactor
}

func (busProtocol) Name() string { return "bus" }

func (busProtocol) Matches(prefix []byte) bool {
	return bytes.HasPrefix(prefix, []byte("CONNECT\n")) || bytes.HasPrefix(prefix, []byte("CONNECT\r\n"))
}

func (p busProtocol) Handle(conn net.Conn, buffered *bufio.Reader) {
	p.reactor.Register(&bufferedConn{Conn: conn, r: buffered})
}

// imgProtocol claims a connection opening with an HTTP PUT or GET verb
// and serves it through the image transport's http.Server.
type imgProtocol struct {
	server *http.Server
}

func (imgProtocol) Name() string { return "imgtransport" }

func (imgProtocol) Matches(prefix []byte) bool {
	return bytes.HasPrefix(prefix, []byte("PUT ")) || bytes.HasPrefix(prefix, []byte("GET "))
}

func (p imgProtocol) Handle(conn net.Conn, buffered *bufio.Reader) {
	ln := newSingleConnListener(&bufferedConn{Conn: conn, r: buffered})
	// Serve returns once the one connection it hands out has been
	// closed; run it on its own goroutine so Accept (the detector's
	// caller) isn't blocked for the life of this request.
	go p.server.Serve(ln)
}

// bufferedConn replays the detector's already-peeked bytes ahead of the
// raw connection's remaining stream.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// singleConnListener hands out exactly one connection then blocks until
// closed — the standard bridge for handing a detector-claimed connection
// to an otherwise-ordinary http.Server.
type singleConnListener struct {
	conn   net.Conn
	accept chan net.Conn
	closed chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	l := &singleConnListener{conn: conn, accept: make(chan net.Conn, 1), closed: make(chan struct{})}
	l.accept <- conn
	return l
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case c, ok := <-l.accept:
		if !ok {
			return nil, net.ErrClosed
		}
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *singleConnListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

var _ net.Listener = (*singleConnListener)(nil)
