package bus

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to net.Conn so it can register with
// the same reactor.Reactor that serves TCP connections. Frames are
// carried as binary WebSocket messages; a partially-consumed message is
// buffered across Read calls.
type wsConn struct {
	ws      *websocket.Conn
	readBuf bytes.Buffer
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for c.readBuf.Len() == 0 {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.readBuf.Write(msg)
	}
	return c.readBuf.Read(p)
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                 { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr                { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

var _ net.Conn = (*wsConn)(nil)
var _ io.ReadWriteCloser = (*wsConn)(nil)

// WebSocketHandler returns an http.Handler that upgrades a client to a
// WebSocket connection and registers it with the Bus's reactor exactly
// like a raw TCP connection. This is a fallback/dev-tooling transport:
// browser-based test harnesses and local inspection tools can speak the
// same text-framed protocol over a connection that survives proxies
// that don't pass through a raw TCP CONNECT.
func (b *Bus) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.cfg.Log.Warn().Err(err).Msg("bus: websocket upgrade failed")
			return
		}
		b.reactor.Register(newWSConn(ws))
	})
}
