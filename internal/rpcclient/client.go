// Package rpcclient is a minimal client for the text-framed control
// plane (§4.E/§4.F): it speaks just enough of the CONNECT/SUBSCRIBE/SEND
// handshake to issue one JSON-RPC 2.0 call and read back its response.
// Grounded on the wire formats (A) and message-bus semantics (E) already
// implemented server-side; cmd/aegisctl is its only caller.
package rpcclient

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/xfeldman/aegisd/internal/wire"
)

// Client holds one connection to the bus and issues calls serially.
type Client struct {
	conn    net.Conn
	replyTo string
	timeout time.Duration
}

// Dial connects to addr, completes the CONNECT handshake (no heartbeats
// requested), and subscribes to a per-connection reply destination. The
// CONNECT frame carries no login or passcode header, so a bus configured
// with a CredentialChecker rejects the handshake.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", addr, err)
	}
	c := &Client{conn: conn, replyTo: "jms.aegisctl." + uuid.NewString(), timeout: timeout}

	connectFrame := wire.NewFrame(wire.CommandConnect)
	connectFrame.Headers[wire.HeaderAcceptVersion] = "1.2"
	connectFrame.Headers[wire.HeaderHeartBeat] = "0,0"
	if err := c.send(connectFrame); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := c.recv()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply.Command != wire.CommandConnected {
		conn.Close()
		return nil, fmt.Errorf("rpcclient: handshake failed: %s", reply.Command)
	}

	sub := wire.NewFrame(wire.CommandSubscribe)
	sub.Headers["id"] = "aegisctl-replies"
	sub.Headers[wire.HeaderDestination] = c.replyTo
	if err := c.send(sub); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close tears down the connection.
func (c *Client) Close() error { return c.conn.Close() }

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      string      `json:"id"`
}

// Call sends a single JSON-RPC request to the "jms.aegisd.requests"
// destination and blocks for its response.
func (c *Client) Call(method string, params interface{}) (json.RawMessage, error) {
	reqID := uuid.NewString()
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: reqID})
	if err != nil {
		return nil, fmt.Errorf("rpcclient: encode request: %w", err)
	}

	send := wire.NewFrame(wire.CommandSend)
	send.Headers[wire.HeaderDestination] = "jms.aegisd.requests"
	send.Headers[wire.HeaderReplyTo] = c.replyTo
	send.Headers[wire.HeaderContentType] = "application/json"
	send.Body = body
	if err := c.send(send); err != nil {
		return nil, err
	}

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	msg, err := c.recv()
	if err != nil {
		return nil, err
	}
	if msg.Command != wire.CommandMessage {
		return nil, fmt.Errorf("rpcclient: unexpected frame %s", msg.Command)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg.Body, &resp); err != nil {
		return nil, fmt.Errorf("rpcclient: decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("rpcclient: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	return resp.Result, nil
}

func (c *Client) send(f *wire.Frame) error {
	_, err := c.conn.Write(f.Encode())
	return err
}

func (c *Client) recv() (*wire.Frame, error) {
	parser := wire.NewParser()
	buf := make([]byte, 4096)
	for parser.Pending() == 0 {
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("rpcclient: read: %w", err)
		}
		if err := parser.Feed(buf[:n]); err != nil {
			return nil, fmt.Errorf("rpcclient: parse: %w", err)
		}
	}
	return parser.Pop(), nil
}
