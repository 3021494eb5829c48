// Package bus implements the broker side of the text-framed protocol
// (§4.E), layered directly on (A) for framing and (B) for dispatch.
// Grounded on lib/yajsonrpc/stompserver.py's StompAdapterImpl/
// StompServer, translated from asyncore dispatchers into
// reactor.Handler callbacks.
package bus

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xfeldman/aegisd/internal/reactor"
	"github.com/xfeldman/aegisd/internal/sched"
	"github.com/xfeldman/aegisd/internal/wire"
)

// minHeartBeatMillis is the floor either side will accept or advertise,
// matching stompserver.py's parseHeartBeatHeader sanity clamp.
const minHeartBeatMillis = 1000

// heartbeatGrace is the fraction of extra time allowed past the
// negotiated client→server interval before the connection is
// considered dead (§4.E).
const heartbeatGrace = 0.2

// Dispatcher is the RPC layer's entry point for internally-routed SEND
// bodies. Implementations (F) eventually call Bus.Deliver with the
// JSON-RPC response.
type Dispatcher interface {
	Dispatch(body []byte)
}

// CredentialChecker validates a CONNECT frame's login/passcode headers
// against the single shared RPC credential. A nil checker disables
// authentication (development mode).
type CredentialChecker func(login, passcode string) bool

// Config bundles the Bus's construction-time dependencies.
type Config struct {
	RequestQueues     []string
	CredentialChecker CredentialChecker
	Dispatcher        Dispatcher
	Scheduler         *sched.Scheduler
	Log               zerolog.Logger
}

type connState struct {
	mu            sync.Mutex
	authenticated bool
	heartbeatCx   int // ms, client->server (how often we expect traffic)
	heartbeatCy   int // ms, server->client (how often we must send)
	lastRecv      time.Time
	lastSent      time.Time
	subIDs        map[string]bool
	closed        bool
}

// Bus is the broker-side STOMP adapter. One Bus serves every connection
// registered with its Reactor.
type Bus struct {
	cfg      Config
	reactor  *reactor.Reactor
	registry *destRegistry
	replies  *replyRouter

	mu    sync.Mutex
	conns map[reactor.ConnID]*connState

	heartbeatHandle *sched.Handle
}

// New constructs a Bus. SetReactor must be called before any frames
// arrive (the composition root constructs Bus and Reactor together,
// since each needs a reference to the other).
func New(cfg Config) *Bus {
	return &Bus{
		cfg:      cfg,
		registry: newDestRegistry(),
		replies:  newReplyRouter(),
		conns:    make(map[reactor.ConnID]*connState),
	}
}

// SetReactor wires the reactor this bus dispatches through. Also starts
// the heartbeat-check ticker.
func (b *Bus) SetReactor(r *reactor.Reactor) {
	b.reactor = r
	if b.cfg.Scheduler != nil {
		b.scheduleHeartbeatCheck()
	}
}

func (b *Bus) scheduleHeartbeatCheck() {
	b.heartbeatHandle = b.cfg.Scheduler.Schedule(time.Second, func() {
		b.reactor.Post(b.checkHeartbeats)
		b.scheduleHeartbeatCheck()
	})
}

// HandleFrame implements reactor.Handler.
func (b *Bus) HandleFrame(id reactor.ConnID, f *wire.Frame) {
	cs := b.connFor(id)
	cs.mu.Lock()
	cs.lastRecv = time.Now()
	cs.mu.Unlock()

	switch f.Command {
	case wire.CommandConnect:
		b.handleConnect(id, cs, f)
	case wire.CommandSubscribe:
		b.handleSubscribe(id, cs, f)
	case wire.CommandUnsubscribe:
		b.handleUnsubscribe(id, cs, f)
	case wire.CommandSend:
		b.handleSend(id, cs, f)
	case wire.CommandDisconnect:
		b.handleDisconnect(id, cs, f)
	default:
		b.sendError(id, "Unknown command "+f.Command)
	}
}

// HandleClose implements reactor.Handler.
func (b *Bus) HandleClose(id reactor.ConnID, err error) {
	b.registry.removeConn(id)
	b.mu.Lock()
	delete(b.conns, id)
	b.mu.Unlock()
}

func (b *Bus) connFor(id reactor.ConnID) *connState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.conns[id]
	if !ok {
		cs = &connState{subIDs: make(map[string]bool)}
		b.conns[id] = cs
	}
	return cs
}

func (b *Bus) handleConnect(id reactor.ConnID, cs *connState, f *wire.Frame) {
	if f.Headers[wire.HeaderAcceptVersion] != "1.2" {
		b.send(id, errorFrame("Version unsupported"))
		return
	}

	if b.cfg.CredentialChecker != nil {
		login := f.Headers[wire.HeaderLogin]
		passcode := f.Headers[wire.HeaderPasscode]
		if !b.cfg.CredentialChecker(login, passcode) {
			b.send(id, errorFrame("Authentication failed"))
			return
		}
	}

	cx, cy := parseHeartBeat(f.Headers[wire.HeaderHeartBeat])
	if cx != 0 {
		cx = maxInt(cx, minHeartBeatMillis)
	}
	if cy != 0 {
		cy = maxInt(cy, minHeartBeatMillis)
	}

	cs.mu.Lock()
	cs.authenticated = true
	cs.heartbeatCx = cx
	cs.heartbeatCy = cy
	cs.mu.Unlock()

	resp := wire.NewFrame(wire.CommandConnected)
	resp.Headers["version"] = "1.2"
	// We send every cy ms, expect traffic every cx ms: header order is
	// (our-send-interval, our-expect-interval), matching the original's
	// (cy, cx) convention.
	resp.Headers[wire.HeaderHeartBeat] = strconv.Itoa(cy) + "," + strconv.Itoa(cx)
	b.send(id, resp)
}

func parseHeartBeat(v string) (cx, cy int) {
	parts := strings.SplitN(v, ",", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	cx, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
	cy, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	return cx, cy
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (b *Bus) handleSubscribe(id reactor.ConnID, cs *connState, f *wire.Frame) {
	destination := f.Headers[wire.HeaderDestination]
	subID := f.Headers["id"]
	if destination == "" || subID == "" {
		b.sendError(id, "Missing destination or subscription id header")
		return
	}
	if !b.registry.add(subID, id, destination) {
		b.sendError(id, "Subscription id already exists")
		return
	}
	cs.mu.Lock()
	cs.subIDs[subID] = true
	cs.mu.Unlock()
}

func (b *Bus) handleUnsubscribe(id reactor.ConnID, cs *connState, f *wire.Frame) {
	subID := f.Headers["id"]
	if subID == "" {
		b.sendError(id, "Missing id header")
		return
	}
	if !b.registry.remove(subID) {
		b.cfg.Log.Debug().Str("sub_id", subID).Msg("bus: no subscription for id")
		return
	}
	cs.mu.Lock()
	delete(cs.subIDs, subID)
	cs.mu.Unlock()
}

func (b *Bus) handleDisconnect(id reactor.ConnID, cs *connState, f *wire.Frame) {
	if receipt, ok := f.Headers[wire.HeaderReceipt]; ok && receipt != "" {
		resp := wire.NewFrame(wire.CommandReceipt)
		resp.Headers[wire.HeaderReceiptID] = receipt
		b.send(id, resp)
	}
	b.registry.removeConn(id)
	b.reactor.Close(id)
}

func (b *Bus) handleSend(id reactor.ConnID, cs *connState, f *wire.Frame) {
	destination := f.Headers[wire.HeaderDestination]
	subs := b.registry.matchHierarchical(destination)
	for _, sub := range subs {
		b.forward(sub, f)
	}

	if b.isInternalQueue(destination) {
		replyTo := f.Headers[wire.HeaderReplyTo]
		b.recordReplyRoutes(replyTo, f.Body)
		if b.cfg.Dispatcher != nil {
			b.cfg.Dispatcher.Dispatch(f.Body)
		}
		return
	}

	if len(subs) == 0 {
		b.sendError(id, "Subscription not available")
	}
}

func (b *Bus) isInternalQueue(destination string) bool {
	for _, q := range b.cfg.RequestQueues {
		if destination == q || strings.HasPrefix(destination, q+".") {
			return true
		}
	}
	return false
}

// recordReplyRoutes decodes the SEND body (a single JSON-RPC request or
// a batch array) enough to extract request ids, and records
// {id → reply-to} for later response routing. Malformed bodies are
// left to the dispatcher's own parse-error handling.
func (b *Bus) recordReplyRoutes(replyTo string, body []byte) {
	if replyTo == "" {
		return
	}
	var single struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &single); err == nil && len(single.ID) > 0 {
		b.replies.record(string(single.ID), replyTo)
		return
	}
	var batch []struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &batch); err == nil {
		for _, item := range batch {
			if len(item.ID) > 0 {
				b.replies.record(string(item.ID), replyTo)
			}
		}
	}
}

func (b *Bus) forward(sub *subscription, f *wire.Frame) {
	out := f.Copy()
	out.Command = wire.CommandMessage
	out.Headers[wire.HeaderSubscription] = sub.id
	b.send(sub.connID, out)
}

// Deliver routes a JSON-RPC response produced by the dispatcher (F) back
// to the connection that recorded a matching reply-to, per §4.E "reply
// routing". A response with no recorded reply-to (no id, or the id was
// never recorded — e.g. the original request was a notification) is
// dropped silently.
func (b *Bus) Deliver(message []byte) {
	id := extractResponseID(message)
	if id == "" {
		return
	}
	destination, ok := b.replies.take(id)
	if !ok {
		return
	}
	subs := b.registry.matchExact(destination)
	if len(subs) == 0 {
		b.cfg.Log.Warn().Str("destination", destination).Msg("bus: reply destination has no subscribers")
		return
	}
	for _, sub := range subs {
		out := wire.NewFrame(wire.CommandMessage)
		out.Headers[wire.HeaderDestination] = destination
		out.Headers[wire.HeaderContentType] = "application/json"
		out.Headers[wire.HeaderSubscription] = sub.id
		out.Body = message
		b.send(sub.connID, out)
	}
}

func extractResponseID(message []byte) string {
	var single struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(message, &single); err == nil && len(single.ID) > 0 {
		return string(single.ID)
	}
	var batch []struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(message, &batch); err == nil {
		for _, item := range batch {
			if len(item.ID) > 0 {
				return string(item.ID)
			}
		}
	}
	return ""
}

func (b *Bus) sendError(id reactor.ConnID, msg string) {
	b.send(id, errorFrame(msg))
}

func errorFrame(msg string) *wire.Frame {
	f := wire.NewFrame(wire.CommandError)
	f.Body = []byte(msg)
	return f
}

// send writes a frame directly to the connection's socket. Writes do
// not need to be serialized through the reactor goroutine (only
// dispatch does); see reactor.Conn's doc comment.
func (b *Bus) send(id reactor.ConnID, f *wire.Frame) {
	conn, ok := b.reactor.Conn(id)
	if !ok {
		return
	}
	cs := b.connFor(id)
	cs.mu.Lock()
	cs.lastSent = time.Now()
	cs.mu.Unlock()
	if _, err := conn.Write(f.Encode()); err != nil {
		b.cfg.Log.Debug().Uint64("conn_id", uint64(id)).Err(err).Msg("bus: write failed")
	}
}

// checkHeartbeats runs on the reactor goroutine once a second: it closes
// connections that have gone silent past their negotiated
// client→server interval (plus grace), and sends a bare heartbeat frame
// to any connection approaching its own server→client deadline.
func (b *Bus) checkHeartbeats() {
	now := time.Now()
	b.mu.Lock()
	ids := make([]reactor.ConnID, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		cs := b.connFor(id)
		cs.mu.Lock()
		cx := cs.heartbeatCx
		cy := cs.heartbeatCy
		lastRecv := cs.lastRecv
		lastSent := cs.lastSent
		cs.mu.Unlock()

		if cx != 0 && !lastRecv.IsZero() {
			deadline := time.Duration(float64(cx)*(1+heartbeatGrace)) * time.Millisecond
			if now.Sub(lastRecv) > deadline {
				b.registry.removeConn(id)
				b.reactor.Close(id)
				continue
			}
		}
		if cy != 0 {
			sendDeadline := time.Duration(cy) * time.Millisecond
			last := lastSent
			if last.IsZero() {
				last = now
			}
			if now.Sub(last) >= sendDeadline {
				b.send(id, nil)
			}
		}
	}
}
