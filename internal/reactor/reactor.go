// Package reactor runs the single-threaded event loop that owns every
// connection's decoded frames and every timer callback. The spec's
// source multiplexes raw file descriptors with asyncore; Go's idiomatic
// analogue multiplexes channels instead — each connection gets its own
// blocking-read goroutine (grounded on channelDemuxer.recvLoop in the
// teacher), but every frame, close, and timer event it produces is
// funneled through a single unbuffered dispatch goroutine that runs
// handlers to completion without yielding, preserving the spec's
// single-threaded-handler invariant without literal fd polling.
package reactor

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xfeldman/aegisd/internal/wire"
)

// ConnID identifies a registered connection for the lifetime of the
// reactor.
type ConnID uint64

// Handler receives the events the reactor dispatches for one connection.
// Implementations must not block: long operations are handed off to the
// executor (H), never run inline on the reactor goroutine.
type Handler interface {
	HandleFrame(id ConnID, f *wire.Frame)
	HandleClose(id ConnID, err error)
}

type connection struct {
	id     ConnID
	conn   net.Conn
	cancel chan struct{}
}

type frameEvent struct {
	id  ConnID
	f   *wire.Frame
	err error
}

type funcEvent struct {
	fn func()
}

// Reactor is the single dispatch loop. Create one per process.
type Reactor struct {
	log zerolog.Logger

	mu      sync.Mutex
	conns   map[ConnID]*connection
	nextID  ConnID
	handler Handler

	events chan frameEvent
	posted chan funcEvent
	stop   chan struct{}
	done   chan struct{}

	maxIdle time.Duration
}

// New returns a Reactor that dispatches to handler. maxIdle is the
// bounded sleep (capped at 30s per spec) the loop uses while waiting for
// the next event when nothing else schedules it sooner.
func New(handler Handler, log zerolog.Logger) *Reactor {
	return &Reactor{
		log:     log,
		conns:   make(map[ConnID]*connection),
		handler: handler,
		events:  make(chan frameEvent, 256),
		posted:  make(chan funcEvent, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		maxIdle: 30 * time.Second,
	}
}

// Register begins reading frames from conn and returns its ConnID. Reads
// happen on a dedicated goroutine; every decoded frame (and the eventual
// close) is delivered to the handler from the single reactor goroutine.
func (r *Reactor) Register(conn net.Conn) ConnID {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	c := &connection{id: id, conn: conn, cancel: make(chan struct{})}
	r.conns[id] = c
	r.mu.Unlock()

	go r.readLoop(c)
	return id
}

func (r *Reactor) readLoop(c *connection) {
	parser := wire.NewParser()
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if perr := parser.Feed(buf[:n]); perr != nil {
				r.emit(frameEvent{id: c.id, err: perr})
				return
			}
			for parser.Pending() > 0 {
				r.emit(frameEvent{id: c.id, f: parser.Pop()})
			}
		}
		if err != nil {
			r.emit(frameEvent{id: c.id, err: err})
			return
		}
		select {
		case <-c.cancel:
			return
		default:
		}
	}
}

func (r *Reactor) emit(e frameEvent) {
	select {
	case r.events <- e:
	case <-r.done:
	}
}

// Conn returns the net.Conn for a registered connection, for writes.
// Writes do not need to happen on the reactor goroutine: the spec only
// requires handler *dispatch* to be single-threaded, not writes.
func (r *Reactor) Conn(id ConnID) (net.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return c.conn, true
}

// Close tears down a registered connection.
func (r *Reactor) Close(id ConnID) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if ok {
		close(c.cancel)
		c.conn.Close()
	}
}

// Post hands fn to the reactor goroutine for execution, from any thread.
// This is the reactor's wake-up mechanism: posted work runs before the
// loop goes back to waiting, within one tick.
func (r *Reactor) Post(fn func()) {
	select {
	case r.posted <- funcEvent{fn: fn}:
	case <-r.done:
	}
}

// Run executes the dispatch loop until Stop is called. It returns once
// the current tick finishes, matching the spec's shutdown contract.
func (r *Reactor) Run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			r.closeAll()
			return
		case e := <-r.events:
			if e.f != nil {
				r.handler.HandleFrame(e.id, e.f)
			} else {
				r.Close(e.id)
				r.handler.HandleClose(e.id, e.err)
			}
		case p := <-r.posted:
			p.fn()
		case <-time.After(r.maxIdle):
			// idle tick: nothing to do but keep the loop alive so
			// posted wake-ups and new connections are never starved
		}
	}
}

// Stop requests the loop exit after the current tick.
func (r *Reactor) Stop() {
	close(r.stop)
}

func (r *Reactor) closeAll() {
	r.mu.Lock()
	ids := make([]ConnID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Close(id)
	}
}
