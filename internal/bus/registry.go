package bus

import (
	"strings"
	"sync"

	"github.com/xfeldman/aegisd/internal/reactor"
)

// subscription is one {connection, destination} pairing, keyed by its
// client-chosen id. Grounded on stomp.Subscription /
// StompAdapterImpl's sub_dests/sub_ids maps.
type subscription struct {
	id          string
	connID      reactor.ConnID
	destination string
}

// destRegistry is the destination registry (§5: "mutated only from the
// reactor goroutine; all reads from other threads obtain a snapshot via
// a short critical section"). The mutex exists for the snapshot reads;
// every mutation in this module in fact only ever runs on the reactor
// goroutine.
type destRegistry struct {
	mu     sync.Mutex
	byDest map[string][]*subscription
	byID   map[string]*subscription
}

func newDestRegistry() *destRegistry {
	return &destRegistry{
		byDest: make(map[string][]*subscription),
		byID:   make(map[string]*subscription),
	}
}

// add registers a new subscription. Returns false if id is already in
// use, leaving the existing subscription untouched.
func (r *destRegistry) add(id string, connID reactor.ConnID, destination string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return false
	}
	sub := &subscription{id: id, connID: connID, destination: destination}
	r.byID[id] = sub
	r.byDest[destination] = append(r.byDest[destination], sub)
	return true
}

// remove drops a subscription by id. A missing id is a no-op (caller
// logs it), matching the idempotence property in §8.
func (r *destRegistry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	subs := r.byDest[sub.destination]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.byDest, sub.destination)
	} else {
		r.byDest[sub.destination] = subs
	}
	return true
}

// removeConn drops every subscription belonging to connID, used on
// connection close.
func (r *destRegistry) removeConn(connID reactor.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.byID {
		if sub.connID == connID {
			delete(r.byID, id)
			subs := r.byDest[sub.destination]
			for i, s := range subs {
				if s.id == id {
					subs = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(subs) == 0 {
				delete(r.byDest, sub.destination)
			} else {
				r.byDest[sub.destination] = subs
			}
		}
	}
}

// matchHierarchical returns every subscription registered on destination
// or any dot-separated ancestor of it, per §3's hierarchical match: a
// subscriber on "jms.vdsm" receives a SEND to "jms.vdsm.alerts".
func (r *destRegistry) matchHierarchical(destination string) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	segments := strings.Split(destination, ".")
	var matches []*subscription
	for i := range segments {
		candidate := strings.Join(segments[:i+1], ".")
		matches = append(matches, r.byDest[candidate]...)
	}
	return matches
}

// matchExact returns the subscriptions registered on exactly
// destination, used for reply-to delivery (§4.E "reply routing"), which
// is not hierarchical in the original.
func (r *destRegistry) matchExact(destination string) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.byDest[destination]
	out := make([]*subscription, len(subs))
	copy(out, subs)
	return out
}
