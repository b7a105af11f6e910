package channel

import (
	"net"
	"sync"

	"channeld/internal/chanid"
)

// registry is the per-channel ordered sequence of registered clients,
// guarded by a many-reader/one-writer discipline.
type registry struct {
	mu      sync.RWMutex
	clients []Client
}

func newRegistry() *registry {
	return &registry{}
}

// snapshot returns a copy of the current client list, safe to iterate
// without holding the registry lock.
func (r *registry) snapshot() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, len(r.clients))
	copy(out, r.clients)
	return out
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// register appends c, rejecting uid or addr collisions with
// CLIENT_ALREADY_EXISTS.
func (r *registry) register(c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.clients {
		if existing.UID == c.UID || sameAddr(existing.Addr, c.Addr) {
			return NewError(CodeClientAlreadyExists)
		}
	}
	r.clients = append(r.clients, c)
	return nil
}

// reconnectByUID atomically replaces the record matching uid with
// replacement. The replaced record is discarded.
func (r *registry) reconnectByUID(uid chanid.ID, replacement Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.clients {
		if r.clients[i].UID == uid {
			r.clients[i] = replacement
			return nil
		}
	}
	return NewError(CodeClientNotRegistered)
}

// disconnectCertain removes every client whose uid matches one in targets.
func (r *registry) disconnectCertain(targets []Client) {
	if len(targets) == 0 {
		return
	}
	want := make(map[chanid.ID]struct{}, len(targets))
	for _, t := range targets {
		want[t.UID] = struct{}{}
	}
	r.removeMatching(want)
}

// removeMatching removes every client whose uid is in uids, returning how
// many were removed. Used both by disconnectCertain and by the
// broadcast-prune path.
func (r *registry) removeMatching(uids map[chanid.ID]struct{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	out := r.clients[:0:0]
	for _, c := range r.clients {
		if _, match := uids[c.UID]; match {
			removed++
			continue
		}
		out = append(out, c)
	}
	r.clients = out
	return removed
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = nil
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}
