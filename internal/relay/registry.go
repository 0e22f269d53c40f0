package relay

import (
	"sort"
	"sync"
)

// Sink is a live connection capable of receiving pushed events.
type Sink interface {
	WriteMessage(data []byte) error
}

type registryEntry struct {
	sink Sink
	seq  uint64 // registration order, kept across reconnects
}

// Registry maps a user id to its single active connection. A new connection
// for the same user overwrites the previous one.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]registryEntry
	nextSeq  uint64
	onChange func()
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]registryEntry),
	}
}

// SetOnChange installs the callback invoked after every mutation. It runs on
// the mutating goroutine, outside the registry lock.
func (r *Registry) SetOnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Register maps userID to sink, replacing any previous connection. A user who
// reconnects keeps their original position in Snapshot.
func (r *Registry) Register(userID string, sink Sink) {
	r.mu.Lock()
	entry, ok := r.byUser[userID]
	if !ok {
		r.nextSeq++
		entry.seq = r.nextSeq
	}
	entry.sink = sink
	r.byUser[userID] = entry
	fn := r.onChange
	r.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Unregister removes userID. It returns false, and does not notify, when the
// user was not registered.
func (r *Registry) Unregister(userID string) bool {
	r.mu.Lock()
	_, ok := r.byUser[userID]
	if ok {
		delete(r.byUser, userID)
	}
	fn := r.onChange
	r.mu.Unlock()

	if ok && fn != nil {
		fn()
	}
	return ok
}

// UnregisterConn removes userID only while it is still mapped to sink. A
// connection that was superseded by a reconnect cannot evict its successor.
func (r *Registry) UnregisterConn(userID string, sink Sink) bool {
	r.mu.Lock()
	entry, ok := r.byUser[userID]
	ok = ok && entry.sink == sink
	if ok {
		delete(r.byUser, userID)
	}
	fn := r.onChange
	r.mu.Unlock()

	if ok && fn != nil {
		fn()
	}
	return ok
}

// Lookup returns the connection registered for userID.
func (r *Registry) Lookup(userID string) (Sink, bool) {
	r.mu.RLock()
	entry, ok := r.byUser[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return entry.sink, true
}

// Snapshot returns the registered user ids in registration order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	entries := make([]snapshotEntry, 0, len(r.byUser))
	for id, e := range r.byUser {
		entries = append(entries, snapshotEntry{id: id, seq: e.seq})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

type snapshotEntry struct {
	id  string
	seq uint64
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
