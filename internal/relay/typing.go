package relay

import (
	"log"
	"sync"
	"time"

	"github.com/whisper/presence-relay/internal/metrics"
	"github.com/whisper/presence-relay/internal/protocol"
)

// DefaultTypingExpiry is how long a typing indicator survives without a fresh
// typing=true event.
const DefaultTypingExpiry = 2500 * time.Millisecond

// stopper is the part of *time.Timer the coordinator needs.
type stopper interface {
	Stop() bool
}

// typingEntry is one sender's typing state. Its pointer identity doubles as
// the timer generation: an expiry only acts while its entry is current.
type typingEntry struct {
	receiverID string
	timer      stopper
}

// TypingCoordinator tracks, per sender, whether they are typing and to whom,
// and routes userTyping notifications to the receiver's connection. Each
// sender has at most one outstanding expiry timer.
type TypingCoordinator struct {
	mu        sync.Mutex
	registry  *Registry
	expiry    time.Duration
	bySender  map[string]*typingEntry
	afterFunc func(d time.Duration, f func()) stopper
}

// NewTypingCoordinator creates a coordinator that resolves receivers through
// registry. A non-positive expiry falls back to DefaultTypingExpiry.
func NewTypingCoordinator(registry *Registry, expiry time.Duration) *TypingCoordinator {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &TypingCoordinator{
		registry: registry,
		expiry:   expiry,
		bySender: make(map[string]*typingEntry),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Typing applies a typing event from senderID aimed at receiverID.
func (tc *TypingCoordinator) Typing(senderID, receiverID string, isTyping bool) {
	tc.apply(nil, senderID, receiverID, isTyping)
}

// TypingFrom applies a typing event only while owner is still the sender's
// registered connection, and reports whether it did. The ownership check runs
// under the coordinator lock, so an event racing its sender's disconnect is
// either dropped or cleared by the Cancel that follows the unregister.
func (tc *TypingCoordinator) TypingFrom(owner Sink, senderID, receiverID string, isTyping bool) bool {
	return tc.apply(owner, senderID, receiverID, isTyping)
}

func (tc *TypingCoordinator) apply(owner Sink, senderID, receiverID string, isTyping bool) bool {
	if isTyping {
		return tc.start(owner, senderID, receiverID)
	}
	return tc.stop(owner, senderID, receiverID)
}

// owns reports whether owner is senderID's registered connection. A nil owner
// skips the check. Callers hold tc.mu.
func (tc *TypingCoordinator) owns(owner Sink, senderID string) bool {
	if owner == nil {
		return true
	}
	current, ok := tc.registry.Lookup(senderID)
	return ok && current == owner
}

// start moves the sender into (or keeps them in) the typing state and
// restarts the expiry timer.
func (tc *TypingCoordinator) start(owner Sink, senderID, receiverID string) bool {
	entry := &typingEntry{receiverID: receiverID}

	tc.mu.Lock()
	if !tc.owns(owner, senderID) {
		tc.mu.Unlock()
		return false
	}
	prev := tc.bySender[senderID]
	if prev != nil {
		prev.timer.Stop()
	}
	entry.timer = tc.afterFunc(tc.expiry, func() { tc.expire(senderID, entry) })
	tc.bySender[senderID] = entry
	n := len(tc.bySender)
	tc.mu.Unlock()

	metrics.ActiveTypers.Set(float64(n))

	if prev != nil && prev.receiverID != receiverID {
		tc.notify(senderID, prev.receiverID, false, "switched")
	}
	tc.notify(senderID, receiverID, true, "start")
	return true
}

// stop handles an explicit typing=false. The event's receiver is always told;
// if the sender was last typing to someone else, that receiver is told too.
func (tc *TypingCoordinator) stop(owner Sink, senderID, receiverID string) bool {
	tc.mu.Lock()
	if !tc.owns(owner, senderID) {
		tc.mu.Unlock()
		return false
	}
	prev := tc.bySender[senderID]
	if prev != nil {
		prev.timer.Stop()
		delete(tc.bySender, senderID)
	}
	n := len(tc.bySender)
	tc.mu.Unlock()

	metrics.ActiveTypers.Set(float64(n))

	if prev != nil && prev.receiverID != receiverID {
		tc.notify(senderID, prev.receiverID, false, "stop")
	}
	tc.notify(senderID, receiverID, false, "stop")
	return true
}

// expire is the timer callback. A timer that was replaced or cancelled after
// it had already started running finds a different (or no) current entry and
// does nothing. A sender that went offline before its Cancel ran is dropped
// silently.
func (tc *TypingCoordinator) expire(senderID string, entry *typingEntry) {
	tc.mu.Lock()
	if tc.bySender[senderID] != entry {
		tc.mu.Unlock()
		return
	}
	delete(tc.bySender, senderID)
	n := len(tc.bySender)
	tc.mu.Unlock()

	metrics.ActiveTypers.Set(float64(n))
	if _, online := tc.registry.Lookup(senderID); !online {
		return
	}
	tc.notify(senderID, entry.receiverID, false, "expired")
}

// Cancel drops the sender's typing state without notifying anyone. It is used
// when the sender disconnects and is a no-op for idle senders.
func (tc *TypingCoordinator) Cancel(senderID string) {
	tc.mu.Lock()
	if entry := tc.bySender[senderID]; entry != nil {
		entry.timer.Stop()
		delete(tc.bySender, senderID)
	}
	n := len(tc.bySender)
	tc.mu.Unlock()

	metrics.ActiveTypers.Set(float64(n))
}

// CancelAll drops every typing state. Called on shutdown.
func (tc *TypingCoordinator) CancelAll() {
	tc.mu.Lock()
	for id, entry := range tc.bySender {
		entry.timer.Stop()
		delete(tc.bySender, id)
	}
	tc.mu.Unlock()

	metrics.ActiveTypers.Set(0)
}

// IsTyping reports whether senderID is typing and to whom.
func (tc *TypingCoordinator) IsTyping(senderID string) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	entry := tc.bySender[senderID]
	if entry == nil {
		return "", false
	}
	return entry.receiverID, true
}

// Len returns the number of senders currently typing.
func (tc *TypingCoordinator) Len() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.bySender)
}

// notify routes a userTyping event to receiverID, dropping it silently when
// the receiver is offline.
func (tc *TypingCoordinator) notify(senderID, receiverID string, isTyping bool, cause string) {
	sink, ok := tc.registry.Lookup(receiverID)
	if !ok {
		return
	}

	data, err := protocol.UserTyping(senderID, isTyping)
	if err != nil {
		log.Printf("relay: failed to build userTyping from=%s: %v", senderID, err)
		return
	}
	if err := sink.WriteMessage(data); err != nil {
		log.Printf("relay: userTyping to user=%s failed: %v", receiverID, err)
		return
	}
	metrics.TypingEvents.WithLabelValues(cause).Inc()
}
