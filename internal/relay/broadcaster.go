package relay

import (
	"log"
	"sync"
	"time"

	"github.com/whisper/presence-relay/internal/metrics"
	"github.com/whisper/presence-relay/internal/protocol"
)

// Fanout delivers a frame to every live connection, anonymous observers
// included.
type Fanout interface {
	Broadcast(msg []byte)
}

// Broadcaster pushes the full online-user snapshot to every connection. It is
// installed as the registry's change hook, so every register and unregister is
// followed by exactly one Announce.
type Broadcaster struct {
	mu       sync.Mutex // serializes snapshot+send so the last frame out is the newest state
	registry *Registry
	fanout   Fanout
	observer Observer
}

// NewBroadcaster creates a Broadcaster reading from registry and writing to
// fanout. observer may be nil.
func NewBroadcaster(registry *Registry, fanout Fanout, observer Observer) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		fanout:   fanout,
		observer: observer,
	}
}

// Announce snapshots the registry and broadcasts getOnlineUsers. Delivery is
// best-effort; the next registry change corrects any missed frame.
func (b *Broadcaster) Announce() {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	ids := b.registry.Snapshot()
	data, err := protocol.OnlineUsers(ids)
	if err != nil {
		log.Printf("relay: failed to build presence snapshot: %v", err)
		return
	}

	b.fanout.Broadcast(data)

	metrics.OnlineUsers.Set(float64(len(ids)))
	metrics.PresenceBroadcasts.Inc()
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())

	if b.observer != nil {
		b.observer.OnlineUsers(ids)
	}
}

// SendSnapshot writes the current snapshot to a single connection.
func (b *Broadcaster) SendSnapshot(sink Sink) error {
	data, err := protocol.OnlineUsers(b.registry.Snapshot())
	if err != nil {
		return err
	}
	return sink.WriteMessage(data)
}
