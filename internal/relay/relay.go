// Package relay is the presence and direct-message core of the chat server.
// It keeps the user id -> connection registry, broadcasts the online-user set
// on every registry change, routes direct messages and typing indicators to
// the receiver's live connection, and expires stale typing indicators.
//
// All state is in memory and owned by a single Relay per process. Running
// more than one process would require moving the registry to a shared
// presence store.
package relay

import (
	"context"
	"log"
	"time"

	"github.com/whisper/presence-relay/internal/metrics"
	"github.com/whisper/presence-relay/internal/protocol"
)

// Conn is a live client connection as seen by the relay. UserID is the
// identity supplied at handshake time; it is empty for anonymous observers.
type Conn interface {
	Sink
	UserID() string
}

// Observer receives relay events for external consumers (event bus,
// persistence, notifications). Implementations must not block.
type Observer interface {
	OnlineUsers(userIDs []string)
	UserOnline(userID string)
	UserOffline(userID string)
	MessageRelayed(msg protocol.ChatMessage, delivered bool)
}

// Limiter throttles client events per user. retryAfter is only meaningful
// when allowed is false.
type Limiter interface {
	Allow(ctx context.Context, event, userID string) (allowed bool, retryAfter time.Duration)
}

// Config holds tunable parameters for the relay.
type Config struct {
	TypingExpiry time.Duration // how long a typing indicator lives without a refresh
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TypingExpiry: DefaultTypingExpiry,
	}
}

// Relay wires the registry, presence broadcaster, typing coordinator and
// message router together and handles connection lifecycle events.
type Relay struct {
	registry    *Registry
	broadcaster *Broadcaster
	typing      *TypingCoordinator
	router      *Router
	observer    Observer
	limiter     Limiter
}

// New creates a Relay that fans presence out through fanout. observer and
// limiter may be nil.
func New(config Config, fanout Fanout, observer Observer, limiter Limiter) *Relay {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, fanout, observer)
	registry.SetOnChange(broadcaster.Announce)

	return &Relay{
		registry:    registry,
		broadcaster: broadcaster,
		typing:      NewTypingCoordinator(registry, config.TypingExpiry),
		router:      NewRouter(registry, observer),
		observer:    observer,
		limiter:     limiter,
	}
}

// Registry returns the connection registry.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Typing returns the typing coordinator.
func (r *Relay) Typing() *TypingCoordinator {
	return r.typing
}

// Connect handles a newly established connection. Connections without a user
// id are anonymous observers: they receive the current snapshot but are never
// registered and nothing is broadcast. Otherwise the user is registered,
// which broadcasts the new online set to everyone, the new connection
// included.
func (r *Relay) Connect(conn Conn) {
	userID := conn.UserID()
	if userID == "" {
		if err := r.broadcaster.SendSnapshot(conn); err != nil {
			log.Printf("relay: initial snapshot to anonymous connection failed: %v", err)
		}
		return
	}

	_, replaced := r.registry.Lookup(userID)
	r.registry.Register(userID, conn)
	if replaced {
		log.Printf("relay: user=%s reconnected, previous connection superseded", userID)
	} else {
		log.Printf("relay: user=%s online (online=%d)", userID, r.registry.Count())
		if r.observer != nil {
			r.observer.UserOnline(userID)
		}
	}
}

// Disconnect handles a closed connection. Only the user's current connection
// unregisters them; a connection that was superseded by a reconnect leaves the
// registry and the typing state alone. Typing state is cleared after the
// unregister so a typing event still in flight from conn cannot outlive it.
func (r *Relay) Disconnect(conn Conn) {
	userID := conn.UserID()
	if userID == "" {
		return
	}

	if !r.registry.UnregisterConn(userID, conn) {
		log.Printf("relay: stale connection for user=%s closed", userID)
		return
	}
	r.typing.Cancel(userID)

	log.Printf("relay: user=%s offline (online=%d)", userID, r.registry.Count())
	if r.observer != nil {
		r.observer.UserOffline(userID)
	}
}

// HandleTyping applies a typing event from conn. Anonymous connections have
// no sender identity and are ignored, as are events from a connection that is
// no longer the sender's registered one. Rate limiting only applies to
// typing=true so a stop signal is never lost.
func (r *Relay) HandleTyping(ctx context.Context, conn Conn, msg protocol.TypingMsg) {
	senderID := conn.UserID()
	if senderID == "" || msg.ReceiverID == "" {
		return
	}

	if msg.IsTyping && r.limiter != nil {
		if ok, _ := r.limiter.Allow(ctx, protocol.TypeTyping, senderID); !ok {
			metrics.RateLimited.WithLabelValues(protocol.TypeTyping).Inc()
			return
		}
	}

	if !r.typing.TypingFrom(conn, senderID, msg.ReceiverID, msg.IsTyping) {
		log.Printf("relay: dropped typing from unregistered connection user=%s", senderID)
	}
}

// HandleSendMessage validates and routes a direct message from conn. A
// registered connection always sends as its handshake identity; anonymous
// connections keep the client-supplied senderId.
func (r *Relay) HandleSendMessage(ctx context.Context, conn Conn, msg protocol.SendMessageMsg) {
	chat := msg.ChatMessage
	if userID := conn.UserID(); userID != "" {
		chat.SenderID = userID
	}

	if err := ValidateMessage(chat); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		r.sendError(conn, "invalid_message", err.Error())
		return
	}

	if r.limiter != nil && chat.SenderID != "" {
		if ok, retryAfter := r.limiter.Allow(ctx, protocol.TypeSendMessage, chat.SenderID); !ok {
			metrics.RateLimited.WithLabelValues(protocol.TypeSendMessage).Inc()
			r.sendRateLimited(conn, retryAfter)
			return
		}
	}

	r.router.Route(conn, chat)
}

// Close cancels every outstanding typing timer. The registry is left as is;
// connections are torn down by the transport.
func (r *Relay) Close() {
	r.typing.CancelAll()
}

func (r *Relay) sendError(conn Conn, code, message string) {
	data, err := protocol.Error(code, message)
	if err != nil {
		log.Printf("relay: failed to build error message: %v", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("relay: failed to send error message user=%s: %v", conn.UserID(), err)
	}
}

func (r *Relay) sendRateLimited(conn Conn, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: secs})
	if err != nil {
		log.Printf("relay: failed to build rateLimited message: %v", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("relay: failed to send rateLimited user=%s: %v", conn.UserID(), err)
	}
}
