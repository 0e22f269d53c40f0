package relay

import (
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/whisper/presence-relay/internal/metrics"
	"github.com/whisper/presence-relay/internal/protocol"
)

const (
	// MaxMessageBytes caps the UTF-8 encoded size of a message's text.
	MaxMessageBytes = 4096
	// MaxTextChars caps the number of characters in a message's text.
	MaxTextChars = 2000
)

// ErrMissingReceiver is returned by ValidateMessage when receiverId is empty.
var ErrMissingReceiver = errors.New("message has no receiver")

// ValidateMessage checks that a direct message is routable and within size
// limits. Image-only messages are allowed.
func ValidateMessage(msg protocol.ChatMessage) error {
	if msg.ReceiverID == "" {
		return ErrMissingReceiver
	}
	if msg.Text == "" && msg.Image == "" {
		return fmt.Errorf("message has neither text nor image")
	}
	if len(msg.Text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(msg.Text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(msg.Text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// Router delivers direct messages to the receiver's live connection and
// acknowledges every routed message back to its sender.
type Router struct {
	registry *Registry
	observer Observer
	now      func() time.Time
}

// NewRouter creates a Router resolving receivers through registry. observer
// may be nil.
func NewRouter(registry *Registry, observer Observer) *Router {
	return &Router{
		registry: registry,
		observer: observer,
		now:      time.Now,
	}
}

// Route sends newMessage to the receiver when online and always sends
// messageConfirmed to from. It reports whether the receiver was reached.
// The confirmation means the relay processed the message, not that it was
// delivered.
func (r *Router) Route(from Sink, msg protocol.ChatMessage) bool {
	if msg.CreatedAt == "" {
		msg.CreatedAt = r.now().UTC().Format(time.RFC3339Nano)
	}

	delivered := false
	if sink, ok := r.registry.Lookup(msg.ReceiverID); ok {
		data, err := protocol.MessageEvent(protocol.TypeNewMessage, msg)
		if err != nil {
			log.Printf("relay: failed to build newMessage from=%s: %v", msg.SenderID, err)
		} else if err := sink.WriteMessage(data); err != nil {
			log.Printf("relay: newMessage to user=%s failed: %v", msg.ReceiverID, err)
		} else {
			delivered = true
		}
	}

	if delivered {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
	}

	data, err := protocol.MessageEvent(protocol.TypeMessageConfirmed, msg)
	if err != nil {
		log.Printf("relay: failed to build messageConfirmed from=%s: %v", msg.SenderID, err)
	} else if err := from.WriteMessage(data); err != nil {
		log.Printf("relay: messageConfirmed to user=%s failed: %v", msg.SenderID, err)
	}

	if r.observer != nil {
		r.observer.MessageRelayed(msg, delivered)
	}
	return delivered
}
