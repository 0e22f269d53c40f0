// Package wsclient is a small WebSocket client for the relay protocol. It
// connects with gobwas/ws (the same library the server uses), decodes server
// events, and is shared by the relayprobe CLI and the transport's end-to-end
// tests.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/presence-relay/internal/protocol"
)

// ErrClosed is returned by Next and Expect once the connection is gone.
var ErrClosed = errors.New("wsclient: connection closed")

// Event is a single decoded server frame.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the full event into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Raw, v)
}

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents a single connection to the relay. Incoming events are
// passed to the handler registered for their type, if any, and are always
// queued for Next and Expect.
type Client struct {
	conn      net.Conn
	userID    string
	writeMu   sync.Mutex
	mu        sync.Mutex // protects metrics and handlers
	metrics   Metrics
	handlers  map[string]func(Event)
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at baseURL (e.g. ws://localhost:8080/ws) as
// userID. An empty userID connects as an anonymous observer.
func Dial(ctx context.Context, baseURL, userID string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("wsclient: parse url: %w", err)
	}
	if userID != "" {
		q := u.Query()
		q.Set(protocol.HandshakeUserIDParam, userID)
		u.RawQuery = q.Encode()
	}

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(Event)),
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// UserID returns the identity the client connected with.
func (c *Client) UserID() string {
	return c.userID
}

// Send marshals msg as JSON and writes it as a text frame. It is
// goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsclient: marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// Typing sends a typing event for receiverID.
func (c *Client) Typing(receiverID string, isTyping bool) error {
	return c.Send(protocol.TypingMsg{
		Type:       protocol.TypeTyping,
		ReceiverID: receiverID,
		IsTyping:   isTyping,
	})
}

// SendMessage sends a direct message to receiverID. senderId is filled from
// the client's identity.
func (c *Client) SendMessage(receiverID, text string) error {
	return c.Send(protocol.SendMessageMsg{
		Type: protocol.TypeSendMessage,
		ChatMessage: protocol.ChatMessage{
			SenderID:   c.userID,
			ReceiverID: receiverID,
			Text:       text,
		},
	})
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.Send(protocol.PingMsg{Type: protocol.TypePing})
}

// On registers a handler for a server event type. Handlers run on the read
// loop goroutine and must not block. Registering a second handler for the
// same type replaces the first.
func (c *Client) On(eventType string, handler func(Event)) {
	c.mu.Lock()
	c.handlers[eventType] = handler
	c.mu.Unlock()
}

// Next returns the next queued event.
func (c *Client) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case e, ok := <-c.events:
		if !ok {
			return Event{}, ErrClosed
		}
		return e, nil
	}
}

// Expect discards queued events until one of the given type arrives.
func (c *Client) Expect(ctx context.Context, eventType string) (Event, error) {
	for {
		e, err := c.Next(ctx)
		if err != nil {
			return Event{}, fmt.Errorf("wsclient: waiting for %s: %w", eventType, err)
		}
		if e.Type == eventType {
			return e, nil
		}
	}
}

// Metrics returns a copy of the client's counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		e := Event{Type: envelope.Type, Raw: json.RawMessage(data)}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[e.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(e)
		}

		select {
		case c.events <- e:
		case <-c.done:
			return
		default:
			// Queue full; nobody is draining it.
		}
	}
}
