// Package protocol defines the WebSocket events exchanged between chat clients
// and the relay. All events are JSON text frames that carry a "type"
// discriminator alongside their payload fields.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeTyping      = "typing"
	TypeSendMessage = "sendMessage"
	TypePing        = "ping"
)

// Server -> Client event types.
const (
	TypeGetOnlineUsers   = "getOnlineUsers"
	TypeUserTyping       = "userTyping"
	TypeNewMessage       = "newMessage"
	TypeMessageConfirmed = "messageConfirmed"
	TypeRateLimited      = "rateLimited"
	TypeError            = "error"
	TypePong             = "pong"
)

// HandshakeUserIDParam is the query parameter carrying the connecting user's
// identity on the upgrade request.
const HandshakeUserIDParam = "userId"

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type" field
// so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payloads
// ---------------------------------------------------------------------------

// ChatMessage is a direct message in transit. It is relayed verbatim to the
// receiver as newMessage and echoed to the sender as messageConfirmed.
type ChatMessage struct {
	ID         string `json:"_id,omitempty"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text,omitempty"`
	Image      string `json:"image,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"` // RFC 3339
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// TypingMsg reports that the client started or stopped composing a message to
// ReceiverID.
type TypingMsg struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// SendMessageMsg asks the relay to deliver a direct message.
type SendMessageMsg struct {
	Type string `json:"type"`
	ChatMessage
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// OnlineUsersMsg is the full presence snapshot. It is never a diff.
type OnlineUsersMsg struct {
	Type    string   `json:"type"`
	UserIDs []string `json:"userIds"`
}

// UserTypingMsg tells the receiver that UserID started or stopped typing to
// them.
type UserTypingMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// MessageEventMsg carries a relayed ChatMessage. It is used for both
// newMessage and messageConfirmed.
type MessageEventMsg struct {
	Type string `json:"type"`
	ChatMessage
}

// RateLimitedMsg is sent when the client exceeded a per-user rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type, the decoded struct, and any parse error. Unknown
// or server-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates the JSON bytes for a server event. msgType is
// injected under the "type" key, overriding whatever the payload carried.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// OnlineUsers builds a getOnlineUsers event. A nil slice is encoded as an
// empty array so clients never see null.
func OnlineUsers(userIDs []string) ([]byte, error) {
	if userIDs == nil {
		userIDs = []string{}
	}
	return NewServerMessage(TypeGetOnlineUsers, OnlineUsersMsg{UserIDs: userIDs})
}

// UserTyping builds a userTyping event.
func UserTyping(userID string, isTyping bool) ([]byte, error) {
	return NewServerMessage(TypeUserTyping, UserTypingMsg{UserID: userID, IsTyping: isTyping})
}

// MessageEvent builds a newMessage or messageConfirmed event for msg.
func MessageEvent(msgType string, msg ChatMessage) ([]byte, error) {
	return NewServerMessage(msgType, MessageEventMsg{ChatMessage: msg})
}

// Error builds an error event.
func Error(code, message string) ([]byte, error) {
	return NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
}
