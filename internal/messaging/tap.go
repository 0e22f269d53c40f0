package messaging

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/whisper/presence-relay/internal/protocol"
)

// Publisher is the subset of NATSClient the tap needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Presence transition statuses carried by UserEvent.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// OnlineEvent is published on presence.online after every presence broadcast.
type OnlineEvent struct {
	UserIDs []string `json:"userIds"`
	Server  string   `json:"server"`
	At      int64    `json:"at"` // unix millis
}

// UserEvent is published on presence.user.<id> when a user comes online or
// goes offline. Reconnects of an already online user are not reported.
type UserEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
	Server string `json:"server"`
	At     int64  `json:"at"`
}

// RelayedEvent is published on chat.relayed.<receiver> for every accepted
// direct message, delivered or not, so a persistence or push service can
// pick up messages for offline receivers.
type RelayedEvent struct {
	Message   protocol.ChatMessage `json:"message"`
	Delivered bool                 `json:"delivered"`
	Server    string               `json:"server"`
	At        int64                `json:"at"`
}

// EventTap publishes relay events to NATS. It satisfies the relay's Observer
// interface. Publishing is fire-and-forget; failures are logged and never
// affect the relay.
type EventTap struct {
	pub    Publisher
	server string
	now    func() time.Time
}

// NewEventTap creates a tap that tags every event with serverName.
func NewEventTap(pub Publisher, serverName string) *EventTap {
	return &EventTap{pub: pub, server: serverName, now: time.Now}
}

// OnlineUsers publishes the full online snapshot.
func (t *EventTap) OnlineUsers(userIDs []string) {
	if userIDs == nil {
		userIDs = []string{}
	}
	t.publish(SubjectPresenceOnline, OnlineEvent{
		UserIDs: userIDs,
		Server:  t.server,
		At:      t.now().UnixMilli(),
	})
}

// UserOnline publishes an online transition for userID.
func (t *EventTap) UserOnline(userID string) {
	t.userEvent(userID, StatusOnline)
}

// UserOffline publishes an offline transition for userID.
func (t *EventTap) UserOffline(userID string) {
	t.userEvent(userID, StatusOffline)
}

// MessageRelayed publishes a relayed-message notice addressed by receiver.
func (t *EventTap) MessageRelayed(msg protocol.ChatMessage, delivered bool) {
	t.publish(SubjectChatRelayed+"."+subjectToken(msg.ReceiverID), RelayedEvent{
		Message:   msg,
		Delivered: delivered,
		Server:    t.server,
		At:        t.now().UnixMilli(),
	})
}

func (t *EventTap) userEvent(userID, status string) {
	t.publish(SubjectPresenceUser+"."+subjectToken(userID), UserEvent{
		UserID: userID,
		Status: status,
		Server: t.server,
		At:     t.now().UnixMilli(),
	})
}

func (t *EventTap) publish(subject string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[nats] marshal %s event: %v", subject, err)
		return
	}
	if err := t.pub.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

// subjectToken makes an id safe to use as a single NATS subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}
