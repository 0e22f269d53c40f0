package ws

import (
	"context"
	"time"

	"github.com/whisper/presence-relay/internal/protocol"
	"github.com/whisper/presence-relay/internal/relay"
)

// handlerTimeout bounds the Redis round trips (rate limiting) a single client
// event may cost.
const handlerTimeout = 2 * time.Second

// BindRelay connects the server's connection lifecycle and the dispatcher's
// typing and sendMessage handlers to r.
func BindRelay(server *Server, dispatcher *MessageDispatcher, r *relay.Relay) {
	server.SetOnConnect(func(c *Connection) {
		r.Connect(c)
	})
	server.SetOnDisconnect(func(c *Connection) {
		r.Disconnect(c)
	})

	dispatcher.Register(protocol.TypeTyping, func(c *Connection, msg interface{}) {
		m, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		r.HandleTyping(ctx, c, m)
	})

	dispatcher.Register(protocol.TypeSendMessage, func(c *Connection, msg interface{}) {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		r.HandleSendMessage(ctx, c, m)
	})
}
