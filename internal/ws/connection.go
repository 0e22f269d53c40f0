package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/presence-relay/internal/metrics"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID           string        // connection ID (UUID)
	Conn         net.Conn      // underlying TCP connection
	Fd           int           // file descriptor, -1 off Linux
	CreatedAt    time.Time     // when the connection was established
	userID       string        // handshake identity, empty for anonymous observers
	writeTimeout time.Duration // per-frame write deadline, 0 = none
	writeMu      sync.Mutex    // serializes writes to this connection
	lastActive   atomic.Int64  // unix nanos of the last frame read from the client
	processing   int32         // atomic flag: 0 = idle, 1 = being read by handleConn

	// lifecycle orders the onConnect callback before onDisconnect. A
	// connection removed while pending never had onConnect run, so it gets
	// no onDisconnect either.
	lifecycle sync.Mutex
	pending   bool
	removed   bool
}

// NewConnection wraps conn. userID may be empty.
func NewConnection(id string, conn net.Conn, userID string, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		userID:       userID,
		writeTimeout: writeTimeout,
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

// UserID returns the identity the client connected with, or "" for an
// anonymous connection.
func (c *Connection) UserID() string {
	return c.userID
}

// Touch records client activity for the heartbeat.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the client last sent a frame.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes, and
// the write deadline keeps a stalled client from blocking the sender.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe index of every live connection, keyed by
// connection ID and by the underlying net.Conn that the poller hands back. It
// knows nothing about user ids; that mapping belongs to the relay registry.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection id -> Connection
	byConn map[net.Conn]*Connection // poller handle -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	n := len(cm.byID)
	cm.mu.Unlock()

	metrics.ConnectionsTotal.Set(float64(n))
}

// Remove removes a connection by ID and closes it. It returns true if the
// connection was found, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	n := len(cm.byID)
	cm.mu.Unlock()

	if ok {
		conn.Close()
		metrics.ConnectionsTotal.Set(float64(n))
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn, or nil if
// not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast sends a message to all connected clients, anonymous ones
// included. Errors on individual connections are ignored; a broken connection
// is cleaned up when its next read fails or the heartbeat evicts it.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
