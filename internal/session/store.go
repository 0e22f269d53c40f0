package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis. Live
	// connections are refreshed by the heartbeat well before it runs out.
	SessionTTL = 1 * time.Hour
)

// touchScript refreshes a session only if it still exists.
const touchScript = `if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("HSET", KEYS[1], "last_active", ARGV[1])
  redis.call("EXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0`

// Session is the Redis view of one connection.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`     // empty for anonymous observers
	Server     string `redis:"server"`      // which relay instance holds the socket
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session for connID with a 1h TTL.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// Touch bumps last_active and the TTL of every given session in a single
// pipeline. Sessions that already expired are not recreated.
func (s *Store) Touch(ctx context.Context, connIDs ...string) error {
	if len(connIDs) == 0 {
		return nil
	}

	now := time.Now().Unix()
	ttl := int64(SessionTTL / time.Second)
	pipe := s.client.Pipeline()
	for _, id := range connIDs {
		pipe.Eval(ctx, touchScript, []string{SessionPrefix + id}, now, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client so the rate limiter can share
// the connection pool.
func (s *Store) Client() *redis.Client {
	return s.client
}
