package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and removes
// leftover test sessions. Tests that call this helper require a running Redis
// on localhost:6379.
func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		iter := client.Scan(ctx, 0, SessionPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStoreWithClient(client, "relay-test"), client
}

func TestCreateAndGet(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_conn1", "u1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := store.Get(ctx, "test_conn1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil {
		t.Fatal("expected a session, got nil")
	}
	if got.UserID != "u1" || got.Server != "relay-test" {
		t.Errorf("unexpected session: %+v", got)
	}
	if got.CreatedAt == 0 || got.LastActive == 0 {
		t.Errorf("expected timestamps, got %+v", got)
	}

	ttl, err := client.TTL(ctx, SessionPrefix+"test_conn1").Result()
	if err != nil {
		t.Fatalf("TTL error: %v", err)
	}
	if ttl <= 0 || ttl > SessionTTL {
		t.Errorf("expected TTL within (0, %s], got %s", SessionTTL, ttl)
	}
}

func TestAnonymousSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_anon", ""); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	got, err := store.Get(ctx, "test_anon")
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if got.UserID != "" {
		t.Errorf("expected empty user id, got %q", got.UserID)
	}
}

func TestGet_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.Get(context.Background(), "test_missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestTouch_DoesNotRecreate(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_live", "u1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := store.Touch(ctx, "test_live", "test_gone"); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}

	n, err := client.Exists(ctx, SessionPrefix+"test_gone").Result()
	if err != nil {
		t.Fatalf("Exists error: %v", err)
	}
	if n != 0 {
		t.Error("Touch must not recreate an expired session")
	}
	if got, _ := store.Get(ctx, "test_live"); got == nil {
		t.Error("expected the live session to survive Touch")
	}
}

func TestDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_ = store.Create(ctx, "test_del", "u1")
	if err := store.Delete(ctx, "test_del"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if got, _ := store.Get(ctx, "test_del"); got != nil {
		t.Errorf("expected session to be gone, got %+v", got)
	}
}
