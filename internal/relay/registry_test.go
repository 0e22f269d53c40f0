package relay

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("u1")

	r.Register("u1", c)

	got, ok := r.Lookup("u1")
	if !ok {
		t.Fatal("expected u1 to be registered")
	}
	if got != Sink(c) {
		t.Error("lookup returned a different connection")
	}
	if _, ok := r.Lookup("u2"); ok {
		t.Error("expected u2 to be absent")
	}
}

func TestRegistry_ReconnectOverwrites(t *testing.T) {
	r := NewRegistry()
	old := newFakeConn("u1")
	newer := newFakeConn("u1")

	r.Register("u1", old)
	r.Register("u2", newFakeConn("u2"))
	r.Register("u1", newer)

	if r.Count() != 2 {
		t.Fatalf("expected 2 entries, got %d", r.Count())
	}
	got, _ := r.Lookup("u1")
	if got != Sink(newer) {
		t.Error("expected the newest connection to win")
	}
	// Reconnect keeps the original position.
	if ids := r.Snapshot(); !equalIDs(ids, []string{"u1", "u2"}) {
		t.Errorf("unexpected snapshot order: %v", ids)
	}
}

func TestRegistry_UnregisterAbsentIsNoop(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.SetOnChange(func() { calls++ })

	if r.Unregister("ghost") {
		t.Error("expected false for an absent user")
	}
	if calls != 0 {
		t.Errorf("expected no change notification, got %d", calls)
	}
}

func TestRegistry_NotifiesOnEveryMutation(t *testing.T) {
	r := NewRegistry()
	var snapshots [][]string
	r.SetOnChange(func() { snapshots = append(snapshots, r.Snapshot()) })

	r.Register("u1", newFakeConn("u1"))
	r.Register("u2", newFakeConn("u2"))
	r.Unregister("u1")

	want := [][]string{{"u1"}, {"u1", "u2"}, {"u2"}}
	if len(snapshots) != len(want) {
		t.Fatalf("expected %d notifications, got %d", len(want), len(snapshots))
	}
	for i := range want {
		if !equalIDs(snapshots[i], want[i]) {
			t.Errorf("notification %d: expected %v, got %v", i, want[i], snapshots[i])
		}
	}
}

func TestRegistry_UnregisterConnIgnoresSuperseded(t *testing.T) {
	r := NewRegistry()
	old := newFakeConn("u1")
	newer := newFakeConn("u1")
	r.Register("u1", old)
	r.Register("u1", newer)

	if r.UnregisterConn("u1", old) {
		t.Fatal("superseded connection must not unregister the user")
	}
	if _, ok := r.Lookup("u1"); !ok {
		t.Fatal("expected u1 to remain registered")
	}
	if !r.UnregisterConn("u1", newer) {
		t.Fatal("current connection should unregister the user")
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
}

func TestRegistry_SnapshotRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.Register(id, newFakeConn(id))
	}
	r.Unregister("a")
	r.Register("a", newFakeConn("a"))

	if ids := r.Snapshot(); !equalIDs(ids, []string{"c", "b", "a"}) {
		t.Errorf("unexpected snapshot: %v", ids)
	}
}

func TestRegistry_ConcurrentMutations(t *testing.T) {
	r := NewRegistry()
	const users = 200

	var wg sync.WaitGroup
	wg.Add(users)
	for i := 0; i < users; i++ {
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("user-%d", i)
			r.Register(id, newFakeConn(id))
			if i%2 == 0 {
				r.Unregister(id)
			}
			_ = r.Snapshot()
		}(i)
	}
	wg.Wait()

	if r.Count() != users/2 {
		t.Fatalf("expected %d users, got %d", users/2, r.Count())
	}
	seen := make(map[string]bool)
	for _, id := range r.Snapshot() {
		if seen[id] {
			t.Fatalf("duplicate id %q in snapshot", id)
		}
		seen[id] = true
	}
}
