package relay

import (
	"testing"
	"time"

	"github.com/whisper/presence-relay/internal/protocol"
)

// typingFixture registers sender u1 and receivers u2, u3 on a coordinator
// driven by a manual clock.
func typingFixture() (*TypingCoordinator, *fakeClock, *fakeConn, *fakeConn) {
	reg := NewRegistry()
	u2, u3 := newFakeConn("u2"), newFakeConn("u3")
	reg.Register("u1", newFakeConn("u1"))
	reg.Register("u2", u2)
	reg.Register("u3", u3)

	clock := &fakeClock{}
	tc := NewTypingCoordinator(reg, 0)
	tc.afterFunc = clock.afterFunc
	return tc, clock, u2, u3
}

// typingStates returns the isTyping values u1 sent to c, in order.
func typingStates(c *fakeConn) []bool {
	var out []bool
	for _, e := range c.events(protocol.TypeUserTyping) {
		if e["userId"] != "u1" {
			continue
		}
		out = append(out, e["isTyping"].(bool))
	}
	return out
}

func equalBools(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTyping_StartNotifiesReceiver(t *testing.T) {
	tc, clock, u2, u3 := typingFixture()

	tc.Typing("u1", "u2", true)

	if got := typingStates(u2); !equalBools(got, []bool{true}) {
		t.Fatalf("expected [true], got %v", got)
	}
	if len(typingStates(u3)) != 0 {
		t.Error("typing must only reach the receiver")
	}
	if receiver, ok := tc.IsTyping("u1"); !ok || receiver != "u2" {
		t.Errorf("expected u1 typing to u2, got %q %v", receiver, ok)
	}
	if d := clock.last().d; d != DefaultTypingExpiry {
		t.Errorf("expected expiry %s, got %s", DefaultTypingExpiry, d)
	}
}

func TestTyping_ExpiryFiresOnce(t *testing.T) {
	tc, clock, u2, _ := typingFixture()

	tc.Typing("u1", "u2", true)
	if n := clock.fire(); n != 1 {
		t.Fatalf("expected 1 timer to fire, got %d", n)
	}
	if n := clock.fire(); n != 0 {
		t.Fatalf("expected no further timers, got %d", n)
	}

	if got := typingStates(u2); !equalBools(got, []bool{true, false}) {
		t.Fatalf("expected [true false], got %v", got)
	}
	if tc.Len() != 0 {
		t.Errorf("expected idle after expiry, %d senders typing", tc.Len())
	}
}

func TestTyping_RetypeResetsTimer(t *testing.T) {
	tc, clock, u2, _ := typingFixture()

	tc.Typing("u1", "u2", true)
	first := clock.last()
	tc.Typing("u1", "u2", true)

	if clock.count() != 2 {
		t.Fatalf("expected 2 timers created, got %d", clock.count())
	}
	if !first.stopped {
		t.Error("expected the first timer to be stopped")
	}

	// Only the latest timer is live, so exactly one false follows.
	if n := clock.fire(); n != 1 {
		t.Fatalf("expected 1 live timer, got %d", n)
	}
	if got := typingStates(u2); !equalBools(got, []bool{true, true, false}) {
		t.Fatalf("expected [true true false], got %v", got)
	}
}

func TestTyping_StaleTimerCallbackIsIgnored(t *testing.T) {
	tc, clock, u2, _ := typingFixture()

	tc.Typing("u1", "u2", true)
	stale := clock.last()
	tc.Typing("u1", "u2", true)

	// The replaced timer's callback was already running when Stop was called.
	stale.f()

	if got := typingStates(u2); !equalBools(got, []bool{true, true}) {
		t.Fatalf("stale expiry must not clear newer state, got %v", got)
	}
	if _, ok := tc.IsTyping("u1"); !ok {
		t.Error("expected u1 to still be typing")
	}
}

func TestTyping_ExplicitStop(t *testing.T) {
	tc, clock, u2, _ := typingFixture()

	tc.Typing("u1", "u2", true)
	tc.Typing("u1", "u2", false)

	if got := typingStates(u2); !equalBools(got, []bool{true, false}) {
		t.Fatalf("expected [true false], got %v", got)
	}
	if n := clock.fire(); n != 0 {
		t.Errorf("expected the timer to be cancelled, %d fired", n)
	}
	if got := typingStates(u2); len(got) != 2 {
		t.Errorf("no extra notification expected after stop, got %v", got)
	}
}

func TestTyping_StopWhileIdleStillRelayed(t *testing.T) {
	tc, _, u2, _ := typingFixture()

	tc.Typing("u1", "u2", false)

	if got := typingStates(u2); !equalBools(got, []bool{false}) {
		t.Fatalf("expected [false], got %v", got)
	}
}

func TestTyping_SwitchReceiver(t *testing.T) {
	tc, clock, u2, u3 := typingFixture()

	tc.Typing("u1", "u2", true)
	tc.Typing("u1", "u3", true)

	if got := typingStates(u2); !equalBools(got, []bool{true, false}) {
		t.Errorf("previous receiver: expected [true false], got %v", got)
	}
	if got := typingStates(u3); !equalBools(got, []bool{true}) {
		t.Errorf("new receiver: expected [true], got %v", got)
	}

	clock.fire()
	if got := typingStates(u3); !equalBools(got, []bool{true, false}) {
		t.Errorf("expiry must reach the last receiver, got %v", got)
	}
	if got := typingStates(u2); len(got) != 2 {
		t.Errorf("previous receiver must not hear the expiry, got %v", got)
	}
}

func TestTyping_CancelSendsNothing(t *testing.T) {
	tc, clock, u2, _ := typingFixture()

	tc.Typing("u1", "u2", true)
	tc.Cancel("u1")

	if n := clock.fire(); n != 0 {
		t.Fatalf("expected cancelled timer, %d fired", n)
	}
	if got := typingStates(u2); !equalBools(got, []bool{true}) {
		t.Fatalf("expected only [true], got %v", got)
	}

	// Cancelling an idle sender is a no-op.
	tc.Cancel("u1")
	tc.Cancel("nobody")
}

func TestTyping_OfflineReceiverDropped(t *testing.T) {
	tc, clock, _, _ := typingFixture()

	tc.Typing("u1", "offline", true)

	if _, ok := tc.IsTyping("u1"); !ok {
		t.Error("typing state is tracked even when the receiver is offline")
	}
	clock.fire()
	if tc.Len() != 0 {
		t.Error("expected expiry to clear state")
	}
}

func TestTyping_CancelAll(t *testing.T) {
	tc, clock, _, _ := typingFixture()

	tc.Typing("u1", "u2", true)
	tc.Typing("u3", "u2", true)
	tc.CancelAll()

	if tc.Len() != 0 {
		t.Fatalf("expected no typers, got %d", tc.Len())
	}
	if n := clock.fire(); n != 0 {
		t.Errorf("expected all timers stopped, %d fired", n)
	}
}

func TestTyping_RealTimerExpiry(t *testing.T) {
	reg := NewRegistry()
	u2 := newFakeConn("u2")
	reg.Register("u2", u2)
	tc := NewTypingCoordinator(reg, 200*time.Millisecond)

	tc.Typing("u1", "u2", true)
	time.Sleep(100 * time.Millisecond)
	tc.Typing("u1", "u2", true) // debounce
	time.Sleep(100 * time.Millisecond)

	// 200ms after the first event but only 100ms after the last one.
	if got := typingStates(u2); !equalBools(got, []bool{true, true}) {
		t.Fatalf("expiry fired early: %v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(typingStates(u2)) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := typingStates(u2); !equalBools(got, []bool{true, true, false}) {
		t.Fatalf("expected [true true false], got %v", got)
	}
}

func TestTyping_FromUnregisteredOwnerDropped(t *testing.T) {
	tc, clock, u2, _ := typingFixture()

	if tc.TypingFrom(newFakeConn("u1"), "u1", "u2", true) {
		t.Fatal("expected an event from a connection that is not registered to be dropped")
	}
	if tc.Len() != 0 || clock.count() != 0 {
		t.Errorf("expected no state and no timer, got len=%d timers=%d", tc.Len(), clock.count())
	}
	if got := typingStates(u2); len(got) != 0 {
		t.Errorf("expected no notifications, got %v", got)
	}
}

func TestTyping_ExpiryAfterSenderLeftIsSilent(t *testing.T) {
	tc, clock, u2, _ := typingFixture()

	tc.Typing("u1", "u2", true)
	tc.registry.Unregister("u1")
	clock.fire()

	if got := typingStates(u2); !equalBools(got, []bool{true}) {
		t.Errorf("expected only the start notification, got %v", got)
	}
	if tc.Len() != 0 {
		t.Errorf("expected the entry to be cleared, got %d", tc.Len())
	}
}
