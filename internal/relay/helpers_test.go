package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// fakeConn records every frame written to it.
type fakeConn struct {
	user string

	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func newFakeConn(user string) *fakeConn {
	return &fakeConn{user: user}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) UserID() string { return c.user }

// events returns the decoded frames of the given type, oldest first.
func (c *fakeConn) events(msgType string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []map[string]interface{}
	for _, f := range c.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err != nil {
			continue
		}
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// lastOnline returns the userIds of the most recent getOnlineUsers frame.
func (c *fakeConn) lastOnline() []string {
	evts := c.events("getOnlineUsers")
	if len(evts) == 0 {
		return nil
	}
	raw, _ := evts[len(evts)-1]["userIds"].([]interface{})
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		ids = append(ids, v.(string))
	}
	return ids
}

// fakeHub stands in for the transport's connection manager.
type fakeHub struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (h *fakeHub) add(c *fakeConn) {
	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.mu.Unlock()
}

func (h *fakeHub) remove(c *fakeConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, x := range h.conns {
		if x == c {
			h.conns = append(h.conns[:i], h.conns[i+1:]...)
			return
		}
	}
}

func (h *fakeHub) Broadcast(msg []byte) {
	h.mu.Lock()
	conns := append([]*fakeConn(nil), h.conns...)
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.WriteMessage(msg)
	}
}

// fakeClock hands out manually fired timers.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	mu      sync.Mutex
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) stopper {
	t := &fakeTimer{d: d, f: f}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

// fire runs every timer that has not been stopped or fired yet.
func (c *fakeClock) fire() int {
	c.mu.Lock()
	timers := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()

	n := 0
	for _, t := range timers {
		t.mu.Lock()
		run := !t.stopped && !t.fired
		t.fired = true
		t.mu.Unlock()
		if run {
			t.f()
			n++
		}
	}
	return n
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// testRelay builds a Relay on a fakeHub with a manual clock.
func testRelay(limiter Limiter) (*Relay, *fakeHub, *fakeClock) {
	hub := &fakeHub{}
	clock := &fakeClock{}
	r := New(DefaultConfig(), hub, nil, limiter)
	r.typing.afterFunc = clock.afterFunc
	return r, hub, clock
}

// connect simulates the transport: the connection joins the hub, then the
// relay is told about it.
func connect(r *Relay, hub *fakeHub, user string) *fakeConn {
	c := newFakeConn(user)
	hub.add(c)
	r.Connect(c)
	return c
}

func disconnect(r *Relay, hub *fakeHub, c *fakeConn) {
	hub.remove(c)
	r.Disconnect(c)
}

func equalIDs(a, b []string) bool {
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
