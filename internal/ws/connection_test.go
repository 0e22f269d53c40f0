package ws

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// pipeConn returns a server-side Connection over net.Pipe and a channel that
// receives every text frame written to it.
func pipeConn(t *testing.T, id, userID string) (*Connection, <-chan string) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	frames := make(chan string, 16)
	go func() {
		defer close(frames)
		for {
			data, op, err := wsutil.ReadServerData(client)
			if err != nil {
				return
			}
			if op == ws.OpText {
				frames <- string(data)
			}
		}
	}()

	return NewConnection(id, server, userID, time.Second), frames
}

func nextFrame(t *testing.T, frames <-chan string) string {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("connection closed before a frame arrived")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return ""
}

func TestConnection_UserID(t *testing.T) {
	c, _ := pipeConn(t, "c1", "u1")
	if c.UserID() != "u1" {
		t.Errorf("expected u1, got %q", c.UserID())
	}

	anon, _ := pipeConn(t, "c2", "")
	if anon.UserID() != "" {
		t.Errorf("expected anonymous, got %q", anon.UserID())
	}
}

func TestConnection_Touch(t *testing.T) {
	c, _ := pipeConn(t, "c1", "u1")
	before := c.LastActive()

	time.Sleep(2 * time.Millisecond)
	c.Touch()

	if !c.LastActive().After(before) {
		t.Errorf("expected LastActive to advance, got %s then %s", before, c.LastActive())
	}
}

func TestConnectionManager_AddGetRemove(t *testing.T) {
	cm := NewConnectionManager()
	a, _ := pipeConn(t, "a", "u1")
	b, _ := pipeConn(t, "b", "")

	cm.Add(a)
	cm.Add(b)

	if cm.Count() != 2 {
		t.Fatalf("expected 2 connections, got %d", cm.Count())
	}
	if cm.Get("a") != a {
		t.Error("Get(a) returned the wrong connection")
	}
	if len(cm.All()) != 2 {
		t.Errorf("expected All() to return 2, got %d", len(cm.All()))
	}

	if !cm.Remove("a") {
		t.Fatal("expected Remove(a) to succeed")
	}
	if cm.Remove("a") {
		t.Error("second Remove(a) must report false")
	}
	if cm.Get("a") != nil {
		t.Error("expected a to be gone")
	}
	if cm.Count() != 1 {
		t.Errorf("expected 1 connection, got %d", cm.Count())
	}
}

func TestConnectionManager_BroadcastReachesAll(t *testing.T) {
	cm := NewConnectionManager()
	a, fa := pipeConn(t, "a", "u1")
	b, fb := pipeConn(t, "b", "")
	cm.Add(a)
	cm.Add(b)

	cm.Broadcast([]byte(`{"type":"getOnlineUsers","userIds":["u1"]}`))

	for _, frames := range []<-chan string{fa, fb} {
		if got := nextFrame(t, frames); got != `{"type":"getOnlineUsers","userIds":["u1"]}` {
			t.Errorf("unexpected frame %s", got)
		}
	}
}

func TestConnectionManager_BroadcastSkipsBrokenConnection(t *testing.T) {
	cm := NewConnectionManager()
	broken, _ := pipeConn(t, "broken", "u1")
	healthy, frames := pipeConn(t, "healthy", "u2")
	broken.Close()
	cm.Add(broken)
	cm.Add(healthy)

	cm.Broadcast([]byte(`{"type":"pong"}`))

	if got := nextFrame(t, frames); got != `{"type":"pong"}` {
		t.Errorf("unexpected frame %s", got)
	}
}
