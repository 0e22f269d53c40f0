//go:build !linux

package ws

import (
	"net"
	"sync"
	"syscall"
	"time"
)

// Epoll is the portable stand-in for the Linux poller, used for local
// development on macOS and Windows. Each connection gets a goroutine that
// waits for readability through the runtime poller without consuming any
// bytes, then hands the connection to Wait.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> stop signal for its monitor
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn. It must implement syscall.Conn.
func (e *Epoll) Add(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return syscall.EINVAL
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	e.mu.Lock()
	e.conns[conn] = stop
	e.mu.Unlock()

	go e.monitor(conn, raw, stop)
	return nil
}

// monitor signals conn as ready every time the runtime reports it readable.
// raw.Read calls the callback once, and when it returns false parks until the
// socket is readable and calls it again; nothing is read from the socket.
func (e *Epoll) monitor(conn net.Conn, raw syscall.RawConn, stop chan struct{}) {
	for {
		first := true
		err := raw.Read(func(uintptr) bool {
			if first {
				first = false
				return false
			}
			return true
		})

		select {
		case e.readyCh <- conn:
		case <-stop:
			return
		case <-e.done:
			return
		}

		if err != nil {
			// Closed; the read path has been told and will clean up.
			return
		}

		// Give the worker a moment to drain the frame before polling again.
		select {
		case <-time.After(time.Millisecond):
		case <-stop:
			return
		case <-e.done:
			return
		}
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	stop, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()

	if ok {
		close(stop)
	}
	return nil
}

// Wait blocks for at most timeoutMs milliseconds (-1 = forever) until at
// least one connection is ready, then drains everything else already queued.
func (e *Epoll) Wait(timeoutMs int) ([]net.Conn, error) {
	var timeout <-chan time.Time
	if timeoutMs >= 0 {
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-timeout:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning off Linux.
func socketFD(conn net.Conn) int {
	return -1
}
