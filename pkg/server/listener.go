package server

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// Listener enforces the connection budget in front of the HTTP server: at
// most maxConns connections are served concurrently, up to queueSize more
// wait for a serving slot, and anything beyond that is closed immediately
// without consuming proxy resources.
//
// Accept returns connections wrapped in *Conn; closing the Conn returns
// its serving slot.
type Listener struct {
	inner net.Listener

	slots chan struct{}
	queue chan net.Conn

	closeOnce sync.Once
	closed    chan struct{}

	rejected atomic.Uint64
	logger   *slog.Logger
}

// NewListener wraps inner with the given budget. maxConns and queueSize
// must be positive; the config layer defaults them.
func NewListener(inner net.Listener, maxConns, queueSize int) *Listener {
	l := &Listener{
		inner:  inner,
		slots:  make(chan struct{}, maxConns),
		queue:  make(chan net.Conn, queueSize),
		closed: make(chan struct{}),
		logger: slog.Default().With("component", "listener"),
	}
	go l.pump()
	return l
}

// pump moves connections from the kernel into the bounded queue, closing
// the overflow straight away.
func (l *Listener) pump() {
	for {
		conn, err := l.inner.Accept()
		if err != nil {
			select {
			case <-l.closed:
			default:
				l.logger.Error("accept failed", "error", err)
			}
			l.Close()
			return
		}

		select {
		case l.queue <- conn:
		default:
			// Queue full: shed the connection before TLS work happens.
			n := l.rejected.Add(1)
			if n%100 == 1 {
				l.logger.Warn("accept queue full, closing connection",
					"remote_addr", conn.RemoteAddr().String(),
					"rejected_total", n,
				)
			}
			conn.Close()
		}
	}
}

// Accept hands the next queued connection to the server once a serving
// slot is free.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, ErrListenerClosed
	case conn := <-l.queue:
		select {
		case <-l.closed:
			conn.Close()
			return nil, ErrListenerClosed
		case l.slots <- struct{}{}:
			return newConn(conn, l), nil
		}
	}
}

// Close stops accepting. Already-served connections are unaffected.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.inner.Close()

		// Drain connections parked in the queue.
		for {
			select {
			case conn := <-l.queue:
				conn.Close()
			default:
				return
			}
		}
	})
	return err
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

// Rejected returns how many connections were shed because the queue was
// full.
func (l *Listener) Rejected() uint64 {
	return l.rejected.Load()
}

// InUse returns how many serving slots are currently held.
func (l *Listener) InUse() int {
	return len(l.slots)
}

// Conn is an accepted connection holding a serving slot. Close is
// idempotent and releases the slot exactly once, then runs any registered
// close hooks.
type Conn struct {
	net.Conn

	listener *Listener

	mu        sync.Mutex
	hooks     []func()
	closeOnce sync.Once
}

func newConn(inner net.Conn, l *Listener) *Conn {
	return &Conn{Conn: inner, listener: l}
}

// OnClose registers fn to run when the connection closes. The server's
// ConnContext hook uses it to release the pinned config snapshot and drop
// the connection from the tracker.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

func (c *Conn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		<-c.listener.slots

		c.mu.Lock()
		hooks := c.hooks
		c.hooks = nil
		c.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
	return err
}
