// Package tracker follows the lifecycle of accepted client connections,
// in particular those that upgraded to persistent bidirectional streams.
//
// Upgraded connections are exempt from forced close during graceful
// shutdown and config reload; they end on their own or when they exceed
// the configured maximum lifetime. Ordinary connections are closed by the
// server once their current request completes.
package tracker

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// UpgradeState describes a connection's protocol-upgrade progress.
type UpgradeState int

const (
	// StateNone is plain request/response.
	StateNone UpgradeState = iota

	// StateUpgrading means an Upgrade request is being forwarded.
	StateUpgrading

	// StateUpgraded means the connection is a persistent stream and no
	// longer follows request/response semantics.
	StateUpgraded
)

func (s UpgradeState) String() string {
	switch s {
	case StateUpgrading:
		return "upgrading"
	case StateUpgraded:
		return "upgraded"
	default:
		return "none"
	}
}

// Info is a point-in-time view of one tracked connection.
type Info struct {
	RemoteAddr string
	Opened     time.Time
	Generation uint64
	State      UpgradeState
}

// Tracker records every accepted connection with its pinned config
// generation and upgrade state.
type Tracker struct {
	maxLifetime time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]*entry

	reapCancel context.CancelFunc
}

type entry struct {
	conn       net.Conn
	remoteAddr string
	opened     time.Time
	generation uint64
	state      UpgradeState
}

// New creates a tracker. maxUpgradedLifetime of zero leaves upgraded
// sessions unbounded.
func New(maxUpgradedLifetime time.Duration) *Tracker {
	return &Tracker{
		maxLifetime: maxUpgradedLifetime,
		logger:      slog.Default().With("component", "tracker"),
		conns:       make(map[net.Conn]*entry),
	}
}

// Start launches the lifetime reaper when a maximum is configured.
func (t *Tracker) Start(ctx context.Context) {
	if t.maxLifetime <= 0 {
		return
	}
	ctx, t.reapCancel = context.WithCancel(ctx)
	go t.reapLoop(ctx)
}

// Stop halts the reaper. Tracked connections are left alone.
func (t *Tracker) Stop() {
	if t.reapCancel != nil {
		t.reapCancel()
	}
}

// Track registers an accepted connection pinned to the given generation.
func (t *Tracker) Track(conn net.Conn, generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[conn] = &entry{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		opened:     time.Now(),
		generation: generation,
	}
}

// Forget drops a connection, typically from its close hook.
func (t *Tracker) Forget(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}

// MarkUpgrading flags a connection whose Upgrade request is in flight.
func (t *Tracker) MarkUpgrading(conn net.Conn) {
	t.setState(conn, StateUpgrading)
}

// MarkUpgraded flags a connection that completed a protocol upgrade.
func (t *Tracker) MarkUpgraded(conn net.Conn) {
	t.setState(conn, StateUpgraded)
}

func (t *Tracker) setState(conn net.Conn, state UpgradeState) {
	if conn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.conns[conn]; ok {
		e.state = state
	}
}

// StateOf reports the upgrade state of a tracked connection.
func (t *Tracker) StateOf(conn net.Conn) (UpgradeState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.conns[conn]
	if !ok {
		return StateNone, false
	}
	return e.state, true
}

// Counts returns the number of tracked and upgraded connections.
func (t *Tracker) Counts() (total, upgraded int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.conns {
		total++
		if e.state == StateUpgraded {
			upgraded++
		}
	}
	return total, upgraded
}

// List returns a view of all tracked connections for the admin report.
func (t *Tracker) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, 0, len(t.conns))
	for _, e := range t.conns {
		out = append(out, Info{
			RemoteAddr: e.remoteAddr,
			Opened:     e.opened,
			Generation: e.generation,
			State:      e.state,
		})
	}
	return out
}

// reapLoop closes upgraded connections that exceed the maximum lifetime.
func (t *Tracker) reapLoop(ctx context.Context) {
	interval := t.maxLifetime / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reapExpired(time.Now())
		}
	}
}

// reapExpired closes upgraded connections older than maxLifetime and
// returns how many it closed.
func (t *Tracker) reapExpired(now time.Time) int {
	t.mu.Lock()
	var expired []*entry
	for _, e := range t.conns {
		if e.state == StateUpgraded && now.Sub(e.opened) > t.maxLifetime {
			expired = append(expired, e)
		}
	}
	t.mu.Unlock()

	for _, e := range expired {
		t.logger.Info("closing upgraded session past max lifetime",
			"remote_addr", e.remoteAddr,
			"age", now.Sub(e.opened).Round(time.Second),
			"generation", e.generation,
		)
		_ = e.conn.Close()
	}
	return len(expired)
}

// ctxKey carries the tracked connection through the request context.
type ctxKey struct{}

// WithConn stores the accepted connection in a context; the server's
// ConnContext hook uses it so handlers can reach their own connection.
func WithConn(ctx context.Context, conn net.Conn) context.Context {
	return context.WithValue(ctx, ctxKey{}, conn)
}

// ConnFromContext returns the connection stored by WithConn, or nil.
func ConnFromContext(ctx context.Context) net.Conn {
	conn, _ := ctx.Value(ctxKey{}).(net.Conn)
	return conn
}
