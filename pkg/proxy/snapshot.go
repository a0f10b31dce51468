package proxy

import (
	"context"
	tls "crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"sentinel-gw/sentinel/pkg/registry"
	"sentinel-gw/sentinel/pkg/routing"
	sectls "sentinel-gw/sentinel/pkg/security/tls"
)

// Snapshot is one immutable, published configuration generation: compiled
// routes, the upstream registry, and TLS material. It is shared read-only
// by every worker; the registry's health state is the only part that
// mutates, under its own copy-on-write discipline.
type Snapshot struct {
	generation uint64

	table    *routing.Table
	selector *routing.Selector
	registry *registry.Registry

	routes map[string]*compiledRoute

	tlsConfig *tls.Config
	material  *sectls.Material

	refs    atomic.Int64
	retired atomic.Bool
}

// compiledRoute pairs a route with its per-route transports. The regular
// transport enforces the route's response-header timeout; the upgrade
// transport omits it so long-lived streams are never severed mid-flight.
type compiledRoute struct {
	route            routing.Route
	transport        *http.Transport
	upgradeTransport *http.Transport
}

func newCompiledRoute(r routing.Route) *compiledRoute {
	plain := newTransport(r)
	upgrade := newTransport(r)
	upgrade.ResponseHeaderTimeout = 0
	return &compiledRoute{route: r, transport: plain, upgradeTransport: upgrade}
}

// Generation returns the snapshot's monotonic identifier.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Registry exposes the snapshot's upstream registry.
func (s *Snapshot) Registry() *registry.Registry { return s.registry }

// Material returns the snapshot's TLS key material, nil when TLS is off.
func (s *Snapshot) Material() *sectls.Material { return s.material }

// TLSConfig returns the snapshot's server-side TLS configuration.
func (s *Snapshot) TLSConfig() *tls.Config { return s.tlsConfig }

// Routes returns the snapshot's ordered route list.
func (s *Snapshot) Routes() []routing.Route { return s.table.Routes() }

// acquire takes a reference. Returns false once the snapshot has been
// retired and fully drained.
func (s *Snapshot) acquire() {
	s.refs.Add(1)
}

// release drops a reference; the last release of a retired snapshot
// closes its idle upstream connections.
func (s *Snapshot) release() {
	if s.refs.Add(-1) == 0 && s.retired.Load() {
		s.cleanup()
	}
}

// retire marks the snapshot as replaced. It is cleaned up immediately if
// nothing references it, otherwise when the last reference drains.
func (s *Snapshot) retire() {
	s.retired.Store(true)
	if s.refs.Load() == 0 {
		s.cleanup()
	}
}

func (s *Snapshot) cleanup() {
	for _, cr := range s.routes {
		cr.transport.CloseIdleConnections()
		cr.upgradeTransport.CloseIdleConnections()
	}
}

// newTransport builds the per-route transport enforcing the route's
// connect and response timeouts independently of sibling routes.
func newTransport(r routing.Route) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   r.ConnectTimeout,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: r.ReadTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

// Store publishes snapshots with strict generation ordering and hands
// out pinned references.
type Store struct {
	mu     sync.Mutex
	active atomic.Pointer[Snapshot]
}

// NewStore creates an empty store. The proxy refuses traffic until the
// first snapshot is published.
func NewStore() *Store {
	return &Store{}
}

// Publish atomically activates a snapshot. A generation at or below the
// active one is rejected: an older snapshot can never displace a newer.
func (st *Store) Publish(s *Snapshot) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if old := st.active.Load(); old != nil && s.generation <= old.generation {
		return fmt.Errorf("snapshot generation %d is not newer than active %d",
			s.generation, old.generation)
	}

	old := st.active.Swap(s)
	if old != nil {
		old.retire()
	}
	return nil
}

// Active returns the current snapshot without pinning it, or nil.
func (st *Store) Active() *Snapshot {
	return st.active.Load()
}

// Acquire pins the active snapshot. The caller must Release it.
func (st *Store) Acquire() *Snapshot {
	s := st.active.Load()
	if s != nil {
		s.acquire()
	}
	return s
}

// Release unpins a snapshot obtained from Acquire.
func (st *Store) Release(s *Snapshot) {
	if s != nil {
		s.release()
	}
}

// snapshotKey carries a connection's pinned snapshot in its context.
type snapshotKey struct{}

// WithSnapshot pins a snapshot into a connection's base context.
func WithSnapshot(ctx context.Context, s *Snapshot) context.Context {
	return context.WithValue(ctx, snapshotKey{}, s)
}

// SnapshotFromContext returns the pinned snapshot, or nil.
func SnapshotFromContext(ctx context.Context) *Snapshot {
	s, _ := ctx.Value(snapshotKey{}).(*Snapshot)
	return s
}
