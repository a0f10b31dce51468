package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sentinel-gw/sentinel/pkg/registry"
	"sentinel-gw/sentinel/pkg/tracker"
)

// Stat describes one completed exchange, local rejections included. It is
// handed to observers for metrics and access logging.
type Stat struct {
	Route      string
	Group      string
	Upstream   string
	Method     string
	Path       string
	Host       string
	RemoteAddr string
	Status     int
	Duration   time.Duration
	Generation uint64
	Upgraded   bool
}

// ObserverFunc receives a Stat after the response finishes. Observers must
// not block; slow sinks buffer internally.
type ObserverFunc func(Stat)

// Handler is the proxy's request entry point. It resolves the connection's
// pinned configuration snapshot, matches a route, selects an upstream and
// streams the exchange, protocol upgrades included.
type Handler struct {
	store    *Store
	tracker  *tracker.Tracker
	logger   *slog.Logger
	counters *RouteCounters

	mu        sync.Mutex
	observers []ObserverFunc
}

// NewHandler wires the forwarding core to the snapshot store and the
// connection tracker. The tracker may be nil in tests.
func NewHandler(store *Store, tr *tracker.Tracker) *Handler {
	return &Handler{
		store:    store,
		tracker:  tr,
		logger:   slog.Default().With("component", "proxy"),
		counters: NewRouteCounters(),
	}
}

// AddObserver registers a completion callback. Not safe to call once the
// handler is serving.
func (h *Handler) AddObserver(fn ObserverFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
}

// Counters returns the per-route request counters. They survive reloads;
// routes are identified by name.
func (h *Handler) Counters() *RouteCounters {
	return h.counters
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// The accepting connection pinned its snapshot; fall back to the
	// active one for handlers mounted outside the pinning listener.
	snap := SnapshotFromContext(r.Context())
	if snap == nil {
		snap = h.store.Active()
	}
	if snap == nil {
		writeStatus(w, http.StatusServiceUnavailable)
		return
	}

	stat := Stat{
		Method:     r.Method,
		Path:       r.URL.Path,
		Host:       r.Host,
		RemoteAddr: r.RemoteAddr,
		Generation: snap.Generation(),
	}

	route := snap.table.Match(r.Host, r.URL.Path)
	if route == nil {
		stat.Status = http.StatusNotFound
		writeStatus(w, http.StatusNotFound)
		h.finish(stat, start)
		return
	}
	stat.Route = route.Name
	stat.Group = route.Group
	h.counters.Inc(route.Name)

	// Upstream selection happens before any connection attempt so an
	// empty group is answered locally with zero dials.
	eligible := snap.registry.List(route.Group)
	target, err := snap.selector.Pick(route.Group, eligible)
	if err != nil {
		h.logger.Warn("no eligible upstream",
			"route", route.Name,
			"group", route.Group,
		)
		stat.Status = http.StatusServiceUnavailable
		writeStatus(w, http.StatusServiceUnavailable)
		h.finish(stat, start)
		return
	}
	stat.Upstream = target.Address

	cr := snap.routes[route.Name]
	upgrade := isUpgradeRequest(r)
	stat.Upgraded = upgrade

	conn := tracker.ConnFromContext(r.Context())
	if upgrade && h.tracker != nil {
		h.tracker.MarkUpgrading(conn)
	}

	rp := h.buildProxy(cr, target, upgrade, conn, &stat)
	rp.ServeHTTP(w, r)

	h.finish(stat, start)
}

// buildProxy assembles the per-request reverse proxy around the route's
// precompiled transport. The struct itself is cheap; the transports and
// their pools live on the snapshot.
func (h *Handler) buildProxy(cr *compiledRoute, target registry.Upstream, upgrade bool, conn net.Conn, stat *Stat) *httputil.ReverseProxy {
	route := cr.route
	targetURL := target.URL()

	transport := cr.transport
	var flush time.Duration
	if upgrade {
		transport = cr.upgradeTransport
		flush = -1
	}

	return &httputil.ReverseProxy{
		Transport:     transport,
		FlushInterval: flush,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(targetURL)
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Host", pr.In.Host)
			if route.PreserveHost {
				pr.Out.Host = pr.In.Host
			}
			for _, rule := range route.Headers {
				v := expandPlaceholders(rule.Value, pr.In)
				if v == "" {
					pr.Out.Header.Del(rule.Name)
					continue
				}
				pr.Out.Header.Set(rule.Name, v)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			stat.Status = resp.StatusCode
			if resp.StatusCode == http.StatusSwitchingProtocols {
				if h.tracker != nil {
					h.tracker.MarkUpgraded(conn)
				}
				return nil
			}
			if route.CacheTTL > 0 && cacheable(resp) {
				resp.Header.Set("Cache-Control",
					fmt.Sprintf("max-age=%d", int(route.CacheTTL.Seconds())))
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status := statusForUpstreamError(err)
			stat.Status = status
			h.logger.Warn("upstream exchange failed",
				"route", route.Name,
				"upstream", target.Address,
				"status", status,
				"error", err,
			)
			if status != statusClientClosedRequest {
				writeStatus(w, status)
				return
			}
			w.WriteHeader(status)
		},
	}
}

func (h *Handler) finish(stat Stat, start time.Time) {
	stat.Duration = time.Since(start)
	for _, fn := range h.observers {
		fn(stat)
	}
}

// isUpgradeRequest reports whether the client asked for a protocol
// upgrade. Connection must carry the upgrade token for the Upgrade header
// to be meaningful.
func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// cacheable limits cache stamping to successful GET responses that do not
// already declare their own policy.
func cacheable(resp *http.Response) bool {
	if resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	if resp.StatusCode != http.StatusOK {
		return false
	}
	return resp.Header.Get("Cache-Control") == ""
}

// expandPlaceholders substitutes the request-derived variables allowed in
// header rewrite values.
func expandPlaceholders(value string, r *http.Request) string {
	if !strings.Contains(value, "$") {
		return value
	}
	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	repl := strings.NewReplacer(
		"$remote_ip", remoteIP,
		"$host", r.Host,
		"$scheme", scheme,
	)
	return repl.Replace(value)
}

// RouteCounters accumulates request totals per route name. Counters
// survive configuration reloads; a removed route keeps its count until
// process exit so the admin report stays monotonic.
type RouteCounters struct {
	counts sync.Map // route name -> *atomic.Uint64
}

// NewRouteCounters creates an empty counter set.
func NewRouteCounters() *RouteCounters {
	return &RouteCounters{}
}

// Inc adds one to the named route's total.
func (c *RouteCounters) Inc(route string) {
	v, _ := c.counts.LoadOrStore(route, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// Get returns the named route's total.
func (c *RouteCounters) Get(route string) uint64 {
	if v, ok := c.counts.Load(route); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

// Snapshot returns a copy of all totals for reporting.
func (c *RouteCounters) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	c.counts.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}
