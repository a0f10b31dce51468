// Package admin serves the operator surface on its own listener: reload,
// health report, generation, metrics and liveness. It is meant to be
// bound to loopback or an internal interface, never exposed to clients.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"sentinel-gw/sentinel/pkg/proxy"
	"sentinel-gw/sentinel/pkg/tracker"
)

// Reloader triggers a configuration reload; the manager implements it.
type Reloader interface {
	Reload(ctx context.Context) (uint64, error)
}

// ReloadFunc adapts a function to Reloader.
type ReloadFunc func(ctx context.Context) (uint64, error)

func (f ReloadFunc) Reload(ctx context.Context) (uint64, error) { return f(ctx) }

// CertStatus reports degraded TLS material; the expiry monitor
// implements it.
type CertStatus interface {
	Degraded() bool
	Warning() string
}

// Options wires the admin server to the running components. Nil fields
// degrade gracefully: their sections are omitted from the report.
type Options struct {
	ListenAddress string

	Store    *proxy.Store
	Counters *proxy.RouteCounters
	Tracker  *tracker.Tracker
	Reloader Reloader
	Cert     CertStatus

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// Connections reports serving-slot usage and shed connections.
	Connections func() (inUse int, rejected uint64)
}

// Server is the admin HTTP server.
type Server struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates an admin server from opts.
func New(opts Options) *Server {
	return &Server{
		opts:   opts,
		logger: slog.Default().With("component", "admin"),
	}
}

// Handler builds the admin mux; exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleLiveness)
	mux.HandleFunc("/admin/health", s.handleHealth)
	mux.HandleFunc("/admin/generation", s.handleGeneration)
	mux.HandleFunc("/admin/reload", s.handleReload)
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
	}
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              s.opts.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("admin listening", "address", s.opts.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// healthReport is the /admin/health response body.
type healthReport struct {
	Generation uint64             `json:"generation"`
	Upstreams  []upstreamReport   `json:"upstreams"`
	Routes     map[string]uint64  `json:"route_requests,omitempty"`
	Conns      *connectionReport  `json:"connections,omitempty"`
	Cert       *certificateReport `json:"certificate,omitempty"`
	Sessions   []sessionReport    `json:"upgraded_sessions,omitempty"`
}

type upstreamReport struct {
	Group     string    `json:"group"`
	Address   string    `json:"address"`
	Status    string    `json:"status"`
	LastProbe time.Time `json:"last_probe,omitempty"`
}

type connectionReport struct {
	InUse    int    `json:"in_use"`
	Rejected uint64 `json:"rejected_total"`
	Tracked  int    `json:"tracked"`
	Upgraded int    `json:"upgraded"`
}

type certificateReport struct {
	Degraded bool   `json:"degraded"`
	Warning  string `json:"warning,omitempty"`
}

type sessionReport struct {
	RemoteAddr string    `json:"remote_addr"`
	Opened     time.Time `json:"opened"`
	Generation uint64    `json:"generation"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	report := healthReport{}
	if snap := s.activeSnapshot(); snap != nil {
		report.Generation = snap.Generation()
		for _, u := range snap.Registry().All() {
			report.Upstreams = append(report.Upstreams, upstreamReport{
				Group:     u.Group,
				Address:   u.Address,
				Status:    string(u.Status),
				LastProbe: u.LastProbe,
			})
		}
	}
	if s.opts.Counters != nil {
		report.Routes = s.opts.Counters.Snapshot()
	}
	if s.opts.Tracker != nil {
		total, upgraded := s.opts.Tracker.Counts()
		conns := &connectionReport{Tracked: total, Upgraded: upgraded}
		if s.opts.Connections != nil {
			conns.InUse, conns.Rejected = s.opts.Connections()
		}
		report.Conns = conns
		for _, info := range s.opts.Tracker.List() {
			if info.State == tracker.StateUpgraded {
				report.Sessions = append(report.Sessions, sessionReport{
					RemoteAddr: info.RemoteAddr,
					Opened:     info.Opened,
					Generation: info.Generation,
				})
			}
		}
	}
	if s.opts.Cert != nil {
		report.Cert = &certificateReport{
			Degraded: s.opts.Cert.Degraded(),
			Warning:  s.opts.Cert.Warning(),
		}
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGeneration(w http.ResponseWriter, r *http.Request) {
	var gen uint64
	if snap := s.activeSnapshot(); snap != nil {
		gen = snap.Generation()
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"generation": gen})
}

// activeSnapshot tolerates a nil store, like every other optional field.
func (s *Server) activeSnapshot() *proxy.Snapshot {
	if s.opts.Store == nil {
		return nil
	}
	return s.opts.Store.Active()
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Reloader == nil {
		http.Error(w, "reload not configured", http.StatusNotImplemented)
		return
	}

	gen, err := s.opts.Reloader.Reload(r.Context())
	if err != nil {
		s.logger.Error("reload via admin failed", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"generation": gen})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding admin response", "error", err)
	}
}
