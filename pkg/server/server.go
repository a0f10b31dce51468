// Package server runs the client-facing listener: TLS termination with
// per-connection config pinning, the bounded accept queue, and graceful
// shutdown that leaves upgraded sessions alone.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"sentinel-gw/sentinel/pkg/config"
	"sentinel-gw/sentinel/pkg/proxy"
	"sentinel-gw/sentinel/pkg/tracker"
)

// Server is the proxy's front door. Each accepted connection pins the
// configuration snapshot that is active at accept time; a reload never
// changes routing for a connection mid-flight.
type Server struct {
	cfg     config.ProxyConfig
	tlsOn   bool
	store   *proxy.Store
	tracker *tracker.Tracker
	handler http.Handler
	logger  *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   *Listener
	running    bool
}

// New creates a server around the forwarding handler. tlsOn selects TLS
// termination; the certificate and policy come from the active snapshot,
// not from fixed files, so reloads can rotate them.
func New(cfg config.ProxyConfig, tlsOn bool, store *proxy.Store, tr *tracker.Tracker, handler http.Handler) *Server {
	return &Server{
		cfg:     cfg,
		tlsOn:   tlsOn,
		store:   store,
		tracker: tr,
		handler: handler,
		logger:  slog.Default().With("component", "server"),
	}
}

// Start binds the listener and serves until ctx is cancelled or the
// server fails. A bind failure is returned immediately; it is fatal at
// startup.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	inner, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("binding %s: %w", s.cfg.ListenAddress, err)
	}
	s.listener = NewListener(inner, s.cfg.MaxConnections, s.cfg.AcceptQueue)

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
		ConnContext:       s.connContext,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	if s.tlsOn {
		s.httpServer.TLSConfig = &tls.Config{
			GetConfigForClient: s.tlsForHandshake,
		}
	}
	s.running = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("proxy listening",
			"address", s.listener.Addr().String(),
			"tls", s.tlsOn,
			"max_connections", s.cfg.MaxConnections,
			"accept_queue", s.cfg.AcceptQueue,
		)
		var err error
		if s.tlsOn {
			err = s.httpServer.ServeTLS(s.listener, "", "")
		} else {
			err = s.httpServer.Serve(s.listener)
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return fmt.Errorf("serving: %w", err)
	}
}

// Shutdown drains gracefully within the configured timeout. Hijacked
// (upgraded) connections are not waited on and not force-closed; the
// tracker's lifetime reaper is their only bound.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	s.logger.Info("shutting down", "timeout", s.cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Listener exposes the bounded listener for the admin report. Nil before
// Start.
func (s *Server) Listener() *Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// connContext pins the active snapshot to the accepted connection. The
// pin is released when the connection closes, which lets a retired
// snapshot drain.
func (s *Server) connContext(ctx context.Context, c net.Conn) context.Context {
	snap := s.store.Acquire()

	var gen uint64
	if snap != nil {
		gen = snap.Generation()
	}
	s.tracker.Track(c, gen)

	if bc := boundedConn(c); bc != nil {
		conn := c
		bc.OnClose(func() {
			s.tracker.Forget(conn)
			s.store.Release(snap)
		})
	}

	ctx = tracker.WithConn(ctx, c)
	return proxy.WithSnapshot(ctx, snap)
}

// tlsForHandshake serves the handshake from the snapshot the connection
// pinned at accept time, so the certificate and the routing a connection
// sees always come from the same generation even when a reload lands
// between accept and handshake. The active snapshot is only a fallback
// for handshakes arriving without a pinned context.
func (s *Server) tlsForHandshake(chi *tls.ClientHelloInfo) (*tls.Config, error) {
	snap := s.store.Active()
	if ctx := chi.Context(); ctx != nil {
		if pinned := proxy.SnapshotFromContext(ctx); pinned != nil {
			snap = pinned
		}
	}
	if snap == nil || snap.TLSConfig() == nil {
		return nil, fmt.Errorf("no TLS configuration published")
	}
	return snap.TLSConfig(), nil
}

// boundedConn unwraps a possibly TLS-wrapped connection down to the
// listener's *Conn.
func boundedConn(c net.Conn) *Conn {
	if tc, ok := c.(*tls.Conn); ok {
		c = tc.NetConn()
	}
	bc, _ := c.(*Conn)
	return bc
}
