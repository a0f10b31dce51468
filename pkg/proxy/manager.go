package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"sentinel-gw/sentinel/pkg/config"
	"sentinel-gw/sentinel/pkg/health"
	"sentinel-gw/sentinel/pkg/registry"
	"sentinel-gw/sentinel/pkg/routing"
	sectls "sentinel-gw/sentinel/pkg/security/tls"
)

// Manager turns validated configurations into published snapshots. Each
// successful Apply increments the generation, swaps the health checker to
// the new registry, and retires the previous snapshot once its pinned
// connections drain.
//
// Apply is all-or-nothing: any compile error leaves the active snapshot
// untouched.
type Manager struct {
	store  *Store
	logger *slog.Logger

	mu         sync.Mutex
	generation uint64
	checker    *health.Checker
}

// NewManager creates a manager publishing into the given store.
func NewManager(store *Store) *Manager {
	return &Manager{
		store:  store,
		logger: slog.Default().With("component", "manager"),
	}
}

// Store returns the snapshot store the manager publishes into.
func (m *Manager) Store() *Store {
	return m.store
}

// Generation returns the most recently published generation, zero before
// the first Apply.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Reload loads and applies the configuration file at path. A file that
// fails to load or validate leaves the active snapshot serving.
func (m *Manager) Reload(ctx context.Context, path string) (uint64, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return 0, fmt.Errorf("loading config: %w", err)
	}
	return m.Apply(ctx, cfg)
}

// Apply compiles cfg into a snapshot and publishes it under the next
// generation. Health state of upstream addresses retained across the
// reload carries over so a healthy backend is not demoted to unknown.
func (m *Manager) Apply(ctx context.Context, cfg *config.Config) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen := m.generation + 1
	snap, err := m.compile(cfg, gen)
	if err != nil {
		return 0, err
	}

	if err := m.store.Publish(snap); err != nil {
		return 0, err
	}
	m.generation = gen

	if m.checker != nil {
		m.checker.Stop()
	}
	m.checker = health.NewChecker(health.Config{
		Interval:         cfg.Health.Interval,
		Timeout:          cfg.Health.Timeout,
		Path:             cfg.Health.Path,
		FailureThreshold: cfg.Health.FailureThreshold,
	}, snap.registry)
	if err := m.checker.Start(ctx); err != nil {
		m.logger.Error("health checker failed to start", "error", err)
	}

	m.logger.Info("configuration applied",
		"generation", gen,
		"routes", len(cfg.Routes),
		"groups", len(cfg.Upstreams),
	)
	return gen, nil
}

// Stop halts the active health checker. Published snapshots keep serving.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checker != nil {
		m.checker.Stop()
	}
}

func (m *Manager) compile(cfg *config.Config, gen uint64) (*Snapshot, error) {
	reg := m.buildRegistry(cfg)

	routes := make([]routing.Route, 0, len(cfg.Routes))
	compiled := make(map[string]*compiledRoute, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		route, err := buildRoute(rc)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
		compiled[route.Name] = newCompiledRoute(route)
	}

	snap := &Snapshot{
		generation: gen,
		table:      routing.NewTable(routes),
		selector:   routing.NewSelector(),
		registry:   reg,
		routes:     compiled,
	}

	if cfg.TLS.Enabled {
		settings := sectls.Settings{
			CertFile:     cfg.TLS.CertFile,
			KeyFile:      cfg.TLS.KeyFile,
			MinVersion:   cfg.TLS.MinVersion,
			CipherSuites: cfg.TLS.CipherSuites,
		}
		tlsConf, mat, err := settings.Build()
		if err != nil {
			return nil, fmt.Errorf("building TLS config: %w", err)
		}
		snap.tlsConfig = tlsConf
		snap.material = mat
	}

	return snap, nil
}

// buildRegistry seeds the new registry, carrying health state over from
// the active snapshot for addresses that survive the reload.
func (m *Manager) buildRegistry(cfg *config.Config) *registry.Registry {
	prev := m.store.Active()
	reg := registry.New()

	groups := make([]string, 0, len(cfg.Upstreams))
	for g := range cfg.Upstreams {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, group := range groups {
		for _, uc := range cfg.Upstreams[group] {
			u := registry.Upstream{
				Address: uc.Address,
				Scheme:  uc.Scheme,
				Group:   group,
				Weight:  uc.Weight,
			}
			if prev != nil {
				if old, err := prev.registry.Lookup(uc.Address); err == nil {
					u.Status = old.Status
					u.LastProbe = old.LastProbe
				}
			}
			reg.Register(u)
		}
	}
	return reg
}

func buildRoute(rc config.RouteConfig) (routing.Route, error) {
	route := routing.Route{
		Name:           rc.Name,
		Host:           rc.Host,
		PathPrefix:     rc.PathPrefix,
		Group:          rc.Group,
		PreserveHost:   rc.PreserveHost,
		ConnectTimeout: rc.ConnectTimeout,
		ReadTimeout:    rc.ReadTimeout,
		CacheTTL:       rc.CacheTTL,
	}
	if rc.PathRegex != "" {
		re, err := regexp.Compile(rc.PathRegex)
		if err != nil {
			return routing.Route{}, fmt.Errorf("route %q: compiling path regex: %w", rc.Name, err)
		}
		route.PathPattern = re
	}
	for _, hc := range rc.Headers {
		route.Headers = append(route.Headers, routing.HeaderRule{
			Name:  hc.Name,
			Value: hc.Value,
		})
	}
	return route, nil
}
