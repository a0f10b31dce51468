// Package registry tracks the known upstream instances of the identity
// service, grouped by name, with per-instance health state.
//
// Reads on the request path use a copy-on-write view so that concurrent
// health updates from the prober never block request handling.
package registry

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// HealthStatus is the probed health state of an upstream.
type HealthStatus string

const (
	// StatusUnknown means the upstream has not been probed yet.
	// Unknown upstreams are still eligible for selection.
	StatusUnknown HealthStatus = "unknown"

	// StatusHealthy means the most recent probe succeeded.
	StatusHealthy HealthStatus = "healthy"

	// StatusUnhealthy means the upstream crossed the consecutive-failure
	// threshold and is excluded from selection.
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Upstream is a single backend instance of the identity service.
type Upstream struct {
	// Address is the host:port of the upstream.
	Address string

	// Scheme is "http" or "https".
	Scheme string

	// Group is the upstream group this instance belongs to.
	Group string

	// Weight biases selection toward this instance. Zero or negative
	// weights are normalized to 1.
	Weight int

	// Status is the current health state.
	Status HealthStatus

	// LastProbe is when the health checker last probed this instance.
	LastProbe time.Time
}

// URL returns the base URL of the upstream.
func (u Upstream) URL() *url.URL {
	return &url.URL{Scheme: u.Scheme, Host: u.Address}
}

// Registry holds the upstream set for one configuration snapshot.
// Writers (Register, Remove, MarkHealth) serialize on a mutex and publish
// a fresh immutable view; readers load the view without locking.
type Registry struct {
	mu     sync.Mutex
	groups map[string][]Upstream
	order  []string

	view atomic.Pointer[map[string][]Upstream]
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{groups: make(map[string][]Upstream)}
	r.publish()
	return r
}

// Register adds an upstream to its group, preserving insertion order.
// Registering an address that already exists in the group replaces it
// but keeps its position.
func (r *Registry) Register(u Upstream) {
	if u.Weight <= 0 {
		u.Weight = 1
	}
	if u.Status == "" {
		u.Status = StatusUnknown
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[u.Group]; !ok {
		r.order = append(r.order, u.Group)
	}
	replaced := false
	for i, existing := range r.groups[u.Group] {
		if existing.Address == u.Address {
			r.groups[u.Group][i] = u
			replaced = true
			break
		}
	}
	if !replaced {
		r.groups[u.Group] = append(r.groups[u.Group], u)
	}
	r.publish()
}

// Remove deletes an upstream by address from every group it appears in.
func (r *Registry) Remove(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for group, ups := range r.groups {
		kept := ups[:0]
		for _, u := range ups {
			if u.Address != address {
				kept = append(kept, u)
			}
		}
		r.groups[group] = kept
	}
	r.publish()
}

// MarkHealth records the result of a probe for the given address.
// Unknown addresses are ignored.
func (r *Registry) MarkHealth(address string, status HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for group, ups := range r.groups {
		for i, u := range ups {
			if u.Address == address {
				u.Status = status
				u.LastProbe = time.Now()
				r.groups[group][i] = u
			}
		}
	}
	r.publish()
}

// List returns the upstreams of a group that are eligible for selection,
// in registration order. Unhealthy upstreams are excluded; Unknown ones
// are included so a freshly loaded configuration can serve before the
// first probe completes.
//
// An empty result for a known group means every instance is Unhealthy.
// That is a signal for the router to answer 503, not an error.
func (r *Registry) List(group string) []Upstream {
	view := *r.view.Load()
	ups, ok := view[group]
	if !ok {
		return nil
	}

	eligible := make([]Upstream, 0, len(ups))
	for _, u := range ups {
		if u.Status != StatusUnhealthy {
			eligible = append(eligible, u)
		}
	}
	return eligible
}

// All returns every upstream across all groups in registration order.
// Used by the health checker and the admin report.
func (r *Registry) All() []Upstream {
	view := *r.view.Load()

	r.mu.Lock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	r.mu.Unlock()

	var out []Upstream
	for _, group := range order {
		out = append(out, view[group]...)
	}
	return out
}

// HasGroup reports whether the group is defined, regardless of health.
func (r *Registry) HasGroup(group string) bool {
	view := *r.view.Load()
	_, ok := view[group]
	return ok
}

// Lookup returns the upstream with the given address, if registered.
func (r *Registry) Lookup(address string) (Upstream, error) {
	for _, u := range r.All() {
		if u.Address == address {
			return u, nil
		}
	}
	return Upstream{}, fmt.Errorf("upstream %q not registered", address)
}

// publish rebuilds the immutable read view. Callers must hold r.mu.
func (r *Registry) publish() {
	view := make(map[string][]Upstream, len(r.groups))
	for group, ups := range r.groups {
		cp := make([]Upstream, len(ups))
		copy(cp, ups)
		view[group] = cp
	}
	r.view.Store(&view)
}
