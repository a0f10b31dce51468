package routing

import (
	"net"
	"strings"
)

// Table is an immutable, ordered route list. A Table belongs to exactly
// one configuration snapshot and is never mutated after construction.
type Table struct {
	routes []Route
}

// NewTable builds a match table over the given routes, preserving order.
func NewTable(routes []Route) *Table {
	cp := make([]Route, len(routes))
	copy(cp, routes)
	return &Table{routes: cp}
}

// Match returns the first route matching host and path, or nil.
func (t *Table) Match(host, path string) *Route {
	h := normalizeHost(host)
	for i := range t.routes {
		if t.routes[i].matches(h, path) {
			return &t.routes[i]
		}
	}
	return nil
}

// Routes returns the ordered route list for reporting.
func (t *Table) Routes() []Route {
	return t.routes
}

func (r *Route) matches(host, path string) bool {
	if r.Host != "" && !strings.EqualFold(r.Host, host) {
		return false
	}
	if r.PathPattern != nil {
		return r.PathPattern.MatchString(path)
	}
	return strings.HasPrefix(path, r.PathPrefix)
}

// normalizeHost strips an optional port from a Host header value.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
