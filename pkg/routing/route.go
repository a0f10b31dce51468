// Package routing holds route definitions, the ordered match table, and
// the upstream selection strategies used by the proxy on every request.
package routing

import (
	"regexp"
	"strings"
	"time"
)

// HeaderRule is a single header rewrite applied to the upstream request.
// Value may contain the placeholders $remote_ip, $host and $scheme, which
// are expanded from the client request at forward time.
type HeaderRule struct {
	Name  string
	Value string
}

// Route is one immutable routing rule. Routes are matched in configuration
// order; the first match wins.
type Route struct {
	// Name identifies the route in logs, metrics and the admin report.
	Name string

	// Host is the exact host to match, without port. Empty matches any host.
	Host string

	// PathPrefix matches when the request path starts with it.
	// Exactly one of PathPrefix and PathPattern is set.
	PathPrefix string

	// PathPattern is a compiled regular expression alternative to PathPrefix.
	PathPattern *regexp.Regexp

	// Group is the upstream group requests are forwarded to.
	Group string

	// Headers are rewrite rules applied to the upstream request, in order.
	Headers []HeaderRule

	// PreserveHost forwards the client's Host header instead of the
	// upstream's address.
	PreserveHost bool

	// ConnectTimeout bounds the upstream dial. Zero means the listener-wide
	// default.
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for the upstream response. Protocol
	// upgrade requests are exempt so long-lived streams are not severed.
	ReadTimeout time.Duration

	// CacheTTL, when positive, stamps responses with a static max-age.
	// Zero means no cache policy.
	CacheTTL time.Duration
}

// PredicateKey canonicalizes the match predicate so the config validator
// can reject two routes with an identical predicate. The host is folded
// to match the case-insensitive host comparison at match time.
func (r Route) PredicateKey() string {
	host := strings.ToLower(r.Host)
	if r.PathPattern != nil {
		return host + "|~" + r.PathPattern.String()
	}
	return host + "|" + r.PathPrefix
}
