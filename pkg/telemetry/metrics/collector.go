// Package metrics exposes the gateway's Prometheus metrics.
//
// One Collector owns a private registry; the admin server mounts its
// handler under /metrics. Components feed it through narrow record
// methods so metric names and labels stay in one place.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sentinel-gw/sentinel/pkg/registry"
)

// Collector registers and records all gateway metrics.
//
// Metrics:
//   - sentinel_requests_total: requests by route and status class
//   - sentinel_request_duration_seconds: forwarding latency by route
//   - sentinel_upstream_healthy: per-upstream health gauge (1/0)
//   - sentinel_connections_active: currently served connections
//   - sentinel_connections_upgraded: currently upgraded connections
//   - sentinel_connections_rejected_total: shed at the accept queue
//   - sentinel_config_generation: active configuration generation
//   - sentinel_config_reloads_total: reload attempts by outcome
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	upstreamHealthy *prometheus.GaugeVec

	connsActive   prometheus.GaugeFunc
	connsUpgraded prometheus.GaugeFunc
	connsRejected prometheus.CounterFunc

	configGeneration prometheus.Gauge
	reloadsTotal     *prometheus.CounterVec
}

// Sources are the live values the collector samples at scrape time.
type Sources struct {
	ActiveConnections   func() float64
	UpgradedConnections func() float64
	RejectedConnections func() float64
}

// NewCollector builds and registers all metrics under the given
// namespace. Empty namespace defaults to "sentinel".
func NewCollector(namespace string, src Sources) *Collector {
	if namespace == "" {
		namespace = "sentinel"
	}
	zero := func() float64 { return 0 }
	if src.ActiveConnections == nil {
		src.ActiveConnections = zero
	}
	if src.UpgradedConnections == nil {
		src.UpgradedConnections = zero
	}
	if src.RejectedConnections == nil {
		src.RejectedConnections = zero
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total requests handled, by route and status class",
			},
			[]string{"route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request forwarding latency",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"route"},
		),
		upstreamHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_healthy",
				Help:      "Upstream health (1 healthy, 0 unhealthy or unknown)",
			},
			[]string{"group", "address"},
		),
		connsActive: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_active",
				Help:      "Connections currently holding a serving slot",
			},
			src.ActiveConnections,
		),
		connsUpgraded: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_upgraded",
				Help:      "Connections upgraded to persistent streams",
			},
			src.UpgradedConnections,
		),
		connsRejected: prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_rejected_total",
				Help:      "Connections shed because the accept queue was full",
			},
			src.RejectedConnections,
		),
		configGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_generation",
				Help:      "Generation of the active configuration snapshot",
			},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Configuration reload attempts by outcome",
			},
			[]string{"outcome"},
		),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.upstreamHealthy,
		c.connsActive,
		c.connsUpgraded,
		c.connsRejected,
		c.configGeneration,
		c.reloadsTotal,
	)
	return c
}

// RecordRequest records one completed exchange.
func (c *Collector) RecordRequest(route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.requestsTotal.WithLabelValues(route, statusClass(status)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetUpstreamHealth updates one upstream's health gauge.
func (c *Collector) SetUpstreamHealth(group, address string, status registry.HealthStatus) {
	v := 0.0
	if status == registry.StatusHealthy {
		v = 1
	}
	c.upstreamHealthy.WithLabelValues(group, address).Set(v)
}

// SyncUpstreams resets the health gauge to exactly the given upstream
// set. Called after a reload so removed upstreams disappear.
func (c *Collector) SyncUpstreams(ups []registry.Upstream) {
	c.upstreamHealthy.Reset()
	for _, u := range ups {
		c.SetUpstreamHealth(u.Group, u.Address, u.Status)
	}
}

// SetGeneration records the active configuration generation.
func (c *Collector) SetGeneration(gen uint64) {
	c.configGeneration.Set(float64(gen))
}

// RecordReload counts one reload attempt.
func (c *Collector) RecordReload(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.reloadsTotal.WithLabelValues(outcome).Inc()
}

// Handler returns the scrape handler for the admin server.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// statusClass folds a status code into its class label.
func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
