// Package config loads, defaults, and validates the proxy's YAML
// configuration, and watches the file for changes to trigger reloads.
//
// A Config is the file-level description; the proxy manager compiles it
// into an immutable runtime snapshot. Validation rejects a bad file as a
// whole: the previously active snapshot keeps serving.
package config

import (
	"time"
)

// Config is the root configuration document.
type Config struct {
	Proxy     ProxyConfig                 `yaml:"proxy"`
	Admin     AdminConfig                 `yaml:"admin"`
	TLS       TLSConfig                   `yaml:"tls"`
	Routes    []RouteConfig               `yaml:"routes"`
	Upstreams map[string][]UpstreamConfig `yaml:"upstreams"`
	Health    HealthConfig                `yaml:"health_check"`
	Sessions  SessionConfig               `yaml:"sessions"`
	Telemetry TelemetryConfig             `yaml:"telemetry"`
	AccessLog AccessLogConfig             `yaml:"access_log"`
}

// ProxyConfig configures the client-facing listener.
type ProxyConfig struct {
	// ListenAddress is the host:port the proxy binds. A bind failure is
	// fatal at startup.
	ListenAddress string `yaml:"listen_address"`

	// MaxConnections caps concurrently served connections.
	MaxConnections int `yaml:"max_connections"`

	// AcceptQueue is how many connections may wait for a serving slot.
	// Beyond it, new connections are closed immediately.
	AcceptQueue int `yaml:"accept_queue"`

	// ReadHeaderTimeout bounds reading a request's header section.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// IdleTimeout closes keep-alive connections with no pending request.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes bounds request header size.
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// ConnectTimeout is the default upstream dial timeout for routes that
	// do not set their own.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ReadTimeout is the default upstream response timeout for routes
	// that do not set their own.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// AdminConfig configures the administrative listener.
type AdminConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// TLSConfig configures client-side TLS termination.
type TLSConfig struct {
	Enabled      bool     `yaml:"enabled"`
	CertFile     string   `yaml:"cert_file"`
	KeyFile      string   `yaml:"key_file"`
	MinVersion   string   `yaml:"min_version"`
	CipherSuites []string `yaml:"cipher_suites"`

	// ExpiryRecheckInterval is how often the expiry monitor re-examines
	// the active certificate.
	ExpiryRecheckInterval time.Duration `yaml:"expiry_recheck_interval"`

	// ExpiryWarnWindow is the remaining lifetime below which health is
	// reported degraded.
	ExpiryWarnWindow time.Duration `yaml:"expiry_warn_window"`
}

// RouteConfig is one routing rule. Order in the file is match order.
type RouteConfig struct {
	Name string `yaml:"name"`

	// Host is an exact host match; empty matches any host.
	Host string `yaml:"host"`

	// Exactly one of PathPrefix and PathRegex must be set.
	PathPrefix string `yaml:"path_prefix"`
	PathRegex  string `yaml:"path_regex"`

	// Group names the target upstream group.
	Group string `yaml:"group"`

	// PreserveHost forwards the client Host header upstream.
	PreserveHost bool `yaml:"preserve_host"`

	// Headers are rewrite rules applied in order.
	Headers []HeaderConfig `yaml:"headers"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`

	// CacheTTL enables a static max-age cache policy when positive.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// HeaderConfig is a header rewrite rule. Value supports the placeholders
// $remote_ip, $host and $scheme.
type HeaderConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// UpstreamConfig is one backend instance inside a group.
type UpstreamConfig struct {
	Address string `yaml:"address"`
	Scheme  string `yaml:"scheme"`
	Weight  int    `yaml:"weight"`
}

// HealthConfig configures active upstream probing.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	Path             string        `yaml:"path"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// SessionConfig configures upgraded-connection handling.
type SessionConfig struct {
	// MaxUpgradedLifetime force-closes upgraded sessions older than this.
	// Zero means unbounded.
	MaxUpgradedLifetime time.Duration `yaml:"max_upgraded_lifetime"`
}

// TelemetryConfig configures logging and metrics.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// AccessLogConfig configures the SQLite access-record store.
type AccessLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	BufferSize    int    `yaml:"buffer_size"`
	RetentionDays int    `yaml:"retention_days"`

	// PruneSchedule is a cron expression; empty disables pruning.
	PruneSchedule string `yaml:"prune_schedule"`
}
