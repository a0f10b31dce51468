package config

import "time"

// Default values applied before validation.
const (
	DefaultListenAddress      = ":8443"
	DefaultAdminListenAddress = "127.0.0.1:9900"
	DefaultMaxConnections     = 1024
	DefaultAcceptQueue        = 256
	DefaultReadHeaderTimeout  = 10 * time.Second
	DefaultIdleTimeout        = 90 * time.Second
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultMaxHeaderBytes     = 1 << 20
	DefaultConnectTimeout     = 5 * time.Second
	DefaultReadTimeout        = 30 * time.Second

	DefaultHealthInterval         = 5 * time.Second
	DefaultHealthTimeout          = 2 * time.Second
	DefaultHealthPath             = "/health"
	DefaultHealthFailureThreshold = 3

	DefaultTLSMinVersion          = "1.2"
	DefaultExpiryRecheckInterval  = time.Hour
	DefaultExpiryWarnWindow       = 30 * 24 * time.Hour
	DefaultAccessLogBufferSize    = 1024
	DefaultAccessLogRetentionDays = 30
)

// ApplyDefaults fills zero-valued fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Proxy.ListenAddress == "" {
		cfg.Proxy.ListenAddress = DefaultListenAddress
	}
	if cfg.Proxy.MaxConnections <= 0 {
		cfg.Proxy.MaxConnections = DefaultMaxConnections
	}
	if cfg.Proxy.AcceptQueue <= 0 {
		cfg.Proxy.AcceptQueue = DefaultAcceptQueue
	}
	if cfg.Proxy.ReadHeaderTimeout <= 0 {
		cfg.Proxy.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.Proxy.IdleTimeout <= 0 {
		cfg.Proxy.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Proxy.ShutdownTimeout <= 0 {
		cfg.Proxy.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Proxy.MaxHeaderBytes <= 0 {
		cfg.Proxy.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Proxy.ConnectTimeout <= 0 {
		cfg.Proxy.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Proxy.ReadTimeout <= 0 {
		cfg.Proxy.ReadTimeout = DefaultReadTimeout
	}

	if cfg.Admin.ListenAddress == "" {
		cfg.Admin.ListenAddress = DefaultAdminListenAddress
	}

	if cfg.TLS.MinVersion == "" {
		cfg.TLS.MinVersion = DefaultTLSMinVersion
	}
	if cfg.TLS.ExpiryRecheckInterval <= 0 {
		cfg.TLS.ExpiryRecheckInterval = DefaultExpiryRecheckInterval
	}
	if cfg.TLS.ExpiryWarnWindow <= 0 {
		cfg.TLS.ExpiryWarnWindow = DefaultExpiryWarnWindow
	}

	if cfg.Health.Interval <= 0 {
		cfg.Health.Interval = DefaultHealthInterval
	}
	if cfg.Health.Timeout <= 0 {
		cfg.Health.Timeout = DefaultHealthTimeout
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = DefaultHealthPath
	}
	if cfg.Health.FailureThreshold <= 0 {
		cfg.Health.FailureThreshold = DefaultHealthFailureThreshold
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = "info"
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = "json"
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = "sentinel"
	}

	if cfg.AccessLog.BufferSize <= 0 {
		cfg.AccessLog.BufferSize = DefaultAccessLogBufferSize
	}
	if cfg.AccessLog.RetentionDays <= 0 {
		cfg.AccessLog.RetentionDays = DefaultAccessLogRetentionDays
	}

	for group, ups := range cfg.Upstreams {
		for i := range ups {
			if ups[i].Scheme == "" {
				ups[i].Scheme = "http"
			}
			if ups[i].Weight <= 0 {
				ups[i].Weight = 1
			}
		}
		cfg.Upstreams[group] = ups
	}

	for i := range cfg.Routes {
		if cfg.Routes[i].ConnectTimeout <= 0 {
			cfg.Routes[i].ConnectTimeout = cfg.Proxy.ConnectTimeout
		}
		if cfg.Routes[i].ReadTimeout <= 0 {
			cfg.Routes[i].ReadTimeout = cfg.Proxy.ReadTimeout
		}
	}
}
