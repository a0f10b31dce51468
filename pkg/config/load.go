package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, defaults, and validates a configuration file. It applies
// environment variable overrides of the form SENTINEL_SECTION_FIELD
// before validation, so an override can never bypass a check.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets deployment environments override addresses and
// key material locations without editing the file. TLS paths in
// particular are expected to come from an external secret store mount.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_PROXY_LISTEN_ADDRESS"); v != "" {
		cfg.Proxy.ListenAddress = v
	}
	if v := os.Getenv("SENTINEL_ADMIN_LISTEN_ADDRESS"); v != "" {
		cfg.Admin.ListenAddress = v
	}
	if v := os.Getenv("SENTINEL_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("SENTINEL_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Telemetry.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_ACCESS_LOG_PATH"); v != "" {
		cfg.AccessLog.Path = v
	}
}
