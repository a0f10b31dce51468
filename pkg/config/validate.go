package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ValidationError names the specific check a configuration violated.
// The manager reports it verbatim and keeps the previous snapshot active.
type ValidationError struct {
	Check   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed [%s]: %s", e.Check, e.Message)
}

func violation(check, format string, args ...any) *ValidationError {
	return &ValidationError{Check: check, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the configuration as a whole. It returns the first
// violated check; a bad config is never partially applied.
func Validate(cfg *Config) error {
	if cfg.Proxy.ListenAddress == "" {
		return violation("proxy.listen_address", "listen address is required")
	}

	if err := validateUpstreams(cfg); err != nil {
		return err
	}
	if err := validateRoutes(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateAccessLog(cfg); err != nil {
		return err
	}
	return nil
}

func validateUpstreams(cfg *Config) error {
	if len(cfg.Upstreams) == 0 {
		return violation("upstreams", "at least one upstream group is required")
	}
	for group, ups := range cfg.Upstreams {
		if len(ups) == 0 {
			return violation("upstreams", "group %q has no instances", group)
		}
		seen := make(map[string]bool, len(ups))
		for _, u := range ups {
			if _, _, err := net.SplitHostPort(u.Address); err != nil {
				return violation("upstreams.address",
					"group %q: address %q is not host:port: %v", group, u.Address, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return violation("upstreams.scheme",
					"group %q: address %q: scheme %q is not http or https", group, u.Address, u.Scheme)
			}
			if seen[u.Address] {
				return violation("upstreams.address",
					"group %q: duplicate address %q", group, u.Address)
			}
			seen[u.Address] = true
		}
	}
	return nil
}

func validateRoutes(cfg *Config) error {
	if len(cfg.Routes) == 0 {
		return violation("routes", "at least one route is required")
	}

	names := make(map[string]bool, len(cfg.Routes))
	predicates := make(map[string]string, len(cfg.Routes))

	for _, r := range cfg.Routes {
		if r.Name == "" {
			return violation("routes.name", "every route needs a name")
		}
		if names[r.Name] {
			return violation("routes.name", "duplicate route name %q", r.Name)
		}
		names[r.Name] = true

		if (r.PathPrefix == "") == (r.PathRegex == "") {
			return violation("routes.path",
				"route %q must set exactly one of path_prefix and path_regex", r.Name)
		}
		if r.PathRegex != "" {
			if _, err := regexp.Compile(r.PathRegex); err != nil {
				return violation("routes.path_regex",
					"route %q: invalid pattern: %v", r.Name, err)
			}
		}

		if r.Group == "" {
			return violation("routes.group", "route %q has no upstream group", r.Name)
		}
		if _, ok := cfg.Upstreams[r.Group]; !ok {
			return violation("routes.group",
				"route %q references undefined upstream group %q", r.Name, r.Group)
		}

		// Two routes with an identical match predicate make ordering
		// ambiguous; reject instead of silently resolving.
		key := predicateKey(r)
		if other, dup := predicates[key]; dup {
			return violation("routes.predicate",
				"routes %q and %q share an identical match predicate", other, r.Name)
		}
		predicates[key] = r.Name

		for _, h := range r.Headers {
			if h.Name == "" {
				return violation("routes.headers", "route %q: header rule without a name", r.Name)
			}
		}
	}
	return nil
}

// predicateKey folds the host because matching is case-insensitive; two
// routes differing only in host case are the same predicate.
func predicateKey(r RouteConfig) string {
	host := strings.ToLower(r.Host)
	if r.PathRegex != "" {
		return host + "|~" + r.PathRegex
	}
	return host + "|" + r.PathPrefix
}

func validateTLS(cfg *Config) error {
	if !cfg.TLS.Enabled {
		return nil
	}
	if cfg.TLS.CertFile == "" {
		return violation("tls.cert_file", "cert_file is required when TLS is enabled")
	}
	if cfg.TLS.KeyFile == "" {
		return violation("tls.key_file", "key_file is required when TLS is enabled")
	}
	switch cfg.TLS.MinVersion {
	case "1.2", "1.3":
	default:
		return violation("tls.min_version",
			"minimum version %q not allowed (use \"1.2\" or \"1.3\")", cfg.TLS.MinVersion)
	}
	return nil
}

func validateAccessLog(cfg *Config) error {
	if !cfg.AccessLog.Enabled {
		return nil
	}
	if cfg.AccessLog.Path == "" {
		return violation("access_log.path", "path is required when access log is enabled")
	}
	return nil
}
