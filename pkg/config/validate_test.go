package config

import (
	"errors"
	"strings"
	"testing"
)

func baseConfig() *Config {
	cfg := &Config{
		Upstreams: map[string][]UpstreamConfig{
			"keycloak": {{Address: "10.0.0.1:8080", Scheme: "http", Weight: 1}},
		},
		Routes: []RouteConfig{
			{Name: "auth", PathPrefix: "/auth/", Group: "keycloak"},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidateOK(t *testing.T) {
	if err := Validate(baseConfig()); err != nil {
		t.Fatal(err)
	}
}

func TestValidateViolations(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantCheck string
	}{
		{
			"no upstreams",
			func(c *Config) { c.Upstreams = nil },
			"upstreams",
		},
		{
			"empty group",
			func(c *Config) { c.Upstreams["empty"] = nil },
			"upstreams",
		},
		{
			"bad address",
			func(c *Config) {
				c.Upstreams["keycloak"][0].Address = "no-port"
			},
			"upstreams.address",
		},
		{
			"bad scheme",
			func(c *Config) {
				c.Upstreams["keycloak"][0].Scheme = "ftp"
			},
			"upstreams.scheme",
		},
		{
			"no routes",
			func(c *Config) { c.Routes = nil },
			"routes",
		},
		{
			"unnamed route",
			func(c *Config) { c.Routes[0].Name = "" },
			"routes.name",
		},
		{
			"undefined group",
			func(c *Config) { c.Routes[0].Group = "ghost" },
			"routes.group",
		},
		{
			"both path kinds",
			func(c *Config) { c.Routes[0].PathRegex = "^/auth/" },
			"routes.path",
		},
		{
			"neither path kind",
			func(c *Config) { c.Routes[0].PathPrefix = "" },
			"routes.path",
		},
		{
			"invalid regex",
			func(c *Config) {
				c.Routes[0].PathPrefix = ""
				c.Routes[0].PathRegex = "("
			},
			"routes.path_regex",
		},
		{
			"duplicate predicate",
			func(c *Config) {
				c.Routes = append(c.Routes, RouteConfig{
					Name: "auth2", PathPrefix: "/auth/", Group: "keycloak",
				})
			},
			"routes.predicate",
		},
		{
			"duplicate predicate differing in host case",
			func(c *Config) {
				c.Routes = []RouteConfig{
					{Name: "a", Host: "Admin.Example.Com", PathPrefix: "/auth/", Group: "keycloak"},
					{Name: "b", Host: "admin.example.com", PathPrefix: "/auth/", Group: "keycloak"},
				}
			},
			"routes.predicate",
		},
		{
			"tls without cert",
			func(c *Config) { c.TLS.Enabled = true; c.TLS.KeyFile = "k" },
			"tls.cert_file",
		},
		{
			"tls bad floor",
			func(c *Config) {
				c.TLS.Enabled = true
				c.TLS.CertFile = "c"
				c.TLS.KeyFile = "k"
				c.TLS.MinVersion = "1.1"
			},
			"tls.min_version",
		},
		{
			"access log without path",
			func(c *Config) { c.AccessLog.Enabled = true },
			"access_log.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Check != tt.wantCheck {
				t.Errorf("violated check = %q, want %q (%s)", verr.Check, tt.wantCheck, verr.Message)
			}
			if !strings.Contains(verr.Error(), tt.wantCheck) {
				t.Errorf("error text should name the check: %q", verr.Error())
			}
		})
	}
}

// Identical prefix under different hosts is two distinct predicates.
func TestValidateSamePrefixDifferentHosts(t *testing.T) {
	cfg := baseConfig()
	cfg.Routes = []RouteConfig{
		{Name: "a", Host: "a.example.com", PathPrefix: "/auth/", Group: "keycloak"},
		{Name: "b", Host: "b.example.com", PathPrefix: "/auth/", Group: "keycloak"},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("distinct hosts should validate: %v", err)
	}
}
