// Package tls terminates client TLS for the proxy: certificate loading,
// protocol floor and cipher policy enforcement, and expiry monitoring.
//
// Missing or unreadable key material is fatal at snapshot load. An expired
// certificate discovered after load degrades health visibly instead of
// taking the proxy down.
package tls

import (
	"crypto/tls"
	"fmt"
)

// Settings is the TLS portion of a configuration snapshot.
type Settings struct {
	// CertFile is the path to the PEM-encoded certificate chain.
	CertFile string

	// KeyFile is the path to the PEM-encoded private key.
	KeyFile string

	// MinVersion is the protocol floor, "1.2" or "1.3". Handshakes below
	// the floor are refused. Default: "1.2".
	MinVersion string

	// CipherSuites is the TLS 1.2 cipher allow-list by name. Empty means
	// Go's secure defaults. TLS 1.3 suites are fixed by the runtime.
	CipherSuites []string
}

// Build loads the key material and produces a server tls.Config enforcing
// the configured floor and cipher policy. The returned Material carries
// the parsed leaf for expiry reporting.
func (s Settings) Build() (*tls.Config, *Material, error) {
	mat, err := LoadMaterial(s.CertFile, s.KeyFile)
	if err != nil {
		return nil, nil, err
	}

	minVersion, err := parseVersion(s.MinVersion)
	if err != nil {
		return nil, nil, err
	}

	suites, err := parseCipherSuites(s.CipherSuites)
	if err != nil {
		return nil, nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{mat.cert},
		MinVersion:   minVersion,
		CipherSuites: suites,
	}
	return cfg, mat, nil
}

// parseVersion maps the configured floor to a tls constant.
// TLS 1.0 and 1.1 are not accepted as floors.
func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS minimum version %q (use \"1.2\" or \"1.3\")", v)
	}
}

// parseCipherSuites resolves the allow-list. Unknown names are an error so
// a typo cannot silently widen the policy.
func parseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}

	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := cipherSuiteMap[name]
		if !ok {
			return nil, fmt.Errorf("unknown or disallowed cipher suite %q", name)
		}
		suites = append(suites, id)
	}
	return suites, nil
}

// cipherSuiteMap holds the allowable suites by name. Only AEAD suites with
// forward secrecy are listed.
var cipherSuiteMap = map[string]uint16{
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305":    tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305":  tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}
