package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// Material is loaded and validated key material for one snapshot.
type Material struct {
	cert tls.Certificate
	leaf *x509.Certificate
}

// LoadMaterial reads and parses the certificate chain and private key.
// Any failure here must refuse snapshot activation.
func LoadMaterial(certFile, keyFile string) (*Material, error) {
	if certFile == "" {
		return nil, fmt.Errorf("cert_file is required when TLS is enabled")
	}
	if keyFile == "" {
		return nil, fmt.Errorf("key_file is required when TLS is enabled")
	}
	if _, err := os.Stat(certFile); err != nil {
		return nil, fmt.Errorf("certificate file unreadable: %w", err)
	}
	if _, err := os.Stat(keyFile); err != nil {
		return nil, fmt.Errorf("key file unreadable: %w", err)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("certificate chain is empty")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing leaf certificate: %w", err)
	}

	if err := validateValidity(leaf); err != nil {
		return nil, err
	}

	return &Material{cert: cert, leaf: leaf}, nil
}

// Leaf returns the parsed leaf certificate.
func (m *Material) Leaf() *x509.Certificate {
	return m.leaf
}

// validateValidity rejects material that is expired or not yet valid.
func validateValidity(cert *x509.Certificate) error {
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate not yet valid (valid from %s)", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate expired on %s", cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// ExpiresIn returns the remaining lifetime of the leaf. Negative when the
// certificate has already expired.
func (m *Material) ExpiresIn() time.Duration {
	return time.Until(m.leaf.NotAfter)
}

// ExpiryWarning returns a non-empty message when the leaf is expired or
// expires within the given horizon.
func (m *Material) ExpiryWarning(horizon time.Duration) string {
	remaining := m.ExpiresIn()
	switch {
	case remaining <= 0:
		return fmt.Sprintf("certificate for %s expired on %s",
			m.leaf.Subject.CommonName, m.leaf.NotAfter.Format(time.RFC3339))
	case remaining < horizon:
		return fmt.Sprintf("certificate for %s expires in %s (on %s)",
			m.leaf.Subject.CommonName, remaining.Round(time.Hour), m.leaf.NotAfter.Format("2006-01-02"))
	default:
		return ""
	}
}
