package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeKeyPair generates a self-signed certificate valid for the given
// window and writes PEM files into a temp dir.
func writeKeyPair(t *testing.T, notBefore, notAfter time.Time) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sso.example.com"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		DNSNames:     []string{"sso.example.com"},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "tls.crt")
	keyFile = filepath.Join(dir, "tls.key")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestLoadMaterial(t *testing.T) {
	certFile, keyFile := writeKeyPair(t, time.Now().Add(-time.Hour), time.Now().Add(90*24*time.Hour))

	mat, err := LoadMaterial(certFile, keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if mat.Leaf().Subject.CommonName != "sso.example.com" {
		t.Errorf("unexpected leaf subject %q", mat.Leaf().Subject.CommonName)
	}
}

func TestLoadMaterialErrors(t *testing.T) {
	certFile, keyFile := writeKeyPair(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		certFile string
		keyFile  string
	}{
		{"missing cert path", "", keyFile},
		{"missing key path", certFile, ""},
		{"unreadable cert", filepath.Join(t.TempDir(), "nope.crt"), keyFile},
		{"garbage cert", garbage, keyFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadMaterial(tt.certFile, tt.keyFile); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadMaterialExpired(t *testing.T) {
	certFile, keyFile := writeKeyPair(t, time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour))
	if _, err := LoadMaterial(certFile, keyFile); err == nil {
		t.Fatal("expired certificate must refuse to load")
	}
}

func TestSettingsBuild(t *testing.T) {
	certFile, keyFile := writeKeyPair(t, time.Now().Add(-time.Hour), time.Now().Add(90*24*time.Hour))

	cfg, mat, err := Settings{
		CertFile:     certFile,
		KeyFile:      keyFile,
		MinVersion:   "1.2",
		CipherSuites: []string{"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"},
	}.Build()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("expected floor TLS 1.2, got %x", cfg.MinVersion)
	}
	if len(cfg.CipherSuites) != 1 {
		t.Errorf("expected 1 allowed suite, got %d", len(cfg.CipherSuites))
	}
	if mat == nil {
		t.Error("expected material")
	}
}

func TestSettingsBuildRejectsBadPolicy(t *testing.T) {
	certFile, keyFile := writeKeyPair(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	if _, _, err := (Settings{CertFile: certFile, KeyFile: keyFile, MinVersion: "1.0"}).Build(); err == nil {
		t.Error("TLS 1.0 floor must be rejected")
	}
	if _, _, err := (Settings{CertFile: certFile, KeyFile: keyFile, CipherSuites: []string{"TLS_RSA_WITH_RC4_128_SHA"}}).Build(); err == nil {
		t.Error("unknown cipher suite must be rejected")
	}
}

func TestExpiryWarning(t *testing.T) {
	certFile, keyFile := writeKeyPair(t, time.Now().Add(-time.Hour), time.Now().Add(10*24*time.Hour))
	mat, err := LoadMaterial(certFile, keyFile)
	if err != nil {
		t.Fatal(err)
	}

	if w := mat.ExpiryWarning(30 * 24 * time.Hour); w == "" {
		t.Error("expected warning inside horizon")
	}
	if w := mat.ExpiryWarning(24 * time.Hour); w != "" {
		t.Errorf("expected no warning outside horizon, got %q", w)
	}
}

func TestExpiryMonitorDegrades(t *testing.T) {
	certFile, keyFile := writeKeyPair(t, time.Now().Add(-time.Hour), time.Now().Add(10*24*time.Hour))
	mat, err := LoadMaterial(certFile, keyFile)
	if err != nil {
		t.Fatal(err)
	}

	m := NewExpiryMonitor(func() *Material { return mat }, time.Hour, 30*24*time.Hour)
	m.check()

	if !m.Degraded() {
		t.Error("monitor should report degraded inside warn horizon")
	}
	if m.Warning() == "" {
		t.Error("monitor should expose a warning message")
	}
}

func TestExpiryMonitorHealthy(t *testing.T) {
	certFile, keyFile := writeKeyPair(t, time.Now().Add(-time.Hour), time.Now().Add(365*24*time.Hour))
	mat, err := LoadMaterial(certFile, keyFile)
	if err != nil {
		t.Fatal(err)
	}

	m := NewExpiryMonitor(func() *Material { return mat }, time.Hour, 30*24*time.Hour)
	m.check()

	if m.Degraded() {
		t.Errorf("monitor should be healthy, warning=%q", m.Warning())
	}
}
