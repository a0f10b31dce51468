package server

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sentinel-gw/sentinel/pkg/config"
	"sentinel-gw/sentinel/pkg/proxy"
	"sentinel-gw/sentinel/pkg/proxy/middleware"
	"sentinel-gw/sentinel/pkg/tracker"
)

func testProxyConfig() config.ProxyConfig {
	return config.ProxyConfig{
		ListenAddress:     "127.0.0.1:0",
		MaxConnections:    8,
		AcceptQueue:       8,
		ReadHeaderTimeout: 2 * time.Second,
		IdleTimeout:       10 * time.Second,
		ShutdownTimeout:   2 * time.Second,
	}
}

func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("server exited with %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l := srv.Listener(); l != nil {
			return l.Addr().String()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never bound")
	return ""
}

func TestServeForwardsThroughPinnedSnapshot(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "realm data")
	}))
	defer upstream.Close()
	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}

	store := proxy.NewStore()
	m := proxy.NewManager(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer m.Stop()
	_, err = m.Apply(ctx, &config.Config{
		Routes: []config.RouteConfig{{
			Name:       "auth",
			PathPrefix: "/auth/",
			Group:      "idp",
		}},
		Upstreams: map[string][]config.UpstreamConfig{
			"idp": {{Address: u.Host, Scheme: "http", Weight: 1}},
		},
		Health: config.HealthConfig{Interval: time.Hour, Timeout: time.Second, Path: "/health", FailureThreshold: 3},
	})
	if err != nil {
		t.Fatal(err)
	}

	tr := tracker.New(0)
	handler := proxy.NewHandler(store, tr)
	srv := New(testProxyConfig(), false, store, tr, handler)
	addr := startServer(t, srv)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/auth/realms/main")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	resp, err = client.Get("http://" + addr + "/unknown/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServeWithoutSnapshotIs503(t *testing.T) {
	store := proxy.NewStore()
	tr := tracker.New(0)
	srv := New(testProxyConfig(), false, store, tr, proxy.NewHandler(store, tr))
	addr := startServer(t, srv)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/auth/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestConnectionsAreTrackedAndForgotten(t *testing.T) {
	store := proxy.NewStore()
	tr := tracker.New(0)
	srv := New(testProxyConfig(), false, store, tr, proxy.NewHandler(store, tr))
	addr := startServer(t, srv)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/auth/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// With keep-alives off the connection closes after the exchange and
	// the tracker must drop it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if total, _ := tr.Counts(); total == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	total, _ := tr.Counts()
	t.Errorf("tracked connections = %d, want 0 after close", total)
}

// echoUpgradeHandler answers an Upgrade: echo request with 101 and then
// echoes lines on the hijacked stream until the peer closes.
func echoUpgradeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Upgrade"), "echo") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		buf.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: echo\r\nConnection: Upgrade\r\n\r\n")
		if err := buf.Flush(); err != nil {
			return
		}
		for {
			line, err := buf.ReadString('\n')
			if err != nil {
				return
			}
			buf.WriteString(line)
			if err := buf.Flush(); err != nil {
				return
			}
		}
	})
}

func echoConfig(upstreamHost string, extraRoute bool) *config.Config {
	cfg := &config.Config{
		Routes: []config.RouteConfig{{
			Name:       "sessions",
			PathPrefix: "/ws/",
			Group:      "idp",
		}},
		Upstreams: map[string][]config.UpstreamConfig{
			"idp": {{Address: upstreamHost, Scheme: "http", Weight: 1}},
		},
		Health: config.HealthConfig{Interval: time.Hour, Timeout: time.Second, Path: "/health", FailureThreshold: 3},
	}
	if extraRoute {
		cfg.Routes = append(cfg.Routes, config.RouteConfig{
			Name:       "auth",
			PathPrefix: "/auth/",
			Group:      "idp",
		})
	}
	return cfg
}

func TestUpgradedSessionSurvivesReload(t *testing.T) {
	upstream := httptest.NewServer(echoUpgradeHandler())
	defer upstream.Close()
	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}

	store := proxy.NewStore()
	m := proxy.NewManager(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer m.Stop()
	if _, err := m.Apply(ctx, echoConfig(u.Host, false)); err != nil {
		t.Fatal(err)
	}

	tr := tracker.New(0)
	handler := proxy.NewHandler(store, tr)
	chain := middleware.Recovery(middleware.Logging(middleware.RequestID(handler)))
	srv := New(testProxyConfig(), false, store, tr, chain)
	addr := startServer(t, srv)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprintf(conn, "GET /ws/session HTTP/1.1\r\nHost: %s\r\nUpgrade: echo\r\nConnection: Upgrade\r\n\r\n", addr)
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "101") {
		t.Fatalf("status line = %q, want 101", status)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" {
			break
		}
	}

	echo := func(msg string) {
		t.Helper()
		if _, err := fmt.Fprintf(conn, "%s\n", msg); err != nil {
			t.Fatalf("writing %q: %v", msg, err)
		}
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading echo of %q: %v", msg, err)
		}
		if line != msg+"\n" {
			t.Fatalf("echo = %q, want %q", line, msg+"\n")
		}
	}
	echo("before reload")

	// Publish generation 2 while the stream is open.
	if _, err := m.Apply(ctx, echoConfig(u.Host, true)); err != nil {
		t.Fatal(err)
	}
	if gen := store.Active().Generation(); gen != 2 {
		t.Fatalf("active generation = %d, want 2", gen)
	}

	echo("after reload")

	if _, upgraded := tr.Counts(); upgraded != 1 {
		t.Errorf("upgraded sessions = %d, want 1", upgraded)
	}
}

// writeServerKeyPair generates a self-signed certificate whose common
// name identifies the generation it belongs to.
func writeServerKeyPair(t *testing.T, commonName string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		DNSNames:     []string{"sso.example.com"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
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

func tlsEchoConfig(t *testing.T, upstreamHost, commonName string) *config.Config {
	t.Helper()
	certFile, keyFile := writeServerKeyPair(t, commonName)
	cfg := echoConfig(upstreamHost, false)
	cfg.TLS = config.TLSConfig{
		Enabled:  true,
		CertFile: certFile,
		KeyFile:  keyFile,
	}
	return cfg
}

// A reload landing between accept and handshake must not switch the
// certificate: the handshake serves the generation pinned at accept.
func TestHandshakeServesPinnedGeneration(t *testing.T) {
	store := proxy.NewStore()
	m := proxy.NewManager(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer m.Stop()
	if _, err := m.Apply(ctx, tlsEchoConfig(t, "10.0.0.1:8080", "generation-1")); err != nil {
		t.Fatal(err)
	}

	tr := tracker.New(0)
	cfg := testProxyConfig()
	cfg.ReadHeaderTimeout = 5 * time.Second
	srv := New(cfg, true, store, tr, proxy.NewHandler(store, tr))
	addr := startServer(t, srv)

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	// The snapshot pin happens at accept; wait for the tracker to see
	// the connection before reloading.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if total, _ := tr.Counts(); total == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection never tracked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := m.Apply(ctx, tlsEchoConfig(t, "10.0.0.1:8080", "generation-2")); err != nil {
		t.Fatal(err)
	}

	tlsConn := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	defer tlsConn.Close()
	tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		t.Fatal(err)
	}

	leaf := tlsConn.ConnectionState().PeerCertificates[0]
	if leaf.Subject.CommonName != "generation-1" {
		t.Errorf("served certificate = %q, want the pinned generation-1", leaf.Subject.CommonName)
	}
}

func TestStartTwiceFails(t *testing.T) {
	store := proxy.NewStore()
	tr := tracker.New(0)
	srv := New(testProxyConfig(), false, store, tr, proxy.NewHandler(store, tr))
	startServer(t, srv)

	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}
