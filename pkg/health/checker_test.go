package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"sentinel-gw/sentinel/pkg/registry"
)

func upstreamFor(t *testing.T, srv *httptest.Server, group string) registry.Upstream {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return registry.Upstream{Address: u.Host, Scheme: "http", Group: group}
}

func TestHysteresisExactlyThreeFailures(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := registry.New()
	up := upstreamFor(t, srv, "idp")
	reg.Register(up)
	reg.MarkHealth(up.Address, registry.StatusHealthy)

	c := NewChecker(Config{}, reg)
	ctx := context.Background()

	// Two failures: still eligible.
	c.probeOnce(ctx, up)
	c.probeOnce(ctx, up)
	if got, _ := reg.Lookup(up.Address); got.Status == registry.StatusUnhealthy {
		t.Fatal("upstream flipped unhealthy before third consecutive failure")
	}

	// Third failure: flips.
	c.probeOnce(ctx, up)
	if got, _ := reg.Lookup(up.Address); got.Status != registry.StatusUnhealthy {
		t.Fatalf("expected unhealthy after 3 failures, got %s", got.Status)
	}

	// One success flips back.
	healthy.Store(true)
	c.probeOnce(ctx, up)
	if got, _ := reg.Lookup(up.Address); got.Status != registry.StatusHealthy {
		t.Fatalf("expected healthy after single success, got %s", got.Status)
	}
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := registry.New()
	up := upstreamFor(t, srv, "idp")
	reg.Register(up)

	c := NewChecker(Config{}, reg)
	ctx := context.Background()

	// Two failures, then a success, then two more failures: counter must
	// have reset, so the upstream stays eligible.
	healthy.Store(false)
	c.probeOnce(ctx, up)
	c.probeOnce(ctx, up)
	healthy.Store(true)
	c.probeOnce(ctx, up)
	healthy.Store(false)
	c.probeOnce(ctx, up)
	c.probeOnce(ctx, up)

	if got, _ := reg.Lookup(up.Address); got.Status == registry.StatusUnhealthy {
		t.Fatal("failure counter did not reset on success")
	}
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	reg := registry.New()
	up := upstreamFor(t, srv, "idp")
	reg.Register(up)

	c := NewChecker(Config{Timeout: 50 * time.Millisecond, FailureThreshold: 1}, reg)
	c.probeOnce(context.Background(), up)

	if got, _ := reg.Lookup(up.Address); got.Status != registry.StatusUnhealthy {
		t.Fatalf("expected unhealthy after probe timeout, got %s", got.Status)
	}
}

func TestProbeUsesConfiguredPath(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registry.New()
	up := upstreamFor(t, srv, "idp")
	reg.Register(up)

	c := NewChecker(Config{Path: "/auth/health/ready"}, reg)
	c.probeOnce(context.Background(), up)

	if got, _ := path.Load().(string); got != "/auth/health/ready" {
		t.Errorf("expected probe on /auth/health/ready, got %q", got)
	}
}

func TestStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registry.New()
	up := upstreamFor(t, srv, "idp")
	reg.Register(up)

	c := NewChecker(Config{Interval: 10 * time.Millisecond}, reg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.After(2 * time.Second)
	for {
		if got, _ := reg.Lookup(up.Address); got.Status == registry.StatusHealthy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("upstream never probed healthy")
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.Stop()
}
