package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sentinel-gw/sentinel/pkg/registry"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestRecordRequest(t *testing.T) {
	c := NewCollector("sentinel", Sources{})
	c.RecordRequest("auth", 200, 15*time.Millisecond)
	c.RecordRequest("auth", 200, 20*time.Millisecond)
	c.RecordRequest("auth", 503, time.Millisecond)
	c.RecordRequest("", 404, time.Millisecond)

	body := scrape(t, c)
	if !strings.Contains(body, `sentinel_requests_total{route="auth",status="2xx"} 2`) {
		t.Errorf("missing 2xx counter:\n%s", body)
	}
	if !strings.Contains(body, `sentinel_requests_total{route="auth",status="5xx"} 1`) {
		t.Error("missing 5xx counter")
	}
	if !strings.Contains(body, `sentinel_requests_total{route="unmatched",status="4xx"} 1`) {
		t.Error("missing unmatched counter")
	}
	if !strings.Contains(body, "sentinel_request_duration_seconds_count") {
		t.Error("missing duration histogram")
	}
}

func TestUpstreamHealthGauge(t *testing.T) {
	c := NewCollector("sentinel", Sources{})
	c.SetUpstreamHealth("idp", "10.0.0.1:8080", registry.StatusHealthy)
	c.SetUpstreamHealth("idp", "10.0.0.2:8080", registry.StatusUnhealthy)

	body := scrape(t, c)
	if !strings.Contains(body, `sentinel_upstream_healthy{address="10.0.0.1:8080",group="idp"} 1`) {
		t.Errorf("healthy gauge wrong:\n%s", body)
	}
	if !strings.Contains(body, `sentinel_upstream_healthy{address="10.0.0.2:8080",group="idp"} 0`) {
		t.Error("unhealthy gauge wrong")
	}
}

func TestSyncUpstreamsDropsRemoved(t *testing.T) {
	c := NewCollector("sentinel", Sources{})
	c.SetUpstreamHealth("idp", "10.0.0.9:8080", registry.StatusHealthy)

	c.SyncUpstreams([]registry.Upstream{
		{Group: "idp", Address: "10.0.0.1:8080", Status: registry.StatusHealthy},
	})

	body := scrape(t, c)
	if strings.Contains(body, "10.0.0.9:8080") {
		t.Error("removed upstream still exported")
	}
	if !strings.Contains(body, "10.0.0.1:8080") {
		t.Error("current upstream missing")
	}
}

func TestConnectionSourcesSampledAtScrape(t *testing.T) {
	active := 3.0
	c := NewCollector("", Sources{
		ActiveConnections:   func() float64 { return active },
		UpgradedConnections: func() float64 { return 1 },
		RejectedConnections: func() float64 { return 7 },
	})

	body := scrape(t, c)
	if !strings.Contains(body, "sentinel_connections_active 3") {
		t.Errorf("active gauge:\n%s", body)
	}
	if !strings.Contains(body, "sentinel_connections_rejected_total 7") {
		t.Error("rejected counter wrong")
	}

	active = 5
	if !strings.Contains(scrape(t, c), "sentinel_connections_active 5") {
		t.Error("gauge not sampled live")
	}
}

func TestGenerationAndReloads(t *testing.T) {
	c := NewCollector("sentinel", Sources{})
	c.SetGeneration(4)
	c.RecordReload(true)
	c.RecordReload(false)
	c.RecordReload(true)

	body := scrape(t, c)
	if !strings.Contains(body, "sentinel_config_generation 4") {
		t.Error("generation gauge wrong")
	}
	if !strings.Contains(body, `sentinel_config_reloads_total{outcome="success"} 2`) {
		t.Error("success counter wrong")
	}
	if !strings.Contains(body, `sentinel_config_reloads_total{outcome="failure"} 1`) {
		t.Error("failure counter wrong")
	}
}
