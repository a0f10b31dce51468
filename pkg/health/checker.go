// Package health actively probes registered upstreams and drives their
// health state in the registry.
//
// Transitions are hysteretic: a configurable number of consecutive probe
// failures (default 3) flips an upstream to Unhealthy, while a single
// successful probe flips it back to Healthy. Each upstream is probed by
// its own goroutine so one slow instance never delays the others.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"sentinel-gw/sentinel/pkg/registry"
)

const (
	// DefaultInterval is the probe interval when none is configured.
	DefaultInterval = 5 * time.Second

	// DefaultTimeout is the per-probe timeout when none is configured.
	DefaultTimeout = 2 * time.Second

	// DefaultPath is the upstream health endpoint when none is configured.
	DefaultPath = "/health"

	// DefaultFailureThreshold is the consecutive-failure count that flips
	// an upstream Healthy -> Unhealthy.
	DefaultFailureThreshold = 3
)

// Config tunes the prober.
type Config struct {
	Interval         time.Duration
	Timeout          time.Duration
	Path             string
	FailureThreshold int
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// Checker probes every upstream in a registry on a fixed interval.
// A Checker belongs to one configuration snapshot; reloads stop the old
// checker and start a new one against the new registry.
type Checker struct {
	cfg    Config
	reg    *registry.Registry
	client *http.Client
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	failures map[string]int
	started  bool
}

// NewChecker creates a prober for the given registry.
func NewChecker(cfg Config, reg *registry.Registry) *Checker {
	cfg = cfg.withDefaults()
	return &Checker{
		cfg: cfg,
		reg: reg,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.Timeout,
				}).DialContext,
				MaxIdleConnsPerHost:   1,
				ResponseHeaderTimeout: cfg.Timeout,
				DisableKeepAlives:     true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:   slog.Default().With("component", "health"),
		failures: make(map[string]int),
	}
}

// Start launches one probe loop per registered upstream and returns.
// Calling Start twice is an error.
func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("health checker already started")
	}
	c.started = true
	c.mu.Unlock()

	ctx, c.cancel = context.WithCancel(ctx)

	upstreams := c.reg.All()
	for _, u := range upstreams {
		c.wg.Add(1)
		go c.probeLoop(ctx, u)
	}

	c.logger.Info("health checker started",
		"upstreams", len(upstreams),
		"interval", c.cfg.Interval,
		"timeout", c.cfg.Timeout,
		"failure_threshold", c.cfg.FailureThreshold,
	)
	return nil
}

// Stop cancels all probe loops and waits for them to exit.
func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// probeLoop probes a single upstream until the context is cancelled.
func (c *Checker) probeLoop(ctx context.Context, u registry.Upstream) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeOnce(ctx, u)
		}
	}
}

// probeOnce performs one probe and applies the hysteresis rules.
func (c *Checker) probeOnce(ctx context.Context, u registry.Upstream) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := c.probe(probeCtx, u)
	latency := time.Since(start)

	if err != nil {
		fails := c.recordFailure(u.Address)
		c.logger.Warn("upstream probe failed",
			"upstream", u.Address,
			"group", u.Group,
			"consecutive_failures", fails,
			"error", err,
			"latency", latency,
		)
		if fails == c.cfg.FailureThreshold {
			c.reg.MarkHealth(u.Address, registry.StatusUnhealthy)
			c.logger.Error("upstream marked unhealthy",
				"upstream", u.Address,
				"group", u.Group,
			)
		}
		return
	}

	wasFailing := c.resetFailures(u.Address)
	c.reg.MarkHealth(u.Address, registry.StatusHealthy)
	if wasFailing {
		c.logger.Info("upstream recovered",
			"upstream", u.Address,
			"group", u.Group,
			"latency", latency,
		)
	}
}

// probe issues a single GET to the upstream health path. Any 2xx status
// counts as healthy.
func (c *Checker) probe(ctx context.Context, u registry.Upstream) error {
	probeURL := u.URL()
	probeURL.Path = c.cfg.Path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL.String(), nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// recordFailure increments and returns the consecutive failure count.
func (c *Checker) recordFailure(address string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[address]++
	return c.failures[address]
}

// resetFailures clears the failure count, reporting whether the upstream
// had been failing.
func (c *Checker) resetFailures(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	failing := c.failures[address] > 0
	c.failures[address] = 0
	return failing
}
