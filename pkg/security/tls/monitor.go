package tls

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// DefaultRecheckInterval is how often the monitor re-examines the
	// active certificate.
	DefaultRecheckInterval = time.Hour

	// DefaultWarnHorizon is the remaining lifetime below which the monitor
	// reports degraded health.
	DefaultWarnHorizon = 30 * 24 * time.Hour
)

// ExpiryMonitor periodically rechecks the active snapshot's certificate.
// Expiry after load is surfaced as a degraded-health warning through the
// admin report, never as a crash: an expired certificate keeps serving
// until the operator rotates it.
type ExpiryMonitor struct {
	material func() *Material
	interval time.Duration
	horizon  time.Duration
	logger   *slog.Logger

	degraded atomic.Bool
	warning  atomic.Value // string
}

// NewExpiryMonitor creates a monitor reading the current material through
// the getter, so a reload is picked up on the next tick.
func NewExpiryMonitor(material func() *Material, interval, horizon time.Duration) *ExpiryMonitor {
	if interval <= 0 {
		interval = DefaultRecheckInterval
	}
	if horizon <= 0 {
		horizon = DefaultWarnHorizon
	}
	m := &ExpiryMonitor{
		material: material,
		interval: interval,
		horizon:  horizon,
		logger:   slog.Default().With("component", "tls.monitor"),
	}
	m.warning.Store("")
	return m
}

// Start checks immediately, then on every interval until ctx is cancelled.
func (m *ExpiryMonitor) Start(ctx context.Context) {
	m.check()
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
}

// Degraded reports whether the active certificate is expired or inside the
// warning horizon.
func (m *ExpiryMonitor) Degraded() bool {
	return m.degraded.Load()
}

// Warning returns the current human-readable warning, empty when healthy.
func (m *ExpiryMonitor) Warning() string {
	return m.warning.Load().(string)
}

func (m *ExpiryMonitor) check() {
	mat := m.material()
	if mat == nil {
		return
	}

	warning := mat.ExpiryWarning(m.horizon)
	m.warning.Store(warning)

	if warning == "" {
		if m.degraded.Swap(false) {
			m.logger.Info("certificate health recovered",
				"subject", mat.Leaf().Subject.CommonName,
				"expires_at", mat.Leaf().NotAfter.Format(time.RFC3339),
			)
		}
		return
	}

	if !m.degraded.Swap(true) {
		m.logger.Warn("certificate health degraded",
			"warning", warning,
		)
	}
}
