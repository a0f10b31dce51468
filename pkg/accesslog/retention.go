package accesslog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes access records past the retention window.
type Pruner struct {
	store         *Store
	retentionDays int
	logger        *slog.Logger
}

// NewPruner creates a pruner keeping retentionDays of records.
func NewPruner(store *Store, retentionDays int) *Pruner {
	return &Pruner{
		store:         store,
		retentionDays: retentionDays,
		logger:        slog.Default().With("component", "accesslog.pruner"),
	}
}

// Prune deletes records older than the retention window and returns how
// many were removed. A retention of zero or less means keep everything.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	if p.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -p.retentionDays)
	return p.store.DeleteOlderThan(ctx, cutoff)
}

// Scheduler runs the pruner on a cron schedule.
type Scheduler struct {
	pruner   *Pruner
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler for the given cron expression, in
// standard five-field syntax. An empty schedule disables pruning.
func NewScheduler(pruner *Pruner, schedule string) *Scheduler {
	return &Scheduler{
		pruner:   pruner,
		schedule: schedule,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "accesslog.scheduler"),
	}
}

// Start begins scheduled pruning. It returns an error for an invalid
// cron expression and does nothing for an empty one.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("prune schedule not configured, retention disabled")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", s.schedule, err)
	}

	_, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) })
	if err != nil {
		return fmt.Errorf("scheduling prune job: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("retention scheduler started",
		"schedule", s.schedule,
		"retention_days", s.pruner.retentionDays,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	deleted, err := s.pruner.Prune(ctx)
	if err != nil {
		s.logger.Error("scheduled pruning failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("pruned access records", "deleted", deleted)
	}
}

// Stop halts the scheduler, waiting for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
	}
}
