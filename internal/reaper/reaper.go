// Package reaper fails jobs left running by agents that stopped heartbeating
// and brings comparison reports back in line with their jobs.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/etlgate/internal/cache"
)

// OfflineMessage is recorded as the error of every reaped job.
const OfflineMessage = "agent offline"

// Store is the subset of store.Store the reaper needs.
type Store interface {
	FailStaleJobs(ctx context.Context, heartbeatBefore time.Time, message string, at time.Time) ([]uuid.UUID, error)
	ReconcileReports(ctx context.Context, at time.Time) (int64, error)
}

// Locker grants the sweep to one gateway process per interval.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Result summarizes one sweep.
type Result struct {
	Skipped         bool        `json:"skipped"`
	FailedJobs      []uuid.UUID `json:"failed_jobs"`
	ReconciledCount int64       `json:"reconciled_count"`
}

// Sweeper runs the sweep. A job is reaped when its agent's last heartbeat is
// older than window plus grace.
type Sweeper struct {
	store    Store
	locker   Locker
	window   time.Duration
	grace    time.Duration
	interval time.Duration
	now      func() time.Time
}

// New creates a Sweeper. A nil locker runs every sweep unconditionally, which
// is what one-shot callers such as the CLI want.
func New(st Store, locker Locker, window, grace, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    st,
		locker:   locker,
		window:   window,
		grace:    grace,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("reaper started", "interval", s.interval.String(), "window", s.window.String(), "grace", s.grace.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Error("reaper sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass: fail stale running jobs, then reconcile reports.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	if s.locker != nil {
		ttl := s.interval
		if ttl <= 0 {
			ttl = time.Minute
		}
		ok, err := s.locker.AcquireLock(ctx, cache.ReaperLockKey(), ttl)
		if err != nil {
			return Result{}, fmt.Errorf("acquiring reaper lock: %w", err)
		}
		if !ok {
			slog.Debug("reaper lock held elsewhere, skipping sweep")
			return Result{Skipped: true}, nil
		}
	}

	now := s.now()
	cutoff := now.Add(-(s.window + s.grace))

	failed, err := s.store.FailStaleJobs(ctx, cutoff, OfflineMessage, now)
	if err != nil {
		return Result{}, fmt.Errorf("failing stale jobs: %w", err)
	}
	for _, id := range failed {
		slog.Warn("job reaped", "job_id", id, "error", OfflineMessage)
	}

	reconciled, err := s.store.ReconcileReports(ctx, now)
	if err != nil {
		return Result{FailedJobs: failed}, fmt.Errorf("reconciling reports: %w", err)
	}
	if reconciled > 0 {
		slog.Info("reports reconciled", "count", reconciled)
	}

	return Result{FailedJobs: failed, ReconciledCount: reconciled}, nil
}
