package core

// scheduler.go runs the periodic pallet reconciliation.
//
// Pallet aggregates are derived data. Imports and container moves recompute
// the pallets they touch, but a failed recompute or a write made outside the
// service leaves a stale aggregate behind. The scheduler rebuilds every
// pallet from its devices on a fixed interval and logs what it finds; a
// failed run never stops the scheduler.

import (
	"context"
	"log/slog"
	"time"
)

// StartReconcileScheduler recomputes all pallets immediately and then
// every interval, until ctx is cancelled. It blocks; run it in its own
// goroutine. A non-positive interval runs once.
func (s *Service) StartReconcileScheduler(ctx context.Context, interval time.Duration) {
	slog.Info("reconcile scheduler started", "interval", interval.String())

	s.runReconcileJob(ctx)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconcile scheduler stopped")
			return
		case <-ticker.C:
			s.runReconcileJob(ctx)
		}
	}
}

// runReconcileJob performs one reconciliation pass.
func (s *Service) runReconcileJob(ctx context.Context) {
	start := time.Now()

	sum, err := s.ReconcilePallets(ctx)
	if err != nil {
		slog.Error("pallet reconciliation failed", "error", err)
		return
	}
	for _, v := range sum.Violations {
		slog.Warn("pallet hierarchy violation", "error", v)
	}
	slog.Info("pallet reconciliation completed",
		"pallets", len(sum.Pallets),
		"deleted", len(sum.Deleted),
		"violations", len(sum.Violations),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
