package compute

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs compute passes on a periodic interval.
// It is stateless: each tick independently fetches events since the last
// checkpoint, so restarts and missed ticks are harmless.
type Scheduler struct {
	interval time.Duration
	engine   *Engine
	opts     Options
}

// NewScheduler creates a cron scheduler for the state engine.
func NewScheduler(interval time.Duration, engine *Engine, opts Options) *Scheduler {
	return &Scheduler{
		interval: interval,
		engine:   engine,
		opts:     opts,
	}
}

// Start begins periodic state computation. Runs until the context is
// cancelled, then performs one final drain so a graceful shutdown leaves no
// ready backlog behind.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[Scheduler] Starting state engine scheduler",
		"interval", s.interval,
		"batch_size", s.opts.BatchSize,
		"workers", s.opts.WorkerCount,
	)

	// Initial drain to catch up with any backlog from downtime.
	s.drainBacklog(ctx)

	for {
		select {
		case <-ticker.C:
			// Drain all pending events, not just one batch
			s.drainBacklog(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			slog.Info("[Scheduler] Running final drain before shutdown...")
			s.drainBacklog(shutdownCtx)
			slog.Info("[Scheduler] Final drain complete")

			return nil
		}
	}
}

// drainBacklog runs passes until the backlog is empty. This prevents
// unbounded staleness during burst ingestion.
func (s *Scheduler) drainBacklog(ctx context.Context) {
	passCount := 0
	maxConsecutivePasses := 100 // Safety limit to prevent infinite loop

	for passCount < maxConsecutivePasses {
		select {
		case <-ctx.Done():
			slog.Info("[Scheduler] Drain interrupted by context cancellation",
				"passes_completed", passCount)
			return
		default:
		}

		report, err := s.engine.RunPass(ctx, s.opts)
		if err != nil {
			slog.Error("[Scheduler] Compute pass failed",
				"error", err,
				"pass_number", passCount+1)
			return
		}
		passCount++

		if report.Signal() == SignalComputationError {
			// The checkpoint did not advance; retrying immediately would
			// replay the same failing batch. Wait for the next tick.
			slog.Warn("[Scheduler] Pass reported partition failures, pausing drain",
				"failed_partitions", len(report.PartitionErrors))
			return
		}

		// Fewer events than a full batch means the backlog is drained.
		if report.EventsProcessed < s.effectiveBatchSize() {
			if passCount > 1 {
				slog.Info("[Scheduler] Backlog drained", "total_passes", passCount)
			}
			return
		}

		slog.Info("[Scheduler] Backlog detected, continuing to drain",
			"passes_so_far", passCount)
	}

	slog.Warn("[Scheduler] Max consecutive passes reached, pausing drain",
		"max_passes", maxConsecutivePasses,
		"note", "Will resume on next tick")
}

func (s *Scheduler) effectiveBatchSize() int {
	n := s.opts.normalized(s.engine.cfg)
	return n.BatchSize
}
