// Package reconciler re-enqueues trigger events whose execution job was lost.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/prompthook/pkg/intake"
	"github.com/dukex/prompthook/pkg/metrics"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/robfig/cron/v3"
)

const (
	DefaultInterval  = 5 * time.Minute
	DefaultThreshold = 15 * time.Minute
	// DefaultLookback bounds how far back a sweep looks for unexecuted events.
	DefaultLookback = 24 * time.Hour

	sweepBatchSize = 500
)

type Config struct {
	Interval  time.Duration
	Threshold time.Duration
	Lookback  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}

	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}

	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}

	return c
}

// Reconciler periodically finds events recorded more than Threshold ago that still have
// no document log and never failed, and enqueues a fresh run job for each. Events
// settled in the meantime are skipped by the run job itself.
type Reconciler struct {
	persistence persistence.Persistence
	dispatcher  *intake.Dispatcher
	metrics     metrics.Sink
	config      Config
	logger      *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func New(p persistence.Persistence, dispatcher *intake.Dispatcher, sink metrics.Sink, config Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		persistence: p,
		dispatcher:  dispatcher,
		metrics:     sink,
		config:      config.withDefaults(),
		logger:      logger.With("module", "reconciler"),
		now:         time.Now,
	}
}

func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return nil
	}

	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	spec := "@every " + r.config.Interval.String()

	if _, err := r.cron.AddFunc(spec, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.ErrorContext(ctx, "Reconciliation sweep failed", "error", err)
		}
	}); err != nil {
		r.cron = nil

		return fmt.Errorf("failed to schedule reconciliation sweep: %w", err)
	}

	r.cron.Start()
	r.logger.InfoContext(ctx, "Reconciler started", "interval", r.config.Interval, "threshold", r.config.Threshold)

	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron == nil {
		return
	}

	<-r.cron.Stop().Done()
	r.cron = nil

	r.logger.InfoContext(ctx, "Reconciler stopped")
}

// Sweep re-enqueues every stale unexecuted event and returns how many were re-enqueued.
// A failed enqueue is logged and left for the next sweep.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	now := r.now().UTC()

	stale, err := r.persistence.TriggerEvents().Unexecuted(ctx, now.Add(-r.config.Lookback), now.Add(-r.config.Threshold), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list unexecuted trigger events: %w", err)
	}

	requeued := 0

	for _, event := range stale {
		if err := r.dispatcher.Requeue(ctx, event, now); err != nil {
			r.logger.ErrorContext(ctx, "Failed to re-enqueue trigger event",
				"trigger_event_uuid", event.UUID, "alert", true, "error", err)

			continue
		}

		requeued++
	}

	if requeued > 0 {
		r.logger.InfoContext(ctx, "Re-enqueued stale trigger events", "count", requeued, "found", len(stale))
	}

	r.metrics.TriggerEventsRequeued(requeued)

	return requeued, nil
}
