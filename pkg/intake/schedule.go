package intake

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/prompthook/pkg/metrics"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
)

const (
	DefaultScheduleInterval = time.Minute
	scheduleBatchSize       = 100
)

// SchedulePoller is a centralized orchestrator that polls the database for due trigger
// schedules and records one event per due schedule, whatever each schedule's cron
// expression is. Only one poller should run per database.
type SchedulePoller struct {
	persistence persistence.Persistence
	dispatcher  *Dispatcher
	metrics     metrics.Sink
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	ticker  *time.Ticker
	done    chan struct{}
	stopped chan struct{}
	started bool
}

func NewSchedulePoller(p persistence.Persistence, dispatcher *Dispatcher, sink metrics.Sink, interval time.Duration, logger *slog.Logger) *SchedulePoller {
	if interval <= 0 {
		interval = DefaultScheduleInterval
	}

	return &SchedulePoller{
		persistence: p,
		dispatcher:  dispatcher,
		metrics:     sink,
		interval:    interval,
		logger:      logger.With("module", "schedule_poller"),
		now:         time.Now,
	}
}

// Start begins polling in the background until Stop is called or ctx is cancelled.
func (s *SchedulePoller) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}

	s.logger.InfoContext(ctx, "Starting schedule poller", "interval", s.interval)

	s.ticker = time.NewTicker(s.interval)
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	s.started = true

	go s.poll(ctx)
}

// Stop halts polling and waits for the current round to finish.
func (s *SchedulePoller) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	s.ticker.Stop()
	close(s.done)
	<-s.stopped

	s.started = false
	s.logger.InfoContext(ctx, "Schedule poller stopped")
}

func (s *SchedulePoller) poll(ctx context.Context) {
	defer close(s.stopped)

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.ticker.C:
			if _, err := s.ProcessDue(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Failed to process due schedules", "error", err)
			}
		}
	}
}

// ProcessDue records events for every schedule due now and advances each one. It returns
// the number of events recorded.
func (s *SchedulePoller) ProcessDue(ctx context.Context) (int, error) {
	now := s.now().UTC()

	due, err := s.persistence.Triggers().DueSchedules(ctx, now, scheduleBatchSize)
	if err != nil {
		return 0, err
	}

	if len(due) > 0 {
		s.logger.InfoContext(ctx, "Processing due schedules", "count", len(due))
	}

	recorded := 0

	for _, schedule := range due {
		ok, err := s.fire(ctx, schedule, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to process due schedule", "trigger_uuid", schedule.TriggerUUID, "error", err)

			continue
		}

		if ok {
			recorded++
		}
	}

	return recorded, nil
}

// fire records the event of one due schedule. The trigger is resolved at its project's
// head commit; a trigger deleted everywhere loses its schedule, and one that is not live
// at head is skipped until it is.
func (s *SchedulePoller) fire(ctx context.Context, schedule *models.TriggerSchedule, now time.Time) (bool, error) {
	logger := s.logger.With("trigger_uuid", schedule.TriggerUUID, "due_at", schedule.NextRunAt)

	latest, err := s.persistence.Triggers().Latest(ctx, schedule.WorkspaceID, schedule.TriggerUUID)
	if persistence.IsTriggerNotFound(err) {
		logger.InfoContext(ctx, "Removing schedule of deleted trigger")

		return false, s.persistence.Triggers().DeleteSchedule(ctx, schedule.TriggerUUID)
	}

	if err != nil {
		return false, err
	}

	head, err := s.persistence.Documents().HeadCommit(ctx, latest.ProjectID)
	if err != nil {
		return false, err
	}

	trigger, err := s.persistence.Triggers().ByUUID(ctx, schedule.WorkspaceID, schedule.TriggerUUID, head.ID)
	if persistence.IsTriggerNotFound(err) {
		s.metrics.OccurrenceDropped(metrics.SourceSchedule, metrics.DropNoTriggers)
		logger.DebugContext(ctx, "Trigger is not live at head, skipping")

		return false, s.advance(ctx, schedule, now)
	}

	if err != nil {
		return false, err
	}

	payload := &models.ScheduledPayload{ScheduledAt: schedule.NextRunAt}

	if configuration, ok := trigger.Configuration.(*models.ScheduledConfiguration); ok {
		schedule.CronExpression = configuration.CronExpression
		schedule.Timezone = configuration.Timezone
	}

	if err := schedule.Advance(now); err != nil {
		return false, err
	}

	// The tick is consumed in the event's transaction: a failed save records no event and
	// the next poll fires the same tick again.
	_, err = s.dispatcher.register(ctx, []occurrence{{trigger: trigger, commitID: head.ID, payload: payload}}, func(ctx context.Context, tx persistence.Repositories) error {
		return tx.Triggers().SaveSchedule(ctx, schedule)
	})
	if err != nil {
		return false, err
	}

	logger.DebugContext(ctx, "Schedule advanced", "next_run_at", schedule.NextRunAt)

	return true, nil
}

func (s *SchedulePoller) advance(ctx context.Context, schedule *models.TriggerSchedule, now time.Time) error {
	if err := schedule.Advance(now); err != nil {
		return err
	}

	if err := s.persistence.Triggers().SaveSchedule(ctx, schedule); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "Schedule advanced", "trigger_uuid", schedule.TriggerUUID, "next_run_at", schedule.NextRunAt)

	return nil
}
