// Package intake turns external occurrences into trigger events and runs them.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dukex/prompthook/pkg/eventbus"
	"github.com/dukex/prompthook/pkg/events"
	"github.com/dukex/prompthook/pkg/jobs"
	"github.com/dukex/prompthook/pkg/metrics"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/otelhelper"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	RunJob      = "trigger_event.run"
	RunAttempts = 3
	RunBackoff  = 5 * time.Second

	enqueueAttempts = 3
	enqueueDelay    = 100 * time.Millisecond
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// RunPayload identifies the trigger event a run job executes.
type RunPayload struct {
	WorkspaceID      int64  `json:"workspace_id"`
	TriggerEventUUID string `json:"trigger_event_uuid"`
}

// Dispatcher records trigger events and schedules their execution.
type Dispatcher struct {
	persistence persistence.Persistence
	jobs        jobs.Enqueuer
	notifier    *eventbus.Notifier
	metrics     metrics.Sink
	tracer      trace.Tracer
	logger      *slog.Logger
	retryDelay  time.Duration
}

func NewDispatcher(p persistence.Persistence, enqueuer jobs.Enqueuer, notifier *eventbus.Notifier, sink metrics.Sink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		persistence: p,
		jobs:        enqueuer,
		notifier:    notifier,
		metrics:     sink,
		tracer:      otelhelper.Noop(),
		logger:      logger.With("module", "dispatcher"),
		retryDelay:  enqueueDelay,
	}
}

func (d *Dispatcher) SetTracer(tracer trace.Tracer) {
	d.tracer = tracer
}

// RegisterDocumentTriggerEvent inserts one event for trigger and, once the insert has
// committed, enqueues its run job. An enqueue that still fails after retrying is logged
// as an alert and left to the reconciler; the recorded event is returned either way.
func (d *Dispatcher) RegisterDocumentTriggerEvent(
	ctx context.Context,
	trigger *models.Trigger,
	commitID int64,
	payload models.TriggerEventPayload,
) (*models.TriggerEvent, error) {
	recorded, err := d.register(ctx, []occurrence{{trigger: trigger, commitID: commitID, payload: payload}}, nil)
	if err != nil {
		return nil, err
	}

	return recorded[0], nil
}

// occurrence is one event to record for a trigger.
type occurrence struct {
	trigger  *models.Trigger
	commitID int64
	payload  models.TriggerEventPayload
}

// register inserts the events of every occurrence in one transaction, then enqueues their
// runs. alongside, when set, runs in that transaction too: either everything commits or
// no event exists.
func (d *Dispatcher) register(
	ctx context.Context,
	occurrences []occurrence,
	alongside func(ctx context.Context, tx persistence.Repositories) error,
) ([]*models.TriggerEvent, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "register trigger events",
		attribute.Int("prompthook.trigger_event.count", len(occurrences)),
	)
	defer span.End()

	recorded := make([]*models.TriggerEvent, 0, len(occurrences))

	for _, o := range occurrences {
		if o.payload.Kind() != o.trigger.Kind {
			err := fmt.Errorf("%s payload for %s trigger %s", o.payload.Kind(), o.trigger.Kind, o.trigger.UUID)
			otelhelper.SetError(span, err)

			return nil, err
		}

		recorded = append(recorded, &models.TriggerEvent{
			UUID:        uuid.NewString(),
			WorkspaceID: o.trigger.WorkspaceID,
			TriggerUUID: o.trigger.UUID,
			TriggerKind: o.trigger.Kind,
			TriggerHash: o.trigger.DefinitionHash,
			CommitID:    o.commitID,
			Payload:     o.payload,
		})
	}

	if len(occurrences) == 1 {
		span.SetAttributes(
			attribute.String(otelhelper.TriggerUUIDKey, occurrences[0].trigger.UUID),
			attribute.String(otelhelper.TriggerKindKey, string(occurrences[0].trigger.Kind)),
			attribute.Int64(otelhelper.CommitIDKey, occurrences[0].commitID),
			attribute.String(otelhelper.TriggerEventUUIDKey, recorded[0].UUID),
		)
	}

	err := d.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		for _, event := range recorded {
			if err := tx.TriggerEvents().Insert(ctx, event); err != nil {
				return err
			}
		}

		if alongside != nil {
			return alongside(ctx, tx)
		}

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to record trigger event: %w", err)
	}

	for _, event := range recorded {
		d.registered(ctx, event)
	}

	return recorded, nil
}

// registered runs everything that follows the commit of an event.
func (d *Dispatcher) registered(ctx context.Context, event *models.TriggerEvent) {
	d.metrics.TriggerEventRegistered(string(event.TriggerKind))

	logger := d.logger.With("trigger_uuid", event.TriggerUUID, "trigger_event_uuid", event.UUID)
	logger.InfoContext(ctx, "Trigger event recorded", "trigger_kind", event.TriggerKind, "commit_id", event.CommitID)

	if err := d.Enqueue(ctx, event); err != nil {
		d.metrics.EnqueueFailed(RunJob)
		logger.ErrorContext(ctx, "Trigger event recorded but its run could not be scheduled", "alert", true, "error", err)
	}

	d.notifier.Notify(ctx, event.TriggerUUID, events.TriggerEventCreated{
		BaseEvent:        events.NewBaseEvent(events.TriggerEventCreatedEvent, event.WorkspaceID),
		TriggerEventUUID: event.UUID,
		TriggerUUID:      event.TriggerUUID,
		TriggerKind:      event.TriggerKind,
		CommitID:         event.CommitID,
	})
}

// Enqueue schedules the run job of an already recorded event. The job ID is derived from
// the event, so enqueuing the same event twice schedules one run.
func (d *Dispatcher) Enqueue(ctx context.Context, event *models.TriggerEvent) error {
	return d.enqueue(ctx, event, RunJob+":"+event.UUID)
}

// Requeue schedules another run for an event whose first run never recorded a document
// log. sweep distinguishes the job from the ones already spent on this event.
func (d *Dispatcher) Requeue(ctx context.Context, event *models.TriggerEvent, sweep time.Time) error {
	return d.enqueue(ctx, event, RunJob+":"+event.UUID+":"+strconv.FormatInt(sweep.Unix(), 10))
}

func (d *Dispatcher) enqueue(ctx context.Context, event *models.TriggerEvent, id string) error {
	return retry.Do(
		func() error {
			_, err := d.jobs.Enqueue(ctx, RunJob, RunPayload{WorkspaceID: event.WorkspaceID, TriggerEventUUID: event.UUID}, jobs.Options{
				Attempts: RunAttempts,
				Backoff:  RunBackoff,
				ID:       id,
			})

			return err
		},
		retry.Context(ctx),
		retry.Attempts(enqueueAttempts),
		retry.Delay(d.retryDelay),
		retry.LastErrorOnly(true),
	)
}
