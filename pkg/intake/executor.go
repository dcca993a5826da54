package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/prompthook/pkg/eventbus"
	"github.com/dukex/prompthook/pkg/events"
	"github.com/dukex/prompthook/pkg/execution"
	"github.com/dukex/prompthook/pkg/jobs"
	"github.com/dukex/prompthook/pkg/mailer"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/otelhelper"
	"github.com/dukex/prompthook/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const failedReplyBody = "We could not run your request. Please try again later."

// Executor runs recorded trigger events through the execution service.
type Executor struct {
	persistence persistence.Persistence
	runner      execution.Runner
	mailer      mailer.Mailer
	notifier    *eventbus.Notifier
	emailDomain string
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

func NewExecutor(
	p persistence.Persistence,
	runner execution.Runner,
	m mailer.Mailer,
	notifier *eventbus.Notifier,
	emailDomain string,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		persistence: p,
		runner:      runner,
		mailer:      m,
		notifier:    notifier,
		emailDomain: emailDomain,
		tracer:      otelhelper.Noop(),
		logger:      logger.With("module", "trigger_executor"),
		now:         time.Now,
	}
}

func (e *Executor) SetTracer(tracer trace.Tracer) {
	e.tracer = tracer
}

func (e *Executor) Register(worker *jobs.Worker) {
	worker.Register(RunJob, jobs.HandlerFunc(e.handleRun))
	worker.OnFailure(RunJob, jobs.FailureHandlerFunc(e.runFailed))
}

// run is everything an execution needs, resolved from the event.
type run struct {
	event   *models.TriggerEvent
	trigger *models.Trigger
	commit  *models.Commit
}

func (e *Executor) handleRun(ctx context.Context, job *jobs.Job) error {
	var payload RunPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "run trigger event",
		attribute.String(otelhelper.TriggerEventUUIDKey, payload.TriggerEventUUID),
		attribute.Int64(otelhelper.WorkspaceIDKey, payload.WorkspaceID),
	)
	defer span.End()

	r, err := e.resolve(ctx, payload)
	if err != nil {
		return err
	}

	if r.event.IsExecuted() {
		e.logger.InfoContext(ctx, "Trigger event already executed", "trigger_event_uuid", r.event.UUID)

		return nil
	}

	if r.event.IsFailed() {
		e.logger.InfoContext(ctx, "Trigger event already failed", "trigger_event_uuid", r.event.UUID, "failed_at", r.event.FailedAt)

		return nil
	}

	logger := e.logger.With("trigger_event_uuid", r.event.UUID, "trigger_uuid", r.trigger.UUID, "commit_id", r.commit.ID)

	parameters, err := Parameters(r.trigger.Configuration, r.event.Payload)
	if err != nil {
		return jobs.Unrecoverable(err)
	}

	result, err := e.runner.Run(ctx, execution.RunRequest{
		WorkspaceID:  r.trigger.WorkspaceID,
		ProjectID:    r.trigger.ProjectID,
		DocumentUUID: r.trigger.DocumentUUID,
		CommitUUID:   r.commit.UUID,
		Parameters:   parameters,
		Source:       execution.SourceTrigger,
		SourceID:     r.event.UUID,
	})
	if err != nil {
		otelhelper.SetError(span, err)

		if errors.Is(err, execution.ErrRejected) {
			return jobs.Unrecoverable(err)
		}

		return err
	}

	if err := e.persistence.TriggerEvents().AttachDocumentLog(ctx, r.event.ID, result.DocumentLogUUID); err != nil {
		return fmt.Errorf("failed to attach document log: %w", err)
	}

	logger.InfoContext(ctx, "Trigger event executed", "document_log_uuid", result.DocumentLogUUID)

	e.postProcess(ctx, logger, r, result.ResponseText)

	e.notifier.Notify(ctx, r.trigger.UUID, events.TriggerEventExecuted{
		BaseEvent:        events.NewBaseEvent(events.TriggerEventExecutedEvent, r.event.WorkspaceID),
		TriggerEventUUID: r.event.UUID,
		TriggerUUID:      r.trigger.UUID,
		DocumentLogUUID:  result.DocumentLogUUID,
	})

	return nil
}

// resolve loads the event and the trigger version it runs. Events recorded on a commit
// that has since been merged run against the project's head commit.
func (e *Executor) resolve(ctx context.Context, payload RunPayload) (*run, error) {
	event, err := e.persistence.TriggerEvents().ByUUID(ctx, payload.WorkspaceID, payload.TriggerEventUUID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, jobs.Drop(err)
		}

		return nil, err
	}

	commit, err := e.persistence.Documents().CommitByID(ctx, event.CommitID)
	if err != nil {
		return nil, dropMissing(err)
	}

	if commit.IsMerged() {
		commit, err = e.persistence.Documents().HeadCommit(ctx, commit.ProjectID)
		if err != nil {
			return nil, dropMissing(err)
		}
	}

	trigger, err := e.persistence.Triggers().ByUUID(ctx, event.WorkspaceID, event.TriggerUUID, commit.ID)
	if err != nil {
		return nil, dropMissing(err)
	}

	return &run{event: event, trigger: trigger, commit: commit}, nil
}

func (e *Executor) postProcess(ctx context.Context, logger *slog.Logger, r *run, response string) {
	visitor := &replyVisitor{ctx: ctx, executor: e, run: r, body: response}
	if err := r.trigger.Configuration.Accept(visitor); err != nil {
		logger.ErrorContext(ctx, "Post-processing failed", "error", err)
	}
}

// runFailed settles an event whose run has used up its attempts, so it is never requeued,
// and lets email senders know their message could not be handled. Only the run that
// settles the event replies.
func (e *Executor) runFailed(ctx context.Context, job *jobs.Job, cause error) {
	var payload RunPayload
	if err := job.Decode(&payload); err != nil {
		return
	}

	logger := e.logger.With("trigger_event_uuid", payload.TriggerEventUUID)
	logger.ErrorContext(ctx, "Trigger event could not be executed", "error", cause)

	event, err := e.persistence.TriggerEvents().ByUUID(ctx, payload.WorkspaceID, payload.TriggerEventUUID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load failed trigger event", "error", err)

		return
	}

	if err := e.persistence.TriggerEvents().MarkFailed(ctx, event.ID, e.now().UTC()); err != nil {
		if persistence.IsNotFound(err) {
			logger.InfoContext(ctx, "Trigger event already settled")
		} else {
			logger.ErrorContext(ctx, "Failed to mark trigger event failed", "error", err)
		}

		return
	}

	r, err := e.resolve(ctx, payload)
	if err != nil {
		return
	}

	e.postProcess(ctx, logger, r, failedReplyBody)
}

func dropMissing(err error) error {
	if persistence.IsNotFound(err) {
		return jobs.Drop(err)
	}

	return err
}

// replyVisitor answers email events with the run's response when the trigger asks for it.
type replyVisitor struct {
	ctx      context.Context
	executor *Executor
	run      *run
	body     string
}

func (v *replyVisitor) VisitScheduled(*models.ScheduledConfiguration) error { return nil }

func (v *replyVisitor) VisitIntegration(*models.IntegrationConfiguration) error { return nil }

func (v *replyVisitor) VisitEmail(configuration *models.EmailConfiguration) error {
	if !configuration.ReplyWithResponse || v.executor.mailer == nil {
		return nil
	}

	payload, ok := v.run.event.Payload.(*models.EmailPayload)
	if !ok {
		return fmt.Errorf("email trigger event %s has a %T payload", v.run.event.UUID, v.run.event.Payload)
	}

	from := payload.Recipient
	if from == "" {
		from = v.run.trigger.DocumentUUID + "@" + v.executor.emailDomain
	}

	return v.executor.mailer.Send(v.ctx, mailer.Message{
		From:       from,
		To:         payload.Sender,
		Subject:    mailer.ReplySubject(payload.Subject),
		Body:       v.body,
		InReplyTo:  payload.MessageID,
		References: payload.References,
	})
}
