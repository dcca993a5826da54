package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/prompthook/pkg/counter"
	"github.com/dukex/prompthook/pkg/eventbus"
	"github.com/dukex/prompthook/pkg/events"
	"github.com/dukex/prompthook/pkg/execution"
	"github.com/dukex/prompthook/pkg/jobs"
	"github.com/dukex/prompthook/pkg/metrics"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/otelhelper"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/dukex/prompthook/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	FanoutJob      = "batch.fanout"
	FanoutAttempts = 5
	FanoutBackoff  = 2 * time.Second

	ChildJob      = "batch.child"
	ChildAttempts = 3
	ChildBackoff  = 5 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request describes a batch evaluation of a document over a dataset.
type Request struct {
	WorkspaceID  int64  `json:"workspace_id"  validate:"required,gt=0"`
	ProjectID    int64  `json:"project_id"    validate:"required,gt=0"`
	DocumentUUID string `json:"document_uuid" validate:"required,uuid"`
	CommitUUID   string `json:"commit_uuid"   validate:"required,uuid"`
	DatasetID    int64  `json:"dataset_id"    validate:"required,gt=0"`
	// FromLine and ToLine are 1-based and inclusive; zero means unbounded.
	FromLine int `json:"from_line" validate:"gte=0"`
	ToLine   int `json:"to_line"   validate:"gte=0"`
	// ParameterMapping maps prompt parameters to dataset columns. Without it every column
	// is passed under its own name.
	ParameterMapping map[string]string `json:"parameter_mapping,omitempty"`
	EvaluationUUIDs  []string          `json:"evaluation_uuids,omitempty" validate:"omitempty,dive,uuid"`
}

type FanoutPayload struct {
	BatchID string  `json:"batch_id"`
	Request Request `json:"request"`
}

// ChildPayload carries everything one child needs, so children never read the dataset.
type ChildPayload struct {
	BatchID         string         `json:"batch_id"`
	Index           int            `json:"index"`
	WorkspaceID     int64          `json:"workspace_id"`
	ProjectID       int64          `json:"project_id"`
	DocumentUUID    string         `json:"document_uuid"`
	CommitUUID      string         `json:"commit_uuid"`
	DatasetRowID    int64          `json:"dataset_row_id"`
	Parameters      map[string]any `json:"parameters"`
	EvaluationUUIDs []string       `json:"evaluation_uuids,omitempty"`
}

// ChildJobID is the deduplication ID of a batch's child at index.
func ChildJobID(batchID string, index int) string {
	return batchID + ":" + strconv.Itoa(index)
}

// Orchestrator starts batches, runs their fan-out and child jobs, and reports progress.
type Orchestrator struct {
	persistence persistence.Persistence
	tracker     *Tracker
	jobs        jobs.Enqueuer
	runner      execution.Runner
	evaluator   execution.Evaluator
	notifier    *eventbus.Notifier
	metrics     metrics.Sink
	tracer      trace.Tracer
	logger      *slog.Logger
}

func NewOrchestrator(
	p persistence.Persistence,
	tracker *Tracker,
	enqueuer jobs.Enqueuer,
	runner execution.Runner,
	evaluator execution.Evaluator,
	notifier *eventbus.Notifier,
	sink metrics.Sink,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		persistence: p,
		tracker:     tracker,
		jobs:        enqueuer,
		runner:      runner,
		evaluator:   evaluator,
		notifier:    notifier,
		metrics:     sink,
		tracer:      otelhelper.Noop(),
		logger:      logger.With("module", "batch_orchestrator"),
	}
}

func (o *Orchestrator) SetTracer(tracer trace.Tracer) {
	o.tracer = tracer
}

func (o *Orchestrator) Register(worker *jobs.Worker) {
	worker.Register(FanoutJob, jobs.HandlerFunc(o.handleFanout))
	worker.Register(ChildJob, jobs.HandlerFunc(o.handleChild))
	worker.OnFailure(FanoutJob, jobs.FailureHandlerFunc(o.fanoutFailed))
	worker.OnFailure(ChildJob, jobs.FailureHandlerFunc(o.childFailed))
}

// Start validates a batch request and enqueues its fan-out job. It returns the batch ID.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", services.NewValidationError("start_batch", "invalid_request", err.Error(), err)
	}

	if req.ToLine > 0 && req.FromLine > req.ToLine {
		return "", services.NewValidationError("start_batch", "invalid_range", "from_line is after to_line", nil)
	}

	if _, err := o.persistence.Documents().CommitByUUID(ctx, req.ProjectID, req.CommitUUID); err != nil {
		return "", err
	}

	batchID := uuid.NewString()

	_, err := o.jobs.Enqueue(ctx, FanoutJob, FanoutPayload{BatchID: batchID, Request: req}, jobs.Options{
		Attempts: FanoutAttempts,
		Backoff:  FanoutBackoff,
		ID:       FanoutJob + ":" + batchID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue batch %s: %w", batchID, err)
	}

	o.logger.InfoContext(ctx, "Batch started", "batch_id", batchID, "dataset_id", req.DatasetID, "document_uuid", req.DocumentUUID)

	return batchID, nil
}

// Progress returns the counters of a batch. It reports false for unknown or expired batches.
func (o *Orchestrator) Progress(ctx context.Context, batchID string) (models.BatchProgress, bool, error) {
	return o.tracker.Progress(ctx, batchID)
}

// handleFanout enqueues one child per dataset row. Counters are created by the first
// delivery that finds none; every delivery, retried or redelivered after a crash, resumes
// from the enqueued counter, which is incremented after each successful enqueue. A crash
// between the two re-enqueues a single child, and its deduplication ID makes that enqueue
// a no-op.
func (o *Orchestrator) handleFanout(ctx context.Context, job *jobs.Job) error {
	var payload FanoutPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	batchID := payload.BatchID
	req := payload.Request
	logger := o.logger.With("batch_id", batchID, "attempt", job.Attempt+1)

	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "batch fanout",
		attribute.String(otelhelper.BatchIDKey, batchID),
		attribute.Int("prompthook.job.attempt", job.Attempt+1),
	)
	defer span.End()

	rows, err := o.persistence.Datasets().Rows(ctx, req.WorkspaceID, req.DatasetID, req.FromLine, req.ToLine)
	if err != nil {
		otelhelper.SetError(span, err)

		if persistence.IsNotFound(err) {
			return jobs.Unrecoverable(err)
		}

		return err
	}

	if _, err := o.tracker.Initialize(ctx, batchID, int64(len(rows))); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	progress, found, err := o.tracker.Progress(ctx, batchID)
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("counters of batch %s vanished after initialization", batchID)
	}

	start := int(progress.Enqueued)
	if start > 0 {
		logger.InfoContext(ctx, "Resuming batch fan-out", "enqueued", start, "total", len(rows))
	}

	for index := start; index < len(rows); index++ {
		child := ChildPayload{
			BatchID:         batchID,
			Index:           index,
			WorkspaceID:     req.WorkspaceID,
			ProjectID:       req.ProjectID,
			DocumentUUID:    req.DocumentUUID,
			CommitUUID:      req.CommitUUID,
			DatasetRowID:    rows[index].ID,
			Parameters:      parameters(req.ParameterMapping, rows[index]),
			EvaluationUUIDs: req.EvaluationUUIDs,
		}

		_, err := o.jobs.Enqueue(ctx, ChildJob, child, jobs.Options{
			Attempts: ChildAttempts,
			Backoff:  ChildBackoff,
			ID:       ChildJobID(batchID, index),
		})
		if err != nil {
			otelhelper.SetError(span, err)

			return fmt.Errorf("failed to enqueue child %d: %w", index, err)
		}

		if _, err := o.tracker.IncrementEnqueued(ctx, batchID); err != nil {
			otelhelper.SetError(span, err)

			return fmt.Errorf("failed to count child %d: %w", index, err)
		}
	}

	logger.InfoContext(ctx, "Batch fan-out finished", "children", len(rows))
	o.publish(ctx, req.WorkspaceID, batchID)

	return nil
}

// handleChild runs the document for one row and then every requested evaluation.
func (o *Orchestrator) handleChild(ctx context.Context, job *jobs.Job) error {
	var child ChildPayload
	if err := job.Decode(&child); err != nil {
		return err
	}

	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "batch child",
		attribute.String(otelhelper.BatchIDKey, child.BatchID),
		attribute.Int("prompthook.batch.index", child.Index),
	)
	defer span.End()

	result, err := o.runner.Run(ctx, execution.RunRequest{
		WorkspaceID:  child.WorkspaceID,
		ProjectID:    child.ProjectID,
		DocumentUUID: child.DocumentUUID,
		CommitUUID:   child.CommitUUID,
		Parameters:   child.Parameters,
		Source:       execution.SourceEvaluation,
		SourceID:     ChildJobID(child.BatchID, child.Index),
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return classify(err)
	}

	for _, evaluationUUID := range child.EvaluationUUIDs {
		err := o.evaluator.Evaluate(ctx, execution.EvaluateRequest{
			WorkspaceID:     child.WorkspaceID,
			EvaluationUUID:  evaluationUUID,
			DocumentLogUUID: result.DocumentLogUUID,
			BatchID:         child.BatchID,
			DatasetRowID:    child.DatasetRowID,
		})
		if err != nil {
			otelhelper.SetError(span, err)

			return classify(fmt.Errorf("evaluation %s: %w", evaluationUUID, err))
		}
	}

	if _, err := o.tracker.IncrementCompleted(ctx, child.BatchID); err != nil {
		if errors.Is(err, counter.ErrMissing) {
			return jobs.Drop(fmt.Errorf("batch %s expired: %w", child.BatchID, err))
		}

		return err
	}

	o.metrics.BatchChildFinished(metrics.ChildCompleted)
	o.publish(ctx, child.WorkspaceID, child.BatchID)

	return nil
}

// childFailed accounts for a child that will not be retried again, so the batch can
// still reach a terminal state.
func (o *Orchestrator) childFailed(ctx context.Context, job *jobs.Job, cause error) {
	var child ChildPayload
	if err := job.Decode(&child); err != nil || child.BatchID == "" {
		o.metrics.BatchChildFinished(metrics.ChildAbandoned)
		o.logger.ErrorContext(ctx, "Unreadable batch child abandoned", "job_id", job.ID, "error", cause)

		return
	}

	logger := o.logger.With("batch_id", child.BatchID, "index", child.Index)
	logger.WarnContext(ctx, "Batch child failed", "error", cause)

	if _, err := o.tracker.IncrementErrors(ctx, child.BatchID); err != nil {
		logger.ErrorContext(ctx, "Failed to count batch child error", "error", err)

		return
	}

	if _, err := o.tracker.DecrementTotal(ctx, child.BatchID); err != nil {
		logger.ErrorContext(ctx, "Failed to adjust batch total", "error", err)
	}

	o.metrics.BatchChildFinished(metrics.ChildErrored)
	o.publish(ctx, child.WorkspaceID, child.BatchID)
}

func (o *Orchestrator) fanoutFailed(ctx context.Context, job *jobs.Job, cause error) {
	var payload FanoutPayload
	_ = job.Decode(&payload)

	o.logger.ErrorContext(ctx, "Batch fan-out failed, remaining children were not enqueued",
		"batch_id", payload.BatchID, "alert", true, "error", cause)
}

func (o *Orchestrator) publish(ctx context.Context, workspaceID int64, batchID string) {
	progress, found, err := o.tracker.Progress(ctx, batchID)
	if err != nil || !found {
		return
	}

	o.notifier.Notify(ctx, batchID, events.BatchProgressed{
		BaseEvent: events.NewBaseEvent(events.BatchProgressedEvent, workspaceID),
		BatchID:   batchID,
		Progress:  progress,
		Finished:  progress.IsFinished(),
	})
}

func classify(err error) error {
	if errors.Is(err, execution.ErrRejected) {
		return jobs.Unrecoverable(err)
	}

	return err
}

func parameters(mapping map[string]string, row *models.DatasetRow) map[string]any {
	if len(mapping) == 0 {
		parameters := make(map[string]any, len(row.Values))
		for column, value := range row.Values {
			parameters[column] = value
		}

		return parameters
	}

	parameters := make(map[string]any, len(mapping))

	for parameter, column := range mapping {
		if value, ok := row.Values[column]; ok {
			parameters[parameter] = value
		}
	}

	return parameters
}
