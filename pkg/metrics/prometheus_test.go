package metrics

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()

	return NewPrometheusSink(reg, slog.New(slog.NewTextHandler(io.Discard, nil))), reg
}

func TestPrometheusSink_IntakeCounters(t *testing.T) {
	sink, _ := newTestSink(t)

	sink.OccurrenceDropped(SourceEmail, DropWrongDomain)
	sink.OccurrenceDropped(SourceEmail, DropWrongDomain)
	sink.OccurrenceDropped(SourceEmail, DropNoTriggers)
	sink.TriggerEventRegistered("email")
	sink.EnqueueFailed("trigger_event.run")

	assert.InDelta(t, 2, testutil.ToFloat64(sink.occurrencesDroppedTotal.WithLabelValues(SourceEmail, DropWrongDomain)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.occurrencesDroppedTotal.WithLabelValues(SourceEmail, DropNoTriggers)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.eventsRegisteredTotal.WithLabelValues("email")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.enqueueFailuresTotal.WithLabelValues("trigger_event.run")), 0)
}

func TestPrometheusSink_DeploymentAndBatchCounters(t *testing.T) {
	sink, _ := newTestSink(t)

	sink.DeploymentOutcome(OperationDeploy, OutcomeSuccess)
	sink.DeploymentOutcome(OperationUndeploy, OutcomeSkipped)
	sink.BatchChildFinished(ChildCompleted)
	sink.BatchChildFinished(ChildAbandoned)
	sink.TriggerEventsRequeued(3)

	assert.InDelta(t, 1, testutil.ToFloat64(sink.deploymentsTotal.WithLabelValues(OperationDeploy, OutcomeSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.deploymentsTotal.WithLabelValues(OperationUndeploy, OutcomeSkipped)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.batchChildrenTotal.WithLabelValues(ChildAbandoned)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(sink.requeuedTotal), 0)
}

func TestPrometheusSink_RegistersEveryCollector(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.OccurrenceDropped(SourceSchedule, DropDocumentNotFound)
	sink.TriggerEventRegistered("scheduled")
	sink.EnqueueFailed("batch.child")
	sink.DeploymentOutcome(OperationDeploy, OutcomeFailed)
	sink.BatchChildFinished(ChildErrored)

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestPrometheusSink_DuplicateRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	NewPrometheusSink(reg, logger)

	assert.NotPanics(t, func() {
		sink := NewPrometheusSink(reg, logger)
		sink.BatchChildFinished(ChildCompleted)
	})
}

func TestNoopSink(t *testing.T) {
	var sink Sink = NoopSink{}

	assert.NotPanics(t, func() {
		sink.OccurrenceDropped(SourceEmail, DropFiltered)
		sink.TriggerEventRegistered("email")
		sink.EnqueueFailed("trigger_event.run")
		sink.DeploymentOutcome(OperationDeploy, OutcomeSuccess)
		sink.BatchChildFinished(ChildCompleted)
		sink.TriggerEventsRequeued(1)
	})
}
