package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/prompthook/pkg/eventbus"
	"github.com/dukex/prompthook/pkg/intake"
	"github.com/dukex/prompthook/pkg/jobs"
	"github.com/dukex/prompthook/pkg/metrics"
	"github.com/dukex/prompthook/pkg/mocks"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type requeueSink struct {
	metrics.NoopSink

	requeued []int
}

func (s *requeueSink) TriggerEventsRequeued(count int) {
	s.requeued = append(s.requeued, count)
}

type fixture struct {
	store      *memory.Persistence
	queue      *jobs.MemoryQueue
	sink       *requeueSink
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	f := &fixture{store: memory.NewPersistence(), queue: jobs.NewMemoryQueue(), sink: &requeueSink{}}

	dispatcher := intake.NewDispatcher(f.store, f.queue, eventbus.NewNotifier(bus, logger), metrics.NoopSink{}, logger)
	f.reconciler = New(f.store, dispatcher, f.sink, Config{Threshold: 15 * time.Minute}, logger)

	return f
}

func (f *fixture) insertEvent(t *testing.T) *models.TriggerEvent {
	t.Helper()

	event := &models.TriggerEvent{
		UUID:        uuid.NewString(),
		WorkspaceID: 1,
		TriggerUUID: uuid.NewString(),
		TriggerKind: models.TriggerKindScheduled,
		CommitID:    1,
		Payload:     &models.ScheduledPayload{ScheduledAt: time.Now().UTC()},
	}
	require.NoError(t, f.store.TriggerEvents().Insert(context.Background(), event))

	return event
}

func (f *fixture) at(now time.Time) {
	f.reconciler.now = func() time.Time { return now }
}

func TestReconciler_RequeuesStaleUnexecutedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.insertEvent(t)
	executed := f.insertEvent(t)
	require.NoError(t, f.store.TriggerEvents().AttachDocumentLog(ctx, executed.ID, "log"))

	sweep := time.Now().Add(time.Hour)
	f.at(sweep)

	count, err := f.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ready := f.queue.Ready(intake.RunJob)
	require.Len(t, ready, 1)

	var payload intake.RunPayload
	require.NoError(t, ready[0].Decode(&payload))
	assert.Equal(t, stale.UUID, payload.TriggerEventUUID)
	assert.Equal(t, []int{1}, f.sink.requeued)
}

func TestReconciler_IgnoresRecentEvents(t *testing.T) {
	f := newFixture(t)
	f.insertEvent(t)
	f.at(time.Now().Add(5 * time.Minute))

	count, err := f.reconciler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.False(t, f.queue.Pending())
}

func TestReconciler_EachSweepEnqueuesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	event := f.insertEvent(t)

	// The original run job was accepted, so a sweep must not be deduplicated against it.
	dispatcher := f.reconciler.dispatcher
	require.NoError(t, dispatcher.Enqueue(ctx, event))

	sweep := time.Now().Add(time.Hour)
	f.at(sweep)

	_, err := f.reconciler.Sweep(ctx)
	require.NoError(t, err)
	_, err = f.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, f.queue.Ready(intake.RunJob), 2)

	f.at(sweep.Add(f.reconciler.config.Interval))

	_, err = f.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, f.queue.Ready(intake.RunJob), 3)
}

func TestReconciler_SkipsFailedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failed := f.insertEvent(t)
	require.NoError(t, f.store.TriggerEvents().MarkFailed(ctx, failed.ID, time.Now()))

	sweep := time.Now().Add(time.Hour)

	for i := range 12 {
		f.at(sweep.Add(time.Duration(i) * 5 * time.Minute))

		count, err := f.reconciler.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	}

	assert.False(t, f.queue.Pending())
}

func TestReconciler_EnqueueFailureIsLeftForNextSweep(t *testing.T) {
	f := newFixture(t)
	f.insertEvent(t)
	f.at(time.Now().Add(time.Hour))
	f.queue.FailEnqueues(errors.New("redis down"))

	count, err := f.reconciler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	f.queue.FailEnqueues(nil)

	count, err = f.reconciler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReconciler_StartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Start(ctx))
	require.NoError(t, f.reconciler.Start(ctx))

	f.reconciler.Stop(ctx)
	f.reconciler.Stop(ctx)
}
