package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/prompthook/pkg/events"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDocumentTriggerEvent_EnqueuesAfterCommit(t *testing.T) {
	e := newEnv(t)
	trigger := e.addTrigger(t, "", e.head.ID, &models.ScheduledConfiguration{CronExpression: "@hourly"})

	event, err := e.dispatcher.RegisterDocumentTriggerEvent(context.Background(), trigger, e.head.ID, &models.ScheduledPayload{ScheduledAt: time.Now()})
	require.NoError(t, err)

	assert.Equal(t, trigger.DefinitionHash, event.TriggerHash)
	assert.Equal(t, e.head.ID, event.CommitID)
	assert.NotZero(t, event.ID)

	ready := e.queue.Ready(RunJob)
	require.Len(t, ready, 1)
	assert.Equal(t, RunJob+":"+event.UUID, ready[0].ID)
	assert.Equal(t, RunAttempts, ready[0].MaxAttempts)

	var payload RunPayload
	require.NoError(t, ready[0].Decode(&payload))
	assert.Equal(t, RunPayload{WorkspaceID: testWorkspace, TriggerEventUUID: event.UUID}, payload)

	published := e.bus.Published()
	require.Len(t, published, 1)
	assert.Equal(t, events.TriggerEventCreatedEvent, published[0].GetType())
	assert.Equal(t, 1, e.sink.registered)
}

func TestRegisterDocumentTriggerEvent_FailedInsertEnqueuesNothing(t *testing.T) {
	e := newEnv(t)
	trigger := e.addTrigger(t, "", e.head.ID, &models.ScheduledConfiguration{CronExpression: "@hourly"})

	e.store.FailTriggerEventInserts(errors.New("disk full"))

	_, err := e.dispatcher.RegisterDocumentTriggerEvent(context.Background(), trigger, e.head.ID, &models.ScheduledPayload{ScheduledAt: time.Now()})
	require.Error(t, err)

	assert.False(t, e.queue.Pending())
	assert.Empty(t, e.bus.Published())
	assert.Empty(t, e.recordedEvents(t))
}

func TestRegisterDocumentTriggerEvent_FailedEnqueueKeepsEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	trigger := e.addTrigger(t, "", e.head.ID, &models.ScheduledConfiguration{CronExpression: "@hourly"})

	e.queue.FailEnqueues(errors.New("redis unavailable"))

	event, err := e.dispatcher.RegisterDocumentTriggerEvent(ctx, trigger, e.head.ID, &models.ScheduledPayload{ScheduledAt: time.Now()})
	require.NoError(t, err)

	assert.False(t, e.queue.Pending())
	assert.Equal(t, []string{RunJob}, e.sink.enqueueFailures)
	require.Len(t, e.recordedEvents(t), 1)

	e.queue.FailEnqueues(nil)
	require.NoError(t, e.dispatcher.Enqueue(ctx, event))
	assert.Len(t, e.queue.Ready(RunJob), 1)
}

func TestRegisterDocumentTriggerEvent_RejectsPayloadOfAnotherKind(t *testing.T) {
	e := newEnv(t)
	trigger := e.addTrigger(t, "", e.head.ID, &models.EmailConfiguration{})

	_, err := e.dispatcher.RegisterDocumentTriggerEvent(context.Background(), trigger, e.head.ID, &models.ScheduledPayload{})
	require.Error(t, err)
	assert.Empty(t, e.recordedEvents(t))
}

func TestDispatcher_EnqueueIsIdempotentAndRequeueIsNot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	trigger := e.addTrigger(t, "", e.head.ID, &models.ScheduledConfiguration{CronExpression: "@hourly"})

	event, err := e.dispatcher.RegisterDocumentTriggerEvent(ctx, trigger, e.head.ID, &models.ScheduledPayload{ScheduledAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, e.dispatcher.Enqueue(ctx, event))
	assert.Len(t, e.queue.Ready(RunJob), 1)

	require.NoError(t, e.dispatcher.Requeue(ctx, event, time.Unix(1700000000, 0)))
	assert.Len(t, e.queue.Ready(RunJob), 2)
}
