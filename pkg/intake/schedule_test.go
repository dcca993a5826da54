package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/prompthook/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPoller(e *env, now time.Time) *SchedulePoller {
	poller := NewSchedulePoller(e.store, e.dispatcher, e.sink, time.Minute, e.logger)
	poller.now = func() time.Time { return now }

	return poller
}

func (e *env) schedule(t *testing.T, trigger *models.Trigger, cron string, next time.Time) {
	t.Helper()

	require.NoError(t, e.store.Triggers().SaveSchedule(context.Background(), &models.TriggerSchedule{
		TriggerUUID:    trigger.UUID,
		WorkspaceID:    trigger.WorkspaceID,
		CronExpression: cron,
		NextRunAt:      next,
	}))
}

func TestSchedulePoller_RecordsDueSchedules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	dueAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	trigger := e.addTrigger(t, "", e.head.ID, &models.ScheduledConfiguration{CronExpression: "0 * * * *"})
	e.schedule(t, trigger, "0 * * * *", dueAt)

	later := e.addTrigger(t, "", e.head.ID, &models.ScheduledConfiguration{CronExpression: "0 * * * *"})
	e.schedule(t, later, "0 * * * *", now.Add(time.Hour))

	recorded, err := newPoller(e, now).ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recorded)

	events := e.recordedEvents(t)
	require.Len(t, events, 1)
	assert.Equal(t, trigger.UUID, events[0].TriggerUUID)
	assert.Equal(t, &models.ScheduledPayload{ScheduledAt: dueAt}, events[0].Payload)
	assert.Len(t, e.queue.Ready(RunJob), 1)

	due, err := e.store.Triggers().DueSchedules(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	next, err := e.store.Triggers().DueSchedules(ctx, time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC), 0)
	require.NoError(t, err)
	require.Len(t, next, 2)
}

func TestSchedulePoller_FailedAdvanceRecordsNoEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	dueAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	trigger := e.addTrigger(t, "", e.head.ID, &models.ScheduledConfiguration{CronExpression: "0 * * * *"})
	e.schedule(t, trigger, "0 * * * *", dueAt)

	poller := newPoller(e, now)

	e.store.FailScheduleSaves(errors.New("deadlock detected"))

	recorded, err := poller.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recorded)
	assert.Empty(t, e.recordedEvents(t))
	assert.Empty(t, e.queue.Ready(RunJob))

	e.store.FailScheduleSaves(nil)

	for range 2 {
		_, err := poller.ProcessDue(ctx)
		require.NoError(t, err)
	}

	events := e.recordedEvents(t)
	require.Len(t, events, 1)
	assert.Equal(t, &models.ScheduledPayload{ScheduledAt: dueAt}, events[0].Payload)
	assert.Len(t, e.queue.Ready(RunJob), 1)
}

func TestSchedulePoller_UsesHeadDefinition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	trigger := e.addTrigger(t, "", e.head.ID, &models.ScheduledConfiguration{CronExpression: "0 * * * *"})
	e.schedule(t, trigger, "0 * * * *", now.Add(-time.Minute))

	draft := e.store.AddCommit(testProject, false)
	e.addTrigger(t, trigger.UUID, draft.ID, &models.ScheduledConfiguration{CronExpression: "0 0 1 * *"})

	_, err := newPoller(e, now).ProcessDue(ctx)
	require.NoError(t, err)

	due, err := e.store.Triggers().DueSchedules(ctx, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "0 * * * *", due[0].CronExpression)
}

func TestSchedulePoller_SkipsTriggersNotLiveAtHead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	draft := e.store.AddCommit(testProject, false)
	trigger := e.addTrigger(t, "", draft.ID, &models.ScheduledConfiguration{CronExpression: "*/15 * * * *"})
	e.schedule(t, trigger, "*/15 * * * *", now.Add(-time.Minute))

	recorded, err := newPoller(e, now).ProcessDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, recorded)
	assert.Empty(t, e.recordedEvents(t))

	next, err := e.store.Triggers().DueSchedules(ctx, now.Add(15*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 45, 0, 0, time.UTC), next[0].NextRunAt)
}

func TestSchedulePoller_RemovesScheduleOfDeletedTrigger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	trigger := e.addTrigger(t, "", e.head.ID, &models.ScheduledConfiguration{CronExpression: "@hourly"})
	deletedAt := now.Add(-time.Hour)
	trigger.DeletedAt = &deletedAt
	require.NoError(t, e.store.Triggers().Save(ctx, trigger))
	e.schedule(t, trigger, "@hourly", now.Add(-time.Minute))

	_, err := newPoller(e, now).ProcessDue(ctx)
	require.NoError(t, err)

	due, err := e.store.Triggers().DueSchedules(ctx, now.Add(24*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.Empty(t, e.recordedEvents(t))
}

func TestSchedulePoller_StartStop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	poller := NewSchedulePoller(e.store, e.dispatcher, e.sink, time.Hour, e.logger)
	poller.Start(ctx)
	poller.Start(ctx)
	poller.Stop(ctx)
	poller.Stop(ctx)
}
