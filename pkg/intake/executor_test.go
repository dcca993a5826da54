package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/prompthook/pkg/eventbus"
	"github.com/dukex/prompthook/pkg/events"
	"github.com/dukex/prompthook/pkg/execution"
	"github.com/dukex/prompthook/pkg/jobs"
	"github.com/dukex/prompthook/pkg/mailer"
	"github.com/dukex/prompthook/pkg/mocks"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type executorEnv struct {
	*env

	runner *mocks.MockRunner
	mailer *mocks.MockMailer
	worker *jobs.Worker
}

func newExecutorEnv(t *testing.T) *executorEnv {
	t.Helper()

	e := &executorEnv{env: newEnv(t), runner: &mocks.MockRunner{}, mailer: &mocks.MockMailer{}}

	executor := NewExecutor(e.store, e.runner, e.mailer, eventbus.NewNotifier(e.bus, e.logger), testDomain, e.logger)
	e.worker = jobs.NewWorker(e.queue, e.logger, 1)
	executor.Register(e.worker)

	return e
}

func (e *executorEnv) emailEvent(t *testing.T, configuration *models.EmailConfiguration) *models.TriggerEvent {
	t.Helper()

	trigger := e.addTrigger(t, "", e.head.ID, configuration)

	event, err := e.dispatcher.RegisterDocumentTriggerEvent(context.Background(), trigger, e.head.ID, &models.EmailPayload{
		Sender:     "Alice <alice@x.com>",
		Recipient:  e.scope.DocumentUUID + "@" + testDomain,
		Subject:    "Summarize this",
		Body:       "Long text",
		MessageID:  "<m1@x.com>",
		References: "<m0@x.com>",
	})
	require.NoError(t, err)

	return event
}

func TestExecutor_RunsEmailEventAndReplies(t *testing.T) {
	e := newExecutorEnv(t)
	ctx := context.Background()

	event := e.emailEvent(t, &models.EmailConfiguration{
		ReplyWithResponse: true,
		ParameterMapping: map[string]models.EmailField{
			"text": models.EmailFieldBody,
			"from": models.EmailFieldSender,
		},
	})

	e.runner.On("Run", mock.Anything, execution.RunRequest{
		WorkspaceID:  testWorkspace,
		ProjectID:    testProject,
		DocumentUUID: e.scope.DocumentUUID,
		CommitUUID:   e.head.UUID,
		Parameters:   map[string]any{"text": "Long text", "from": "Alice <alice@x.com>"},
		Source:       execution.SourceTrigger,
		SourceID:     event.UUID,
	}).Return(&execution.RunResult{ResponseText: "Short text", DocumentLogUUID: "log-1"}, nil).Once()

	e.mailer.On("Send", mock.Anything, mailer.Message{
		From:       e.scope.DocumentUUID + "@" + testDomain,
		To:         "Alice <alice@x.com>",
		Subject:    "Re: Summarize this",
		Body:       "Short text",
		InReplyTo:  "<m1@x.com>",
		References: "<m0@x.com>",
	}).Return(nil).Once()

	require.NoError(t, e.worker.Drain(ctx))

	stored, err := e.store.TriggerEvents().ByUUID(ctx, testWorkspace, event.UUID)
	require.NoError(t, err)
	require.True(t, stored.IsExecuted())
	assert.Equal(t, "log-1", *stored.DocumentLogUUID)

	e.runner.AssertExpectations(t)
	e.mailer.AssertExpectations(t)

	published := e.bus.Published()
	assert.Equal(t, events.TriggerEventExecutedEvent, published[len(published)-1].GetType())
}

func TestExecutor_SkipsExecutedEvents(t *testing.T) {
	e := newExecutorEnv(t)
	ctx := context.Background()

	event := e.emailEvent(t, &models.EmailConfiguration{})
	require.NoError(t, e.store.TriggerEvents().AttachDocumentLog(ctx, event.ID, "log-0"))

	require.NoError(t, e.worker.Drain(ctx))

	e.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	assert.Empty(t, e.queue.Failed())
}

func TestExecutor_MailerFailureDoesNotFailRun(t *testing.T) {
	e := newExecutorEnv(t)
	ctx := context.Background()

	event := e.emailEvent(t, &models.EmailConfiguration{ReplyWithResponse: true})

	e.runner.On("Run", mock.Anything, mock.Anything).Return(&execution.RunResult{ResponseText: "ok", DocumentLogUUID: "log-1"}, nil).Once()
	e.mailer.On("Send", mock.Anything, mock.Anything).Return(errors.New("smtp down")).Once()

	require.NoError(t, e.worker.Drain(ctx))

	stored, err := e.store.TriggerEvents().ByUUID(ctx, testWorkspace, event.UUID)
	require.NoError(t, err)
	assert.True(t, stored.IsExecuted())
	assert.False(t, e.queue.Pending())
	assert.Empty(t, e.queue.Failed())
}

func TestExecutor_MergedCommitRunsAtHead(t *testing.T) {
	e := newExecutorEnv(t)
	ctx := context.Background()

	draft := e.store.AddCommit(testProject, false)
	trigger := e.addTrigger(t, "", draft.ID, &models.ScheduledConfiguration{CronExpression: "@daily"})

	_, err := e.dispatcher.RegisterDocumentTriggerEvent(ctx, trigger, draft.ID, &models.ScheduledPayload{ScheduledAt: time.Now()})
	require.NoError(t, err)

	e.store.MergeCommit(draft.ID)
	next := e.store.AddCommit(testProject, false)
	e.addTrigger(t, trigger.UUID, next.ID, &models.ScheduledConfiguration{CronExpression: "@hourly"})
	e.store.MergeCommit(next.ID)

	e.runner.On("Run", mock.Anything, mock.MatchedBy(func(req execution.RunRequest) bool {
		return req.CommitUUID == next.UUID
	})).Return(&execution.RunResult{DocumentLogUUID: "log-1"}, nil).Once()

	require.NoError(t, e.worker.Drain(ctx))
	e.runner.AssertExpectations(t)
}

func TestExecutor_RetriesRunFailures(t *testing.T) {
	e := newExecutorEnv(t)
	ctx := context.Background()

	e.emailEvent(t, &models.EmailConfiguration{})
	e.runner.On("Run", mock.Anything, mock.Anything).Return(nil, errors.New("execution service unavailable")).Once()

	require.NoError(t, e.worker.Drain(ctx))

	delayed := e.queue.Delayed(RunJob)
	require.Len(t, delayed, 1)
	assert.Equal(t, 1, delayed[0].Attempt)
}

func TestExecutor_RejectedRunRepliesWithFailure(t *testing.T) {
	e := newExecutorEnv(t)
	ctx := context.Background()

	event := e.emailEvent(t, &models.EmailConfiguration{ReplyWithResponse: true})

	e.runner.On("Run", mock.Anything, mock.Anything).Return(nil, execution.ErrRejected).Once()
	e.mailer.On("Send", mock.Anything, mock.MatchedBy(func(msg mailer.Message) bool {
		return msg.Body == failedReplyBody && msg.InReplyTo == "<m1@x.com>"
	})).Return(nil).Once()

	require.NoError(t, e.worker.Drain(ctx))

	require.Len(t, e.queue.Failed(), 1)
	e.mailer.AssertExpectations(t)

	stored, err := e.store.TriggerEvents().ByUUID(ctx, testWorkspace, event.UUID)
	require.NoError(t, err)
	assert.False(t, stored.IsExecuted())
}

func TestExecutor_FailedEventIsSettledOnce(t *testing.T) {
	e := newExecutorEnv(t)
	ctx := context.Background()

	event := e.emailEvent(t, &models.EmailConfiguration{ReplyWithResponse: true})

	e.runner.On("Run", mock.Anything, mock.Anything).Return(nil, execution.ErrRejected)
	e.mailer.On("Send", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, e.worker.Drain(ctx))

	stored, err := e.store.TriggerEvents().ByUUID(ctx, testWorkspace, event.UUID)
	require.NoError(t, err)
	require.True(t, stored.IsFailed())

	// A stale requeue of the failed event neither runs nor replies again.
	require.NoError(t, e.dispatcher.Requeue(ctx, event, time.Now()))
	require.NoError(t, e.worker.Drain(ctx))

	e.runner.AssertNumberOfCalls(t, "Run", 1)
	e.mailer.AssertNumberOfCalls(t, "Send", 1)
	assert.Len(t, e.queue.Failed(), 1)
	assert.Empty(t, e.recordedEvents(t))
}

func TestExecutor_DropsEventsOfDeletedTriggers(t *testing.T) {
	e := newExecutorEnv(t)
	ctx := context.Background()

	draft := e.store.AddCommit(testProject, false)
	trigger := e.addTrigger(t, "", draft.ID, &models.ScheduledConfiguration{CronExpression: "@daily"})

	_, err := e.dispatcher.RegisterDocumentTriggerEvent(ctx, trigger, draft.ID, &models.ScheduledPayload{ScheduledAt: time.Now()})
	require.NoError(t, err)

	deletedAt := time.Now()
	trigger.DeletedAt = &deletedAt
	require.NoError(t, e.store.Triggers().Save(ctx, trigger))

	require.NoError(t, e.worker.Drain(ctx))

	e.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	assert.Empty(t, e.queue.Failed())
	assert.False(t, e.queue.Pending())
}

func TestParameters(t *testing.T) {
	data := map[string]any{"title": "Broken build", "labels": []any{"ci"}}

	parameters, err := Parameters(&models.IntegrationConfiguration{
		PayloadParameters: map[string]string{"title": "title", "raw": models.WholePayload, "missing": "absent"},
	}, &models.IntegrationPayload{Data: data})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Broken build", "raw": data}, parameters)

	parameters, err = Parameters(&models.ScheduledConfiguration{}, &models.ScheduledPayload{})
	require.NoError(t, err)
	assert.Empty(t, parameters)

	_, err = Parameters(&models.EmailConfiguration{}, &models.IntegrationPayload{})
	require.Error(t, err)

	_, err = Parameters(&models.EmailConfiguration{}, nil)
	require.Error(t, err)
}
