package intake

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/prompthook/pkg/eventbus"
	"github.com/dukex/prompthook/pkg/jobs"
	"github.com/dukex/prompthook/pkg/metrics"
	"github.com/dukex/prompthook/pkg/mocks"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testWorkspace = int64(7)
	testProject   = int64(70)
	testDomain    = "run.example.com"
)

type recordingSink struct {
	metrics.NoopSink

	mu              sync.Mutex
	dropped         []string
	registered      int
	enqueueFailures []string
}

func (s *recordingSink) OccurrenceDropped(source, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropped = append(s.dropped, source+":"+reason)
}

func (s *recordingSink) TriggerEventRegistered(string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registered++
}

func (s *recordingSink) EnqueueFailed(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enqueueFailures = append(s.enqueueFailures, job)
}

type env struct {
	store      *memory.Persistence
	queue      *jobs.MemoryQueue
	bus        *mocks.MockEventBus
	sink       *recordingSink
	logger     *slog.Logger
	dispatcher *Dispatcher
	head       models.Commit
	scope      models.DocumentScope
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		store:  memory.NewPersistence(),
		queue:  jobs.NewMemoryQueue(),
		bus:    &mocks.MockEventBus{},
		sink:   &recordingSink{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	e.bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	e.head = e.store.AddProject(testWorkspace, testProject)
	e.scope = models.DocumentScope{WorkspaceID: testWorkspace, ProjectID: testProject, DocumentUUID: uuid.NewString()}
	e.store.AddDocument(e.scope, e.head.ID)

	e.dispatcher = NewDispatcher(e.store, e.queue, eventbus.NewNotifier(e.bus, e.logger), e.sink, e.logger)
	e.dispatcher.retryDelay = time.Millisecond

	return e
}

// addTrigger stores a trigger version on commitID, reusing triggerUUID when set.
func (e *env) addTrigger(t *testing.T, triggerUUID string, commitID int64, configuration models.TriggerConfiguration) *models.Trigger {
	t.Helper()

	if triggerUUID == "" {
		triggerUUID = uuid.NewString()
	}

	trigger := &models.Trigger{
		UUID:          triggerUUID,
		WorkspaceID:   testWorkspace,
		ProjectID:     testProject,
		DocumentUUID:  e.scope.DocumentUUID,
		CommitID:      commitID,
		Kind:          configuration.Kind(),
		Configuration: configuration,
	}
	require.NoError(t, trigger.Rehash())
	require.NoError(t, e.store.Triggers().Save(context.Background(), trigger))

	return trigger
}

func (e *env) recordedEvents(t *testing.T) []*models.TriggerEvent {
	t.Helper()

	recorded, err := e.store.TriggerEvents().Unexecuted(context.Background(), time.Time{}, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)

	return recorded
}
