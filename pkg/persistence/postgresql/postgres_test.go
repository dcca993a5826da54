package postgresql_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/dukex/prompthook/pkg/persistence/postgresql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var triggerRowColumns = []string{
	"id", "uuid", "workspace_id", "project_id", "document_uuid", "commit_id", "trigger_kind",
	"configuration", "deployment_settings", "definition_hash", "created_at", "updated_at", "deleted_at",
}

var eventRowColumns = []string{
	"id", "uuid", "workspace_id", "trigger_uuid", "trigger_kind", "trigger_hash", "commit_id",
	"payload", "document_log_uuid", "failed_at", "created_at",
}

func newMockPersistence(t *testing.T) (*postgresql.Persistence, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return postgresql.NewWithDB(db, logger), mock
}

func TestTransaction_CommitsOnSuccess(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE document_triggers SET deleted_at").
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.Transaction(context.Background(), func(ctx context.Context, tx persistence.Repositories) error {
		return tx.Triggers().SoftDelete(ctx, 7, time.Now())
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	p, mock := newMockPersistence(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := p.Transaction(context.Background(), func(context.Context, persistence.Repositories) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerRepository_ByUUID(t *testing.T) {
	p, mock := newMockPersistence(t)
	now := time.Now()

	mock.ExpectQuery("WITH target AS").
		WithArgs(int64(3), int64(1), "trigger-uuid").
		WillReturnRows(sqlmock.NewRows(triggerRowColumns).AddRow(
			10, "trigger-uuid", 1, 2, "doc-uuid", 3, "email",
			[]byte(`{"name":"support","reply_with_response":true,"email_whitelist":["a@b.com"]}`),
			[]byte(`{"external_trigger_id":"ext-1"}`), "hash", now, now, nil,
		))

	trigger, err := p.Triggers().ByUUID(context.Background(), 1, "trigger-uuid", 3)
	require.NoError(t, err)

	assert.Equal(t, int64(10), trigger.ID)
	assert.Equal(t, models.TriggerKindEmail, trigger.Kind)
	require.IsType(t, &models.EmailConfiguration{}, trigger.Configuration)
	assert.True(t, trigger.Configuration.(*models.EmailConfiguration).ReplyWithResponse)
	require.NotNil(t, trigger.DeploymentSettings)
	assert.Equal(t, "ext-1", trigger.DeploymentSettings.ExternalTriggerID)
	assert.False(t, trigger.IsDeleted())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerRepository_ByUUIDNotFound(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectQuery("WITH target AS").WillReturnRows(sqlmock.NewRows(triggerRowColumns))

	_, err := p.Triggers().ByUUID(context.Background(), 1, "missing", 3)

	require.Error(t, err)
	assert.True(t, persistence.IsTriggerNotFound(err))
}

func TestTriggerRepository_LatestDeleted(t *testing.T) {
	p, mock := newMockPersistence(t)
	now := time.Now()

	mock.ExpectQuery("FROM document_triggers t").
		WithArgs(int64(1), "trigger-uuid").
		WillReturnRows(sqlmock.NewRows(triggerRowColumns).AddRow(
			10, "trigger-uuid", 1, 2, "doc-uuid", 3, "scheduled",
			[]byte(`{"cron_expression":"@hourly"}`), nil, "hash", now, now, now,
		))

	_, err := p.Triggers().Latest(context.Background(), 1, "trigger-uuid")

	assert.True(t, persistence.IsTriggerNotFound(err))
}

func TestTriggerRepository_Active(t *testing.T) {
	p, mock := newMockPersistence(t)
	now := time.Now()

	mock.ExpectQuery("DISTINCT ON").
		WithArgs(int64(3), int64(1), int64(2), "doc-uuid", "scheduled").
		WillReturnRows(sqlmock.NewRows(triggerRowColumns).
			AddRow(10, "t-1", 1, 2, "doc-uuid", 3, "scheduled", []byte(`{"cron_expression":"@daily"}`), nil, "h1", now, now, nil).
			AddRow(11, "t-2", 1, 2, "doc-uuid", 1, "scheduled", []byte(`{"cron_expression":"0 9 * * 1"}`), nil, "h2", now, now, nil))

	triggers, err := p.Triggers().Active(context.Background(), persistence.TriggerFilter{
		WorkspaceID:  1,
		ProjectID:    2,
		DocumentUUID: "doc-uuid",
		CommitID:     3,
		Kind:         models.TriggerKindScheduled,
	})

	require.NoError(t, err)
	require.Len(t, triggers, 2)
	assert.Equal(t, "t-1", triggers[0].UUID)
	assert.Equal(t, "0 9 * * 1", triggers[1].Configuration.(*models.ScheduledConfiguration).CronExpression)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerRepository_Save(t *testing.T) {
	p, mock := newMockPersistence(t)
	now := time.Now()

	trigger := &models.Trigger{
		UUID:          "trigger-uuid",
		WorkspaceID:   1,
		ProjectID:     2,
		DocumentUUID:  "doc-uuid",
		CommitID:      3,
		Kind:          models.TriggerKindScheduled,
		Configuration: &models.ScheduledConfiguration{CronExpression: "@hourly"},
	}

	mock.ExpectQuery("INSERT INTO document_triggers").
		WithArgs("trigger-uuid", int64(1), int64(2), "doc-uuid", int64(3), models.TriggerKindScheduled,
			sqlmock.AnyArg(), nil, "", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, now, now))

	require.NoError(t, p.Triggers().Save(context.Background(), trigger))
	assert.Equal(t, int64(42), trigger.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerRepository_UpdateDeploymentSettingsMissingRow(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectExec("UPDATE document_triggers SET deployment_settings").
		WithArgs(int64(99), `{"external_trigger_id":"ext"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.Triggers().UpdateDeploymentSettings(context.Background(), 99,
		&models.DeploymentSettings{ExternalTriggerID: "ext"})

	assert.ErrorIs(t, err, persistence.ErrTriggerNotFound)
}

func TestTriggerEventRepository_InsertDuplicate(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectQuery("INSERT INTO document_trigger_events").
		WillReturnError(&pq.Error{Code: "23505"})

	err := p.TriggerEvents().Insert(context.Background(), &models.TriggerEvent{
		UUID:        "event-uuid",
		TriggerKind: models.TriggerKindIntegration,
		Payload:     &models.IntegrationPayload{Data: map[string]any{"a": 1}},
	})

	assert.ErrorIs(t, err, persistence.ErrTriggerEventExists)
}

func TestTriggerEventRepository_ByUUID(t *testing.T) {
	p, mock := newMockPersistence(t)
	now := time.Now()

	mock.ExpectQuery("FROM document_trigger_events").
		WithArgs(int64(1), "event-uuid").
		WillReturnRows(sqlmock.NewRows(eventRowColumns).AddRow(
			5, "event-uuid", 1, "trigger-uuid", "email", "hash", 3,
			[]byte(`{"sender":"a@b.com","recipient":"doc@in.example.com","subject":"hi","body":"hello"}`),
			"log-uuid", nil, now,
		))

	event, err := p.TriggerEvents().ByUUID(context.Background(), 1, "event-uuid")
	require.NoError(t, err)

	assert.True(t, event.IsExecuted())
	require.IsType(t, &models.EmailPayload{}, event.Payload)
	assert.Equal(t, "a@b.com", event.Payload.(*models.EmailPayload).Sender)
}

func TestTriggerEventRepository_AttachDocumentLog(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectExec("UPDATE document_trigger_events SET document_log_uuid").
		WithArgs(int64(5), "log-uuid").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.TriggerEvents().AttachDocumentLog(context.Background(), 5, "log-uuid"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerEventRepository_MarkFailedSettlesOnce(t *testing.T) {
	p, mock := newMockPersistence(t)
	failedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE document_trigger_events SET failed_at").
		WithArgs(int64(5), failedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE document_trigger_events SET failed_at").
		WithArgs(int64(5), failedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.TriggerEvents().MarkFailed(context.Background(), 5, failedAt))

	err := p.TriggerEvents().MarkFailed(context.Background(), 5, failedAt)
	assert.ErrorIs(t, err, persistence.ErrTriggerEventNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerEventRepository_UnexecutedSkipsFailedEvents(t *testing.T) {
	p, mock := newMockPersistence(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	before := since.Add(24 * time.Hour)

	mock.ExpectQuery(`WHERE document_log_uuid IS NULL AND failed_at IS NULL`).
		WithArgs(since, before, 10).
		WillReturnRows(sqlmock.NewRows(eventRowColumns).AddRow(
			6, "event-uuid", 1, "trigger-uuid", "scheduled", "hash", 3,
			[]byte(`{"scheduled_at":"2026-03-01T10:00:00Z"}`), nil, nil, since.Add(time.Hour),
		))

	events, err := p.TriggerEvents().Unexecuted(context.Background(), since, before, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].IsExecuted())
	assert.False(t, events[0].IsFailed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepository_HeadCommit(t *testing.T) {
	p, mock := newMockPersistence(t)
	merged := time.Now()

	mock.ExpectQuery("FROM commits").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "uuid", "project_id", "merged_at"}).
			AddRow(9, "commit-uuid", 2, merged))

	commit, err := p.Documents().HeadCommit(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, int64(9), commit.ID)
	assert.True(t, commit.IsMerged())
}

func TestDocumentRepository_CommitNotFound(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectQuery("FROM commits").WillReturnRows(sqlmock.NewRows([]string{"id", "uuid", "project_id", "merged_at"}))

	_, err := p.Documents().CommitByID(context.Background(), 404)

	assert.ErrorIs(t, err, persistence.ErrCommitNotFound)
}

func TestDocumentRepository_ScopeDeletedDocument(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectQuery("FROM document_versions dv").
		WithArgs("doc-uuid").
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id", "project_id", "document_uuid", "path", "deleted"}).
			AddRow(1, 2, "doc-uuid", "prompts/support", true))

	_, err := p.Documents().ScopeByDocumentUUID(context.Background(), "doc-uuid")

	assert.ErrorIs(t, err, persistence.ErrDocumentNotFound)
}

func TestDatasetRepository_Rows(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(1), int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("FROM dataset_rows").
		WithArgs(int64(4), 1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "dataset_id", "row_data"}).
			AddRow(2, 4, []byte(`{"question":"b"}`)).
			AddRow(3, 4, []byte(`{"question":"c"}`)))

	rows, err := p.Datasets().Rows(context.Background(), 1, 4, 2, 3)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].Values["question"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatasetRepository_MissingDataset(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := p.Datasets().Rows(context.Background(), 1, 4, 0, 0)

	assert.ErrorIs(t, err, persistence.ErrDatasetNotFound)
}
