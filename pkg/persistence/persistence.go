// Package persistence provides the relational storage abstraction for triggers and trigger events.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/prompthook/pkg/models"
)

// Persistence is the relational store. Repositories returned directly run outside any
// transaction; Transaction hands the callback repositories bound to one transaction
// that commits when the callback returns nil and rolls back otherwise.
type Persistence interface {
	Repositories

	Transaction(ctx context.Context, fn func(ctx context.Context, tx Repositories) error) error
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type Repositories interface {
	Triggers() TriggerRepository
	TriggerEvents() TriggerEventRepository
	Integrations() IntegrationRepository
	Documents() DocumentRepository
	Datasets() DatasetRepository
}

// TriggerFilter selects the triggers visible on a document at a commit.
type TriggerFilter struct {
	WorkspaceID  int64
	ProjectID    int64
	DocumentUUID string
	CommitID     int64
	// Kind restricts the result to one trigger kind when set.
	Kind models.TriggerKind
}

type TriggerRepository interface {
	// Save inserts or replaces the trigger version at (UUID, CommitID).
	Save(ctx context.Context, trigger *models.Trigger) error
	// ByUUID returns the trigger version visible at commitID.
	ByUUID(ctx context.Context, workspaceID int64, triggerUUID string, commitID int64) (*models.Trigger, error)
	// Latest returns the most recent non-deleted version of a trigger across commits.
	Latest(ctx context.Context, workspaceID int64, triggerUUID string) (*models.Trigger, error)
	// Active lists non-deleted triggers visible on a document at a commit.
	Active(ctx context.Context, filter TriggerFilter) ([]*models.Trigger, error)
	UpdateDeploymentSettings(ctx context.Context, triggerID int64, settings *models.DeploymentSettings) error
	SoftDelete(ctx context.Context, triggerID int64, deletedAt time.Time) error

	SaveSchedule(ctx context.Context, schedule *models.TriggerSchedule) error
	DeleteSchedule(ctx context.Context, triggerUUID string) error
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.TriggerSchedule, error)
}

type TriggerEventRepository interface {
	Insert(ctx context.Context, event *models.TriggerEvent) error
	ByUUID(ctx context.Context, workspaceID int64, eventUUID string) (*models.TriggerEvent, error)
	// AttachDocumentLog and MarkFailed settle the outcome of a recorded event, the only
	// mutations it allows. MarkFailed fails with ErrTriggerEventNotFound when the event is
	// already executed or failed.
	AttachDocumentLog(ctx context.Context, eventID int64, documentLogUUID string) error
	MarkFailed(ctx context.Context, eventID int64, failedAt time.Time) error
	// Unexecuted lists events created inside [since, before) that neither carry a document
	// log nor failed.
	Unexecuted(ctx context.Context, since, before time.Time, limit int) ([]*models.TriggerEvent, error)
}

type IntegrationRepository interface {
	ByID(ctx context.Context, workspaceID, integrationID int64) (*models.Integration, error)
}

type DocumentRepository interface {
	// ScopeByDocumentUUID resolves the workspace and project owning a live document.
	ScopeByDocumentUUID(ctx context.Context, documentUUID string) (*models.DocumentScope, error)
	DocumentExists(ctx context.Context, documentUUID string, commitID int64) (bool, error)
	CommitByID(ctx context.Context, commitID int64) (*models.Commit, error)
	CommitByUUID(ctx context.Context, projectID int64, commitUUID string) (*models.Commit, error)
	// HeadCommit returns the most recently merged commit of a project.
	HeadCommit(ctx context.Context, projectID int64) (*models.Commit, error)
}

type DatasetRepository interface {
	// Rows returns dataset rows ordered by id. from and to are 1-based inclusive line
	// numbers; zero values select from the first line and up to the last line.
	Rows(ctx context.Context, workspaceID, datasetID int64, from, to int) ([]*models.DatasetRow, error)
}
