// Package triggers registers document triggers and keeps their external subscriptions
// consistent with their definitions.
package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/prompthook/pkg/eventbus"
	"github.com/dukex/prompthook/pkg/events"
	"github.com/dukex/prompthook/pkg/jobs"
	"github.com/dukex/prompthook/pkg/metrics"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/dukex/prompthook/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type CreateTriggerRequest struct {
	WorkspaceID   int64              `json:"workspace_id"   validate:"required,gt=0"`
	ProjectID     int64              `json:"project_id"     validate:"required,gt=0"`
	DocumentUUID  string             `json:"document_uuid"  validate:"required,uuid"`
	CommitID      int64              `json:"commit_id"      validate:"required,gt=0"`
	Kind          models.TriggerKind `json:"trigger_kind"   validate:"required"`
	Configuration json.RawMessage    `json:"configuration"  validate:"required"`
	// Deferred hands the external deployment to a background job instead of running it inline.
	Deferred bool `json:"deferred"`
}

type UpdateTriggerRequest struct {
	WorkspaceID   int64           `json:"workspace_id"  validate:"required,gt=0"`
	TriggerUUID   string          `json:"trigger_uuid"  validate:"required,uuid"`
	CommitID      int64           `json:"commit_id"     validate:"required,gt=0"`
	Configuration json.RawMessage `json:"configuration" validate:"required"`
	Deferred      bool            `json:"deferred"`
}

// Registry owns trigger definitions. Definitions change only on draft commits.
type Registry struct {
	persistence persistence.Persistence
	deployments *DeploymentManager
	jobs        jobs.Enqueuer
	notifier    *eventbus.Notifier
	metrics     metrics.Sink
	logger      *slog.Logger
	now         func() time.Time
}

func NewRegistry(
	p persistence.Persistence,
	deployments *DeploymentManager,
	enqueuer jobs.Enqueuer,
	notifier *eventbus.Notifier,
	sink metrics.Sink,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		persistence: p,
		deployments: deployments,
		jobs:        enqueuer,
		notifier:    notifier,
		metrics:     sink,
		logger:      logger.With("module", "trigger_registry"),
		now:         time.Now,
	}
}

// CreateTrigger validates and stores a new trigger on a draft commit. Triggers that
// need an external subscription are deployed before the row is written, so a stored
// trigger either carries its subscription or has a deploy job queued for it.
func (r *Registry) CreateTrigger(ctx context.Context, req CreateTriggerRequest) (*models.Trigger, error) {
	if err := validate.Struct(req); err != nil {
		return nil, services.NewValidationError("create_trigger", "invalid_request", err.Error(), err)
	}

	configuration, err := decodeConfiguration(req.Kind, req.Configuration)
	if err != nil {
		return nil, err
	}

	trigger := &models.Trigger{
		UUID:          uuid.NewString(),
		WorkspaceID:   req.WorkspaceID,
		ProjectID:     req.ProjectID,
		DocumentUUID:  req.DocumentUUID,
		CommitID:      req.CommitID,
		Kind:          req.Kind,
		Configuration: configuration,
	}

	if err := trigger.Rehash(); err != nil {
		return nil, services.NewValidationError("create_trigger", "invalid_configuration", err.Error(), err)
	}

	err = r.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		commit, err := draftCommit(ctx, tx, req.CommitID)
		if err != nil {
			return err
		}

		if commit.ProjectID != req.ProjectID {
			return services.NewValidationError("create_trigger", "invalid_commit", "commit belongs to another project", nil)
		}

		exists, err := tx.Documents().DocumentExists(ctx, req.DocumentUUID, req.CommitID)
		if err != nil {
			return err
		}

		if !exists {
			return fmt.Errorf("document %s: %w", req.DocumentUUID, persistence.ErrDocumentNotFound)
		}

		if integration, ok := configuration.(*models.IntegrationConfiguration); ok {
			if _, err := tx.Integrations().ByID(ctx, req.WorkspaceID, integration.IntegrationID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	deferred := req.Deferred && RequiresDeployment(configuration)

	if !deferred {
		settings, err := r.deployments.Deploy(ctx, trigger)
		if err != nil {
			return nil, err
		}

		trigger.DeploymentSettings = settings
	}

	err = r.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if err := tx.Triggers().Save(ctx, trigger); err != nil {
			return err
		}

		return r.saveSchedule(ctx, tx, trigger)
	})
	if err != nil {
		r.releaseOrphan(ctx, trigger)

		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}

	r.logger.InfoContext(ctx, "Trigger created",
		"trigger_uuid", trigger.UUID, "trigger_kind", trigger.Kind, "document_uuid", trigger.DocumentUUID, "commit_id", trigger.CommitID)

	if deferred {
		r.enqueueDeploy(ctx, trigger)
	}

	r.notifier.Notify(ctx, trigger.UUID, events.TriggerCreated{
		BaseEvent:    events.NewBaseEvent(events.TriggerCreatedEvent, trigger.WorkspaceID),
		TriggerUUID:  trigger.UUID,
		DocumentUUID: trigger.DocumentUUID,
		CommitID:     trigger.CommitID,
		TriggerKind:  trigger.Kind,
	})

	return trigger, nil
}

// UpdateTrigger replaces a trigger's configuration on a draft commit. When the
// definition hash is unchanged nothing is written. A subscription owned by the replaced
// version on the same commit is destroyed after the new version is stored; versions
// inherited from merged commits keep theirs.
func (r *Registry) UpdateTrigger(ctx context.Context, req UpdateTriggerRequest) (*models.Trigger, error) {
	if err := validate.Struct(req); err != nil {
		return nil, services.NewValidationError("update_trigger", "invalid_request", err.Error(), err)
	}

	var current *models.Trigger

	err := r.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if _, err := draftCommit(ctx, tx, req.CommitID); err != nil {
			return err
		}

		found, err := tx.Triggers().ByUUID(ctx, req.WorkspaceID, req.TriggerUUID, req.CommitID)
		if err != nil {
			return err
		}

		current = found

		return nil
	})
	if err != nil {
		return nil, err
	}

	configuration, err := decodeConfiguration(current.Kind, req.Configuration)
	if err != nil {
		return nil, err
	}

	next := *current
	next.CommitID = req.CommitID
	next.Configuration = configuration
	next.DeploymentSettings = nil

	if err := next.Rehash(); err != nil {
		return nil, services.NewValidationError("update_trigger", "invalid_configuration", err.Error(), err)
	}

	if next.DefinitionHash == current.DefinitionHash {
		return current, nil
	}

	ownsPrevious := current.CommitID == req.CommitID && current.IsDeployed()
	deferred := req.Deferred && RequiresDeployment(configuration)

	if !deferred {
		settings, err := r.deployments.Deploy(ctx, &next)
		if err != nil {
			return nil, err
		}

		next.DeploymentSettings = settings
	}

	err = r.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if err := tx.Triggers().Save(ctx, &next); err != nil {
			return err
		}

		return r.saveSchedule(ctx, tx, &next)
	})
	if err != nil {
		r.releaseOrphan(ctx, &next)

		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}

	r.logger.InfoContext(ctx, "Trigger updated", "trigger_uuid", next.UUID, "commit_id", next.CommitID, "definition_hash", next.DefinitionHash)

	if ownsPrevious {
		r.undeployOrEnqueue(ctx, current)
	}

	if deferred {
		r.enqueueDeploy(ctx, &next)
	}

	r.notifier.Notify(ctx, next.UUID, events.TriggerUpdated{
		BaseEvent:      events.NewBaseEvent(events.TriggerUpdatedEvent, next.WorkspaceID),
		TriggerUUID:    next.UUID,
		DocumentUUID:   next.DocumentUUID,
		CommitID:       next.CommitID,
		TriggerKind:    next.Kind,
		DefinitionHash: next.DefinitionHash,
	})

	return &next, nil
}

// DeleteTrigger removes a trigger from a draft commit. A version written on that commit
// is soft-deleted and its subscription destroyed by a background job queued once the
// deletion commits. A version inherited from a merged commit is hidden by a deleted
// version on the draft.
func (r *Registry) DeleteTrigger(ctx context.Context, workspaceID int64, triggerUUID string, commitID int64) error {
	var current *models.Trigger

	err := r.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if _, err := draftCommit(ctx, tx, commitID); err != nil {
			return err
		}

		found, err := tx.Triggers().ByUUID(ctx, workspaceID, triggerUUID, commitID)
		if err != nil {
			return err
		}

		current = found

		return r.remove(ctx, tx, current, commitID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}

	if current.CommitID == commitID && current.IsDeployed() {
		r.enqueueUndeploy(ctx, current)
	}

	r.logger.InfoContext(ctx, "Trigger deleted", "trigger_uuid", triggerUUID, "commit_id", commitID)
	r.notifyDeleted(ctx, current, commitID)

	return nil
}

// DeleteTriggersForDocument removes every trigger of a document from a draft commit, for
// when the document itself is removed. Subscriptions are destroyed by background jobs
// queued after the removal commits.
func (r *Registry) DeleteTriggersForDocument(ctx context.Context, scope models.DocumentScope, commitID int64) (int, error) {
	var removed []*models.Trigger

	err := r.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		if _, err := draftCommit(ctx, tx, commitID); err != nil {
			return err
		}

		triggers, err := tx.Triggers().Active(ctx, persistence.TriggerFilter{
			WorkspaceID:  scope.WorkspaceID,
			ProjectID:    scope.ProjectID,
			DocumentUUID: scope.DocumentUUID,
			CommitID:     commitID,
		})
		if err != nil {
			return err
		}

		for _, trigger := range triggers {
			if err := r.remove(ctx, tx, trigger, commitID); err != nil {
				return err
			}
		}

		removed = triggers

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete document triggers: %w", err)
	}

	for _, trigger := range removed {
		if trigger.CommitID == commitID && trigger.IsDeployed() {
			r.enqueueUndeploy(ctx, trigger)
		}

		r.notifyDeleted(ctx, trigger, commitID)
	}

	r.logger.InfoContext(ctx, "Document triggers deleted", "document_uuid", scope.DocumentUUID, "commit_id", commitID, "count", len(removed))

	return len(removed), nil
}

// GetTrigger returns the trigger version visible at a commit.
func (r *Registry) GetTrigger(ctx context.Context, workspaceID int64, triggerUUID string, commitID int64) (*models.Trigger, error) {
	return r.persistence.Triggers().ByUUID(ctx, workspaceID, triggerUUID, commitID)
}

// ListTriggers returns the live triggers of a document at a commit.
func (r *Registry) ListTriggers(ctx context.Context, filter persistence.TriggerFilter) ([]*models.Trigger, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, services.NewValidationError("list_triggers", "invalid_kind", string(filter.Kind), models.ErrUnknownTriggerKind)
	}

	return r.persistence.Triggers().Active(ctx, filter)
}

func (r *Registry) remove(ctx context.Context, tx persistence.Repositories, trigger *models.Trigger, commitID int64) error {
	if trigger.CommitID == commitID {
		return tx.Triggers().SoftDelete(ctx, trigger.ID, r.now())
	}

	deletedAt := r.now()
	tombstone := *trigger
	tombstone.ID = 0
	tombstone.CommitID = commitID
	tombstone.DeploymentSettings = nil
	tombstone.DeletedAt = &deletedAt

	return tx.Triggers().Save(ctx, &tombstone)
}

// saveSchedule records the next activation of scheduled triggers.
func (r *Registry) saveSchedule(ctx context.Context, tx persistence.Repositories, trigger *models.Trigger) error {
	scheduled, ok := trigger.Configuration.(*models.ScheduledConfiguration)
	if !ok {
		return nil
	}

	schedule := &models.TriggerSchedule{
		TriggerUUID:    trigger.UUID,
		WorkspaceID:    trigger.WorkspaceID,
		CronExpression: scheduled.CronExpression,
		Timezone:       scheduled.Timezone,
	}

	if err := schedule.Advance(r.now()); err != nil {
		return services.NewValidationError("schedule_trigger", "invalid_configuration", err.Error(), err)
	}

	return tx.Triggers().SaveSchedule(ctx, schedule)
}

// releaseOrphan destroys a subscription created for a trigger that could not be stored.
// A crash before this point leaves the subscription orphaned.
func (r *Registry) releaseOrphan(ctx context.Context, trigger *models.Trigger) {
	if !trigger.IsDeployed() {
		return
	}

	if err := r.deployments.Undeploy(ctx, trigger); err != nil {
		r.logger.ErrorContext(ctx, "Orphaned external subscription",
			"trigger_uuid", trigger.UUID, "external_trigger_id", trigger.DeploymentSettings.ExternalTriggerID, "error", err)
	}
}

func (r *Registry) undeployOrEnqueue(ctx context.Context, trigger *models.Trigger) {
	if err := r.deployments.Undeploy(ctx, trigger); err != nil {
		r.logger.WarnContext(ctx, "Undeploy failed, retrying in background", "trigger_uuid", trigger.UUID, "error", err)
		r.enqueueUndeploy(ctx, trigger)
	}
}

func (r *Registry) enqueueDeploy(ctx context.Context, trigger *models.Trigger) {
	payload := DeployPayload{WorkspaceID: trigger.WorkspaceID, TriggerUUID: trigger.UUID, CommitID: trigger.CommitID}

	_, err := r.jobs.Enqueue(ctx, DeployJob, payload, jobs.Options{
		Attempts: DeploymentAttempts,
		Backoff:  DeploymentBackoff,
		ID:       DeployJob + ":" + trigger.UUID + ":" + trigger.DefinitionHash,
	})
	if err != nil {
		r.metrics.EnqueueFailed(DeployJob)
		r.logger.ErrorContext(ctx, "Failed to enqueue trigger deployment", "trigger_uuid", trigger.UUID, "alert", true, "error", err)
	}
}

func (r *Registry) enqueueUndeploy(ctx context.Context, trigger *models.Trigger) {
	_, err := r.jobs.Enqueue(ctx, UndeployJob, UndeployPayload{Trigger: trigger}, jobs.Options{
		Attempts: DeploymentAttempts,
		Backoff:  DeploymentBackoff,
		ID:       UndeployJob + ":" + trigger.DeploymentSettings.ExternalTriggerID,
	})
	if err != nil {
		r.metrics.EnqueueFailed(UndeployJob)
		r.logger.ErrorContext(ctx, "Failed to enqueue trigger undeployment", "trigger_uuid", trigger.UUID,
			"external_trigger_id", trigger.DeploymentSettings.ExternalTriggerID, "alert", true, "error", err)
	}
}

func (r *Registry) notifyDeleted(ctx context.Context, trigger *models.Trigger, commitID int64) {
	r.notifier.Notify(ctx, trigger.UUID, events.TriggerDeleted{
		BaseEvent:    events.NewBaseEvent(events.TriggerDeletedEvent, trigger.WorkspaceID),
		TriggerUUID:  trigger.UUID,
		DocumentUUID: trigger.DocumentUUID,
		CommitID:     commitID,
		TriggerKind:  trigger.Kind,
	})
}

func decodeConfiguration(kind models.TriggerKind, raw json.RawMessage) (models.TriggerConfiguration, error) {
	configuration, err := models.DecodeConfiguration(kind, raw)
	if err != nil {
		return nil, services.NewValidationError("decode_configuration", "invalid_configuration", err.Error(), err)
	}

	if err := configuration.Validate(); err != nil {
		return nil, services.NewValidationError("validate_configuration", "invalid_configuration", err.Error(), err)
	}

	return configuration, nil
}

func draftCommit(ctx context.Context, tx persistence.Repositories, commitID int64) (*models.Commit, error) {
	commit, err := tx.Documents().CommitByID(ctx, commitID)
	if err != nil {
		return nil, err
	}

	if commit.IsMerged() {
		return nil, services.NewValidationError("check_commit", "commit_merged", fmt.Sprintf("commit %d is merged", commitID), services.ErrCommitMerged)
	}

	return commit, nil
}
