package triggers

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/prompthook/pkg/events"
	"github.com/dukex/prompthook/pkg/jobs"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/dukex/prompthook/pkg/services"
)

const (
	DeployJob   = "trigger.deploy"
	UndeployJob = "trigger.undeploy"

	DeploymentAttempts = 5
	DeploymentBackoff  = 2 * time.Second
)

type DeployPayload struct {
	WorkspaceID int64  `json:"workspace_id"`
	TriggerUUID string `json:"trigger_uuid"`
	CommitID    int64  `json:"commit_id"`
}

// UndeployPayload carries the trigger as it was when removed, since the row may no
// longer be visible when the job runs.
type UndeployPayload struct {
	Trigger *models.Trigger `json:"trigger"`
}

// Register wires the deployment jobs into a worker.
func (r *Registry) Register(worker *jobs.Worker) {
	worker.Register(DeployJob, jobs.HandlerFunc(r.handleDeploy))
	worker.Register(UndeployJob, jobs.HandlerFunc(r.handleUndeploy))
	worker.OnFailure(DeployJob, jobs.FailureHandlerFunc(r.deployFailed))
	worker.OnFailure(UndeployJob, jobs.FailureHandlerFunc(r.undeployFailed))
}

// handleDeploy runs the three deployment steps: read the trigger, call the gateway,
// then store the settings if the trigger still has the definition that was deployed.
func (r *Registry) handleDeploy(ctx context.Context, job *jobs.Job) error {
	var payload DeployPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	trigger, err := r.persistence.Triggers().ByUUID(ctx, payload.WorkspaceID, payload.TriggerUUID, payload.CommitID)
	if persistence.IsTriggerNotFound(err) {
		return jobs.Drop(err)
	}

	if err != nil {
		return err
	}

	if trigger.IsDeployed() && trigger.DeploymentSettings.DefinitionHash == trigger.DefinitionHash {
		return nil
	}

	settings, err := r.deployments.Deploy(ctx, trigger)
	if err != nil {
		if services.Kind(err) == services.KindValidation || services.Kind(err) == services.KindNotFound {
			return jobs.Unrecoverable(err)
		}

		return err
	}

	if settings == nil {
		return nil
	}

	stale := false

	err = r.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		current, err := tx.Triggers().ByUUID(ctx, payload.WorkspaceID, payload.TriggerUUID, payload.CommitID)
		if persistence.IsTriggerNotFound(err) {
			stale = true

			return nil
		}

		if err != nil {
			return err
		}

		if current.ID != trigger.ID || current.DefinitionHash != trigger.DefinitionHash {
			stale = true

			return nil
		}

		return tx.Triggers().UpdateDeploymentSettings(ctx, current.ID, settings)
	})
	if err != nil {
		r.releaseOrphan(ctx, withSettings(trigger, settings))

		return fmt.Errorf("failed to store deployment settings: %w", err)
	}

	if stale {
		r.logger.InfoContext(ctx, "Trigger changed during deployment, releasing subscription", "trigger_uuid", trigger.UUID)
		r.releaseOrphan(ctx, withSettings(trigger, settings))

		return nil
	}

	if trigger.IsDeployed() {
		r.undeployOrEnqueue(ctx, trigger)
	}

	r.notifier.Notify(ctx, trigger.UUID, events.TriggerDeployed{
		BaseEvent:         events.NewBaseEvent(events.TriggerDeployedEvent, trigger.WorkspaceID),
		TriggerUUID:       trigger.UUID,
		ExternalTriggerID: settings.ExternalTriggerID,
		DefinitionHash:    settings.DefinitionHash,
	})

	return nil
}

func (r *Registry) handleUndeploy(ctx context.Context, job *jobs.Job) error {
	var payload UndeployPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	if payload.Trigger == nil || !payload.Trigger.IsDeployed() {
		return nil
	}

	if err := r.deployments.Undeploy(ctx, payload.Trigger); err != nil {
		return err
	}

	r.notifier.Notify(ctx, payload.Trigger.UUID, events.TriggerUndeployed{
		BaseEvent:         events.NewBaseEvent(events.TriggerUndeployedEvent, payload.Trigger.WorkspaceID),
		TriggerUUID:       payload.Trigger.UUID,
		ExternalTriggerID: payload.Trigger.DeploymentSettings.ExternalTriggerID,
	})

	return nil
}

func (r *Registry) deployFailed(ctx context.Context, job *jobs.Job, cause error) {
	var payload DeployPayload
	_ = job.Decode(&payload)

	r.logger.ErrorContext(ctx, "Trigger could not be activated",
		"trigger_uuid", payload.TriggerUUID, "commit_id", payload.CommitID, "attempts", job.Attempt+1, "error", cause)
}

func (r *Registry) undeployFailed(ctx context.Context, job *jobs.Job, cause error) {
	var payload UndeployPayload
	_ = job.Decode(&payload)

	if payload.Trigger == nil || payload.Trigger.DeploymentSettings == nil {
		return
	}

	r.logger.ErrorContext(ctx, "Trigger could not be deactivated",
		"trigger_uuid", payload.Trigger.UUID,
		"external_trigger_id", payload.Trigger.DeploymentSettings.ExternalTriggerID,
		"attempts", job.Attempt+1,
		"error", cause)
}

func withSettings(trigger *models.Trigger, settings *models.DeploymentSettings) *models.Trigger {
	copied := *trigger
	copied.DeploymentSettings = settings

	return &copied
}
