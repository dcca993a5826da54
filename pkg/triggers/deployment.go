package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dukex/prompthook/pkg/gateway"
	"github.com/dukex/prompthook/pkg/metrics"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/dukex/prompthook/pkg/services"
)

// DeploymentManager keeps external subscriptions in line with trigger definitions.
// Gateway calls never run inside a database transaction: integrations are read in one
// short transaction, the gateway is called, and callers persist the result in another.
type DeploymentManager struct {
	persistence persistence.Persistence
	gateway     gateway.Gateway
	metrics     metrics.Sink
	logger      *slog.Logger
	webhookURL  string
}

// NewDeploymentManager creates a deployment manager. Subscriptions deliver to
// {publicURL}/webhooks/integrations/{triggerUUID}.
func NewDeploymentManager(p persistence.Persistence, gw gateway.Gateway, sink metrics.Sink, publicURL string, logger *slog.Logger) *DeploymentManager {
	return &DeploymentManager{
		persistence: p,
		gateway:     gw,
		metrics:     sink,
		logger:      logger.With("module", "deployment_manager"),
		webhookURL:  strings.TrimRight(publicURL, "/") + "/webhooks/integrations/",
	}
}

// Deploy creates the external subscription a trigger needs and returns its settings. It
// returns nil settings for triggers whose kind or integration needs no subscription.
func (m *DeploymentManager) Deploy(ctx context.Context, trigger *models.Trigger) (*models.DeploymentSettings, error) {
	if trigger.Configuration == nil {
		return nil, services.NewValidationError("deploy", "invalid_configuration", "trigger has no configuration", nil)
	}

	visitor := &deployVisitor{ctx: ctx, manager: m, trigger: trigger}

	if err := trigger.Configuration.Accept(visitor); err != nil {
		m.metrics.DeploymentOutcome(metrics.OperationDeploy, metrics.OutcomeFailed)

		return nil, err
	}

	if visitor.settings == nil {
		m.metrics.DeploymentOutcome(metrics.OperationDeploy, metrics.OutcomeSkipped)

		return nil, nil
	}

	m.metrics.DeploymentOutcome(metrics.OperationDeploy, metrics.OutcomeSuccess)
	m.logger.InfoContext(ctx, "Trigger deployed",
		"trigger_uuid", trigger.UUID, "external_trigger_id", visitor.settings.ExternalTriggerID)

	return visitor.settings, nil
}

// Undeploy destroys the trigger's external subscription. It succeeds without calling
// the gateway when there is nothing to destroy: no deployment settings, a missing or
// not fully configured integration, or an integration that never needs one.
func (m *DeploymentManager) Undeploy(ctx context.Context, trigger *models.Trigger) error {
	if trigger.Configuration == nil {
		return nil
	}

	visitor := &undeployVisitor{ctx: ctx, manager: m, trigger: trigger}

	if err := trigger.Configuration.Accept(visitor); err != nil {
		m.metrics.DeploymentOutcome(metrics.OperationUndeploy, metrics.OutcomeFailed)

		return err
	}

	if !visitor.destroyed {
		m.metrics.DeploymentOutcome(metrics.OperationUndeploy, metrics.OutcomeSkipped)

		return nil
	}

	m.metrics.DeploymentOutcome(metrics.OperationUndeploy, metrics.OutcomeSuccess)
	m.logger.InfoContext(ctx, "Trigger undeployed",
		"trigger_uuid", trigger.UUID, "external_trigger_id", trigger.DeploymentSettings.ExternalTriggerID)

	return nil
}

// RequiresDeployment reports whether the trigger's kind may need an external subscription.
func RequiresDeployment(configuration models.TriggerConfiguration) bool {
	if configuration == nil {
		return false
	}

	visitor := &kindVisitor{}
	_ = configuration.Accept(visitor)

	return visitor.external
}

// integration reads the integration in its own read-only transaction.
func (m *DeploymentManager) integration(ctx context.Context, workspaceID, integrationID int64) (*models.Integration, error) {
	var integration *models.Integration

	err := m.persistence.Transaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		found, err := tx.Integrations().ByID(ctx, workspaceID, integrationID)
		if err != nil {
			return err
		}

		integration = found

		return nil
	})

	return integration, err
}

type deployVisitor struct {
	ctx      context.Context
	manager  *DeploymentManager
	trigger  *models.Trigger
	settings *models.DeploymentSettings
}

func (v *deployVisitor) VisitScheduled(*models.ScheduledConfiguration) error { return nil }

func (v *deployVisitor) VisitEmail(*models.EmailConfiguration) error { return nil }

func (v *deployVisitor) VisitIntegration(configuration *models.IntegrationConfiguration) error {
	integration, err := v.manager.integration(v.ctx, v.trigger.WorkspaceID, configuration.IntegrationID)
	if err != nil {
		return fmt.Errorf("failed to load integration %d: %w", configuration.IntegrationID, err)
	}

	if !integration.RequiresDeployment() {
		return nil
	}

	if !integration.Configured {
		return services.NewValidationError("deploy", "integration_pending", integration.Name, services.ErrIntegrationPending)
	}

	externalID, err := v.manager.gateway.DeploySubscription(v.ctx, gateway.DeployRequest{
		ComponentKey: configuration.ComponentKey,
		Properties:   configuration.Properties,
		AccountRef:   integration.AccountRef,
		WebhookURL:   v.manager.webhookURL + strconv.FormatInt(v.trigger.WorkspaceID, 10) + "/" + v.trigger.UUID,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownComponent) {
			return services.NewValidationError("deploy", "unknown_component", configuration.ComponentKey, services.ErrUnknownComponent)
		}

		return services.NewExternalError("deploy", err)
	}

	v.settings = &models.DeploymentSettings{ExternalTriggerID: externalID, DefinitionHash: v.trigger.DefinitionHash}

	return nil
}

type undeployVisitor struct {
	ctx       context.Context
	manager   *DeploymentManager
	trigger   *models.Trigger
	destroyed bool
}

func (v *undeployVisitor) VisitScheduled(*models.ScheduledConfiguration) error { return nil }

func (v *undeployVisitor) VisitEmail(*models.EmailConfiguration) error { return nil }

func (v *undeployVisitor) VisitIntegration(configuration *models.IntegrationConfiguration) error {
	if !v.trigger.IsDeployed() {
		return nil
	}

	integration, err := v.manager.integration(v.ctx, v.trigger.WorkspaceID, configuration.IntegrationID)
	if persistence.IsIntegrationNotFound(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load integration %d: %w", configuration.IntegrationID, err)
	}

	if !integration.RequiresDeployment() || !integration.Configured {
		return nil
	}

	err = v.manager.gateway.DestroySubscription(v.ctx, gateway.DestroyRequest{
		ExternalID: v.trigger.DeploymentSettings.ExternalTriggerID,
		AccountRef: integration.AccountRef,
	})
	if err != nil {
		return services.NewExternalError("undeploy", err)
	}

	v.destroyed = true

	return nil
}

type kindVisitor struct {
	external bool
}

func (v *kindVisitor) VisitScheduled(*models.ScheduledConfiguration) error { return nil }

func (v *kindVisitor) VisitEmail(*models.EmailConfiguration) error { return nil }

func (v *kindVisitor) VisitIntegration(*models.IntegrationConfiguration) error {
	v.external = true

	return nil
}
