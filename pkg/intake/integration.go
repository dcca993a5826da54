package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/prompthook/pkg/metrics"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/dukex/prompthook/pkg/services"
	"github.com/xeipuuv/gojsonschema"
)

// IntegrationIntake handles payloads third-party subscriptions post to a trigger's webhook.
type IntegrationIntake struct {
	persistence persistence.Persistence
	dispatcher  *Dispatcher
	metrics     metrics.Sink
	logger      *slog.Logger
}

func NewIntegrationIntake(p persistence.Persistence, dispatcher *Dispatcher, sink metrics.Sink, logger *slog.Logger) *IntegrationIntake {
	return &IntegrationIntake{
		persistence: p,
		dispatcher:  dispatcher,
		metrics:     sink,
		logger:      logger.With("module", "integration_intake"),
	}
}

// Receive records an event for the integration trigger as it is live at its project's
// head commit. Payloads for triggers that are not live, and payloads failing the
// trigger's schema, are dropped.
func (i *IntegrationIntake) Receive(ctx context.Context, workspaceID int64, triggerUUID string, data map[string]any) (*Result, error) {
	logger := i.logger.With("trigger_uuid", triggerUUID)
	result := &Result{}

	latest, err := i.persistence.Triggers().Latest(ctx, workspaceID, triggerUUID)
	if err != nil {
		if persistence.IsNotFound(err) {
			i.dropped(ctx, logger, result, metrics.DropNoTriggers)

			return result, nil
		}

		return nil, err
	}

	head, err := i.persistence.Documents().HeadCommit(ctx, latest.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve head commit: %w", err)
	}

	trigger, err := i.persistence.Triggers().ByUUID(ctx, workspaceID, triggerUUID, head.ID)
	if err != nil {
		if persistence.IsNotFound(err) {
			i.dropped(ctx, logger, result, metrics.DropNoTriggers)

			return result, nil
		}

		return nil, err
	}

	event, err := i.register(ctx, trigger, head.ID, data)
	if err != nil {
		if services.IsValidationError(err) {
			i.dropped(ctx, logger.With("reason", err), result, metrics.DropInvalidPayload)

			return result, nil
		}

		return nil, err
	}

	result.Events = append(result.Events, event)

	return result, nil
}

func (i *IntegrationIntake) register(ctx context.Context, trigger *models.Trigger, commitID int64, data map[string]any) (*models.TriggerEvent, error) {
	check := &payloadCheck{data: data}
	if err := trigger.Configuration.Accept(check); err != nil {
		return nil, err
	}

	return i.dispatcher.RegisterDocumentTriggerEvent(ctx, trigger, commitID, &models.IntegrationPayload{Data: data})
}

func (i *IntegrationIntake) dropped(ctx context.Context, logger *slog.Logger, result *Result, reason string) {
	i.metrics.OccurrenceDropped(metrics.SourceIntegration, reason)
	logger.InfoContext(ctx, "Integration payload dropped", "drop_reason", reason)
	result.drop(reason)
}

// payloadCheck accepts a payload for integration triggers whose optional JSON schema it
// satisfies. Any other kind rejects it.
type payloadCheck struct {
	data map[string]any
}

func (c *payloadCheck) VisitScheduled(*models.ScheduledConfiguration) error {
	return services.NewValidationError("check_payload", "wrong_trigger_kind", "trigger does not accept integration payloads", services.ErrPayloadRejected)
}

func (c *payloadCheck) VisitEmail(*models.EmailConfiguration) error {
	return services.NewValidationError("check_payload", "wrong_trigger_kind", "trigger does not accept integration payloads", services.ErrPayloadRejected)
}

func (c *payloadCheck) VisitIntegration(configuration *models.IntegrationConfiguration) error {
	if len(configuration.PayloadSchema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(configuration.PayloadSchema),
		gojsonschema.NewGoLoader(c.data),
	)
	if err != nil {
		return services.NewValidationError("check_payload", "invalid_schema", err.Error(), services.ErrPayloadRejected)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return services.NewValidationError("check_payload", "payload_rejected", strings.Join(problems, "; "), services.ErrPayloadRejected)
	}

	return nil
}
