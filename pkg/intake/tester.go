package intake

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/dukex/prompthook/pkg/services"
)

// Tester fires a trigger by hand against a chosen commit. Unlike the asynchronous
// intake paths it reports filter and payload rejections to the caller.
type Tester struct {
	persistence persistence.Persistence
	dispatcher  *Dispatcher
	email       *EmailIntake
	integration *IntegrationIntake
	logger      *slog.Logger
	now         func() time.Time
}

func NewTester(p persistence.Persistence, dispatcher *Dispatcher, email *EmailIntake, integration *IntegrationIntake, logger *slog.Logger) *Tester {
	return &Tester{
		persistence: p,
		dispatcher:  dispatcher,
		email:       email,
		integration: integration,
		logger:      logger.With("module", "trigger_tester"),
		now:         time.Now,
	}
}

// TestTrigger records an event for the trigger version visible at commitID. occurrence
// is an Email for email triggers, the payload object for integration triggers and is
// ignored for scheduled triggers.
func (t *Tester) TestTrigger(ctx context.Context, workspaceID int64, triggerUUID string, commitID int64, occurrence json.RawMessage) (*models.TriggerEvent, error) {
	trigger, err := t.persistence.Triggers().ByUUID(ctx, workspaceID, triggerUUID, commitID)
	if err != nil {
		return nil, err
	}

	visitor := &testVisitor{ctx: ctx, tester: t, trigger: trigger, commitID: commitID, occurrence: occurrence}
	if err := trigger.Configuration.Accept(visitor); err != nil {
		t.logger.InfoContext(ctx, "Trigger test rejected", "trigger_uuid", triggerUUID, "error", err)

		return nil, err
	}

	return visitor.event, nil
}

type testVisitor struct {
	ctx        context.Context
	tester     *Tester
	trigger    *models.Trigger
	commitID   int64
	occurrence json.RawMessage
	event      *models.TriggerEvent
}

func (v *testVisitor) VisitScheduled(*models.ScheduledConfiguration) error {
	event, err := v.tester.dispatcher.RegisterDocumentTriggerEvent(v.ctx, v.trigger, v.commitID,
		&models.ScheduledPayload{ScheduledAt: v.tester.now().UTC()})
	v.event = event

	return err
}

func (v *testVisitor) VisitEmail(*models.EmailConfiguration) error {
	var email Email
	if err := decodeOccurrence(v.occurrence, &email); err != nil {
		return err
	}

	if len(email.To) == 0 {
		email.To = []string{v.tester.email.Address(v.trigger.DocumentUUID)}
	}

	if err := validate.Struct(email); err != nil {
		return services.NewValidationError("test_trigger", "invalid_email", err.Error(), err)
	}

	events, err := v.tester.email.register(v.ctx, []*models.Trigger{v.trigger}, v.commitID, email.To[0], email)
	if err != nil {
		return err
	}

	v.event = events[0]

	return nil
}

func (v *testVisitor) VisitIntegration(*models.IntegrationConfiguration) error {
	data := map[string]any{}
	if err := decodeOccurrence(v.occurrence, &data); err != nil {
		return err
	}

	event, err := v.tester.integration.register(v.ctx, v.trigger, v.commitID, data)
	v.event = event

	return err
}

func decodeOccurrence(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return services.NewValidationError("test_trigger", "invalid_occurrence", err.Error(), err)
	}

	return nil
}
