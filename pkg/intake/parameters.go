package intake

import (
	"fmt"

	"github.com/dukex/prompthook/pkg/models"
)

// Parameters maps an event payload to the document's prompt parameters following the
// trigger configuration.
func Parameters(configuration models.TriggerConfiguration, payload models.TriggerEventPayload) (map[string]any, error) {
	mapper := &parameterMapper{payload: payload, parameters: map[string]any{}}
	if err := configuration.Accept(mapper); err != nil {
		return nil, err
	}

	return mapper.parameters, nil
}

type parameterMapper struct {
	payload    models.TriggerEventPayload
	parameters map[string]any
}

func (m *parameterMapper) VisitScheduled(*models.ScheduledConfiguration) error {
	if _, ok := m.payload.(*models.ScheduledPayload); !ok {
		return m.mismatch(models.TriggerKindScheduled)
	}

	return nil
}

func (m *parameterMapper) VisitEmail(configuration *models.EmailConfiguration) error {
	payload, ok := m.payload.(*models.EmailPayload)
	if !ok {
		return m.mismatch(models.TriggerKindEmail)
	}

	for parameter, field := range configuration.ParameterMapping {
		switch field {
		case models.EmailFieldSender:
			m.parameters[parameter] = payload.Sender
		case models.EmailFieldSubject:
			m.parameters[parameter] = payload.Subject
		case models.EmailFieldBody:
			m.parameters[parameter] = payload.Body
		case models.EmailFieldAttachments:
			m.parameters[parameter] = payload.Attachments
		default:
			return fmt.Errorf("%w: unknown email field %q", models.ErrInvalidConfiguration, field)
		}
	}

	return nil
}

func (m *parameterMapper) VisitIntegration(configuration *models.IntegrationConfiguration) error {
	payload, ok := m.payload.(*models.IntegrationPayload)
	if !ok {
		return m.mismatch(models.TriggerKindIntegration)
	}

	for parameter, key := range configuration.PayloadParameters {
		if key == models.WholePayload {
			m.parameters[parameter] = payload.Data

			continue
		}

		if value, found := payload.Data[key]; found {
			m.parameters[parameter] = value
		}
	}

	return nil
}

func (m *parameterMapper) mismatch(kind models.TriggerKind) error {
	if m.payload == nil {
		return fmt.Errorf("%s trigger event has no payload", kind)
	}

	return fmt.Errorf("%s trigger event carries a %s payload", kind, m.payload.Kind())
}
