package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerEventPayload is the occurrence data recorded for one trigger kind.
type TriggerEventPayload interface {
	Kind() TriggerKind
}

// FileRef points at an uploaded attachment.
type FileRef struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Key         string `json:"key"`
	URL         string `json:"url,omitempty"`
	Size        int64  `json:"size"`
}

type EmailPayload struct {
	Sender      string    `json:"sender"`
	SenderName  string    `json:"sender_name,omitempty"`
	Recipient   string    `json:"recipient"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	MessageID   string    `json:"message_id,omitempty"`
	References  string    `json:"references,omitempty"`
	Attachments []FileRef `json:"attachments,omitempty"`
}

func (p *EmailPayload) Kind() TriggerKind { return TriggerKindEmail }

type IntegrationPayload struct {
	Data map[string]any `json:"data"`
}

func (p *IntegrationPayload) Kind() TriggerKind { return TriggerKindIntegration }

type ScheduledPayload struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (p *ScheduledPayload) Kind() TriggerKind { return TriggerKindScheduled }

// DecodePayload decodes a raw payload for the given kind.
func DecodePayload(kind TriggerKind, raw json.RawMessage) (TriggerEventPayload, error) {
	var payload TriggerEventPayload

	switch kind {
	case TriggerKindScheduled:
		payload = &ScheduledPayload{}
	case TriggerKindEmail:
		payload = &EmailPayload{}
	case TriggerKindIntegration:
		payload = &IntegrationPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTriggerKind, kind)
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}

	return payload, nil
}

// TriggerEvent records one external occurrence matched to one trigger. It is never
// mutated after insert except to attach DocumentLogUUID once execution produced a log.
type TriggerEvent struct {
	ID          int64       `json:"id"`
	UUID        string      `json:"uuid"`
	WorkspaceID int64       `json:"workspace_id"`
	TriggerUUID string      `json:"trigger_uuid"`
	TriggerKind TriggerKind `json:"trigger_kind"`
	// TriggerHash is the trigger's DefinitionHash when the event was recorded.
	TriggerHash     string              `json:"trigger_hash"`
	CommitID        int64               `json:"commit_id"`
	Payload         TriggerEventPayload `json:"payload"`
	DocumentLogUUID *string             `json:"document_log_uuid,omitempty"`
	// FailedAt is set once every run attempt of the event has failed.
	FailedAt  *time.Time `json:"failed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (e *TriggerEvent) IsExecuted() bool {
	return e.DocumentLogUUID != nil && *e.DocumentLogUUID != ""
}

func (e *TriggerEvent) IsFailed() bool {
	return e.FailedAt != nil
}

func (e *TriggerEvent) UnmarshalJSON(data []byte) error {
	type alias TriggerEvent

	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(e)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		e.Payload = nil

		return nil
	}

	payload, err := DecodePayload(e.TriggerKind, aux.Payload)
	if err != nil {
		return err
	}

	e.Payload = payload

	return nil
}
