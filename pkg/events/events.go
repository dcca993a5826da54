// Package events defines the domain events published when triggers, trigger events and
// batches change state.
package events

import (
	"fmt"
	"time"

	"github.com/dukex/prompthook/pkg/models"
	"github.com/google/uuid"
)

type EventType string

const Topic = "prompthook.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	TriggerCreatedEvent    EventType = "trigger.created"
	TriggerUpdatedEvent    EventType = "trigger.updated"
	TriggerDeletedEvent    EventType = "trigger.deleted"
	TriggerDeployedEvent   EventType = "trigger.deployed"
	TriggerUndeployedEvent EventType = "trigger.undeployed"

	TriggerEventCreatedEvent  EventType = "trigger_event.created"
	TriggerEventExecutedEvent EventType = "trigger_event.executed"

	BatchProgressedEvent EventType = "batch.progressed"
)

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	WorkspaceID int64     `json:"workspace_id"`
}

func NewBaseEvent(eventType EventType, workspaceID int64) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		WorkspaceID: workspaceID,
	}
}

type TriggerCreated struct {
	BaseEvent

	TriggerUUID  string             `json:"trigger_uuid"`
	DocumentUUID string             `json:"document_uuid"`
	CommitID     int64              `json:"commit_id"`
	TriggerKind  models.TriggerKind `json:"trigger_kind"`
}

func (e TriggerCreated) GetType() EventType { return TriggerCreatedEvent }

type TriggerUpdated struct {
	BaseEvent

	TriggerUUID    string             `json:"trigger_uuid"`
	DocumentUUID   string             `json:"document_uuid"`
	CommitID       int64              `json:"commit_id"`
	TriggerKind    models.TriggerKind `json:"trigger_kind"`
	DefinitionHash string             `json:"definition_hash"`
}

func (e TriggerUpdated) GetType() EventType { return TriggerUpdatedEvent }

type TriggerDeleted struct {
	BaseEvent

	TriggerUUID  string             `json:"trigger_uuid"`
	DocumentUUID string             `json:"document_uuid"`
	CommitID     int64              `json:"commit_id"`
	TriggerKind  models.TriggerKind `json:"trigger_kind"`
}

func (e TriggerDeleted) GetType() EventType { return TriggerDeletedEvent }

type TriggerDeployed struct {
	BaseEvent

	TriggerUUID       string `json:"trigger_uuid"`
	ExternalTriggerID string `json:"external_trigger_id"`
	DefinitionHash    string `json:"definition_hash"`
}

func (e TriggerDeployed) GetType() EventType { return TriggerDeployedEvent }

type TriggerUndeployed struct {
	BaseEvent

	TriggerUUID       string `json:"trigger_uuid"`
	ExternalTriggerID string `json:"external_trigger_id"`
}

func (e TriggerUndeployed) GetType() EventType { return TriggerUndeployedEvent }

type TriggerEventCreated struct {
	BaseEvent

	TriggerEventUUID string             `json:"trigger_event_uuid"`
	TriggerUUID      string             `json:"trigger_uuid"`
	TriggerKind      models.TriggerKind `json:"trigger_kind"`
	CommitID         int64              `json:"commit_id"`
}

func (e TriggerEventCreated) GetType() EventType { return TriggerEventCreatedEvent }

type TriggerEventExecuted struct {
	BaseEvent

	TriggerEventUUID string `json:"trigger_event_uuid"`
	TriggerUUID      string `json:"trigger_uuid"`
	DocumentLogUUID  string `json:"document_log_uuid"`
}

func (e TriggerEventExecuted) GetType() EventType { return TriggerEventExecutedEvent }

type BatchProgressed struct {
	BaseEvent

	BatchID  string               `json:"batch_id"`
	Progress models.BatchProgress `json:"progress"`
	Finished bool                 `json:"finished"`
}

func (e BatchProgressed) GetType() EventType { return BatchProgressedEvent }

// New returns an empty event value for eventType, ready to be decoded into.
func New(eventType EventType) (any, error) {
	switch eventType {
	case TriggerCreatedEvent:
		return &TriggerCreated{}, nil
	case TriggerUpdatedEvent:
		return &TriggerUpdated{}, nil
	case TriggerDeletedEvent:
		return &TriggerDeleted{}, nil
	case TriggerDeployedEvent:
		return &TriggerDeployed{}, nil
	case TriggerUndeployedEvent:
		return &TriggerUndeployed{}, nil
	case TriggerEventCreatedEvent:
		return &TriggerEventCreated{}, nil
	case TriggerEventExecutedEvent:
		return &TriggerEventExecuted{}, nil
	case BatchProgressedEvent:
		return &BatchProgressed{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}
