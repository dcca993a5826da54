package events

import (
	"encoding/json"
	"testing"

	"github.com/dukex/prompthook/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_KnownTypes(t *testing.T) {
	for _, eventType := range []EventType{
		TriggerCreatedEvent,
		TriggerUpdatedEvent,
		TriggerDeletedEvent,
		TriggerDeployedEvent,
		TriggerUndeployedEvent,
		TriggerEventCreatedEvent,
		TriggerEventExecutedEvent,
		BatchProgressedEvent,
	} {
		t.Run(string(eventType), func(t *testing.T) {
			event, err := New(eventType)
			require.NoError(t, err)

			typed, ok := event.(interface{ GetType() EventType })
			require.True(t, ok)
			assert.Equal(t, eventType, typed.GetType())
		})
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New("workflow.triggered")
	assert.Error(t, err)
}

func TestTriggerEventCreated_JSON(t *testing.T) {
	event := TriggerEventCreated{
		BaseEvent:        NewBaseEvent(TriggerEventCreatedEvent, 9),
		TriggerEventUUID: "event-uuid",
		TriggerUUID:      "trigger-uuid",
		TriggerKind:      models.TriggerKindEmail,
		CommitID:         4,
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded TriggerEventCreated
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, event.TriggerEventUUID, decoded.TriggerEventUUID)
	assert.Equal(t, int64(9), decoded.WorkspaceID)
	assert.Equal(t, TriggerEventCreatedEvent, decoded.Type)
}
