package intake

import (
	"context"
	"testing"

	"github.com/dukex/prompthook/pkg/metrics"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueConfiguration() *models.IntegrationConfiguration {
	return &models.IntegrationConfiguration{
		IntegrationID: 1,
		ComponentKey:  "github-new-issue",
		PayloadParameters: map[string]string{
			"title": "title",
			"event": models.WholePayload,
		},
		PayloadSchema: map[string]any{
			"type":     "object",
			"required": []any{"title"},
			"properties": map[string]any{
				"title": map[string]any{"type": "string"},
			},
		},
	}
}

func TestIntegrationIntake_RecordsLiveTrigger(t *testing.T) {
	e := newEnv(t)
	trigger := e.addTrigger(t, "", e.head.ID, issueConfiguration())
	intake := NewIntegrationIntake(e.store, e.dispatcher, e.sink, e.logger)

	data := map[string]any{"title": "Broken build", "number": float64(12)}

	result, err := intake.Receive(context.Background(), testWorkspace, trigger.UUID, data)
	require.NoError(t, err)

	require.Len(t, result.Events, 1)
	assert.Equal(t, e.head.ID, result.Events[0].CommitID)
	assert.Equal(t, &models.IntegrationPayload{Data: data}, result.Events[0].Payload)
	assert.Len(t, e.queue.Ready(RunJob), 1)
}

func TestIntegrationIntake_Drops(t *testing.T) {
	e := newEnv(t)
	live := e.addTrigger(t, "", e.head.ID, issueConfiguration())
	draftOnly := e.addTrigger(t, "", e.store.AddCommit(testProject, false).ID, issueConfiguration())
	intake := NewIntegrationIntake(e.store, e.dispatcher, e.sink, e.logger)

	tests := []struct {
		name        string
		triggerUUID string
		data        map[string]any
		reason      string
	}{
		{"unknown trigger", uuid.NewString(), map[string]any{"title": "x"}, metrics.DropNoTriggers},
		{"trigger not merged yet", draftOnly.UUID, map[string]any{"title": "x"}, metrics.DropNoTriggers},
		{"payload fails schema", live.UUID, map[string]any{"title": 42}, metrics.DropInvalidPayload},
		{"payload misses required field", live.UUID, map[string]any{}, metrics.DropInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := intake.Receive(context.Background(), testWorkspace, tt.triggerUUID, tt.data)
			require.NoError(t, err)

			assert.Empty(t, result.Events)
			assert.Equal(t, []string{tt.reason}, result.Dropped)
		})
	}

	assert.False(t, e.queue.Pending())
}

func TestIntegrationIntake_RejectsOtherKinds(t *testing.T) {
	e := newEnv(t)
	trigger := e.addTrigger(t, "", e.head.ID, &models.EmailConfiguration{})

	result, err := NewIntegrationIntake(e.store, e.dispatcher, e.sink, e.logger).
		Receive(context.Background(), testWorkspace, trigger.UUID, map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{metrics.DropInvalidPayload}, result.Dropped)
}
