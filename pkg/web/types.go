package web

import (
	"encoding/json"

	"github.com/dukex/prompthook/pkg/models"
)

// UpdateTriggerRequest is the body of PATCH /triggers/:uuid.
type UpdateTriggerRequest struct {
	WorkspaceID   int64           `json:"workspace_id"  validate:"required,gt=0"`
	CommitID      int64           `json:"commit_id"     validate:"required,gt=0"`
	Configuration json.RawMessage `json:"configuration" validate:"required"`
	Deferred      bool            `json:"deferred"`
}

// TestTriggerRequest is the body of POST /triggers/:uuid/test. Occurrence is an email
// for email triggers and the payload object for integration triggers.
type TestTriggerRequest struct {
	WorkspaceID int64           `json:"workspace_id" validate:"required,gt=0"`
	CommitID    int64           `json:"commit_id"    validate:"required,gt=0"`
	Occurrence  json.RawMessage `json:"occurrence,omitempty"`
}

type TriggerListResponse struct {
	Triggers []*models.Trigger `json:"triggers"`
}

type DocumentTriggersDeletedResponse struct {
	Removed int `json:"removed"`
}

type BatchCreatedResponse struct {
	BatchID string `json:"batch_id"`
}

type BatchResponse struct {
	BatchID  string               `json:"batch_id"`
	Progress models.BatchProgress `json:"progress"`
	Finished bool                 `json:"finished"`
}
