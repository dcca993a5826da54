// Package models defines the domain types for document triggers, trigger events and batches.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type TriggerKind string

const (
	TriggerKindScheduled   TriggerKind = "scheduled"
	TriggerKindEmail       TriggerKind = "email"
	TriggerKindIntegration TriggerKind = "integration"
)

var (
	// ErrUnknownTriggerKind is returned when a trigger kind is outside the closed set.
	ErrUnknownTriggerKind = errors.New("unknown trigger kind")

	// ErrInvalidConfiguration indicates a configuration that does not match its kind's schema.
	ErrInvalidConfiguration = errors.New("invalid trigger configuration")
)

// TriggerKinds returns every supported trigger kind.
func TriggerKinds() []TriggerKind {
	return []TriggerKind{TriggerKindScheduled, TriggerKindEmail, TriggerKindIntegration}
}

func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerKindScheduled, TriggerKindEmail, TriggerKindIntegration:
		return true
	default:
		return false
	}
}

// DeploymentSettings holds the external subscription created for a trigger.
// A nil value on Trigger means the trigger is not currently deployed.
type DeploymentSettings struct {
	ExternalTriggerID string `json:"external_trigger_id"`
	// DefinitionHash is the trigger definition the subscription was created for.
	DefinitionHash string `json:"definition_hash,omitempty"`
}

// Trigger binds a document at a commit to an activation condition.
type Trigger struct {
	ID                 int64                `json:"id"`
	UUID               string               `json:"uuid"                validate:"required,uuid"`
	WorkspaceID        int64                `json:"workspace_id"        validate:"required,gt=0"`
	ProjectID          int64                `json:"project_id"          validate:"required,gt=0"`
	DocumentUUID       string               `json:"document_uuid"       validate:"required,uuid"`
	CommitID           int64                `json:"commit_id"           validate:"required,gt=0"`
	Kind               TriggerKind          `json:"trigger_kind"        validate:"required"`
	Configuration      TriggerConfiguration `json:"configuration"       validate:"required"`
	DeploymentSettings *DeploymentSettings  `json:"deployment_settings,omitempty"`
	DefinitionHash     string               `json:"definition_hash"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
	DeletedAt          *time.Time           `json:"deleted_at,omitempty"`
}

func (t *Trigger) IsDeployed() bool {
	return t.DeploymentSettings != nil && t.DeploymentSettings.ExternalTriggerID != ""
}

func (t *Trigger) IsDeleted() bool {
	return t.DeletedAt != nil
}

// UnmarshalJSON decodes the configuration according to trigger_kind.
func (t *Trigger) UnmarshalJSON(data []byte) error {
	type alias Trigger

	aux := struct {
		*alias
		Configuration json.RawMessage `json:"configuration"`
	}{alias: (*alias)(t)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.Configuration) == 0 || string(aux.Configuration) == "null" {
		t.Configuration = nil

		return nil
	}

	configuration, err := DecodeConfiguration(t.Kind, aux.Configuration)
	if err != nil {
		return err
	}

	t.Configuration = configuration

	return nil
}

// Rehash recomputes DefinitionHash from the current definition.
func (t *Trigger) Rehash() error {
	hash, err := DefinitionHash(t.Kind, t.Configuration, t.DocumentUUID)
	if err != nil {
		return err
	}

	t.DefinitionHash = hash

	return nil
}

// DefinitionHash is a content hash over (kind, configuration, documentUUID). Struct fields
// encode in declaration order and map keys sorted, so equal definitions hash equally.
func DefinitionHash(kind TriggerKind, configuration TriggerConfiguration, documentUUID string) (string, error) {
	if configuration == nil {
		return "", fmt.Errorf("%w: configuration is required", ErrInvalidConfiguration)
	}

	if configuration.Kind() != kind {
		return "", fmt.Errorf("%w: %s configuration for %s trigger", ErrInvalidConfiguration, configuration.Kind(), kind)
	}

	definition, err := json.Marshal(struct {
		Kind          TriggerKind          `json:"trigger_kind"`
		Configuration TriggerConfiguration `json:"configuration"`
		DocumentUUID  string               `json:"document_uuid"`
	}{kind, configuration, documentUUID})
	if err != nil {
		return "", fmt.Errorf("failed to encode trigger definition: %w", err)
	}

	sum := sha256.Sum256(definition)

	return hex.EncodeToString(sum[:]), nil
}

// TriggerSchedule tracks the next activation of a scheduled trigger.
type TriggerSchedule struct {
	TriggerUUID    string    `json:"trigger_uuid"`
	WorkspaceID    int64     `json:"workspace_id"`
	CronExpression string    `json:"cron_expression"`
	Timezone       string    `json:"timezone,omitempty"`
	NextRunAt      time.Time `json:"next_run_at"`
}

// Advance moves NextRunAt to the first activation after now.
func (s *TriggerSchedule) Advance(now time.Time) error {
	configuration := &ScheduledConfiguration{CronExpression: s.CronExpression, Timezone: s.Timezone}

	next, err := configuration.NextRunTime(now)
	if err != nil {
		return err
	}

	s.NextRunAt = next

	return nil
}
