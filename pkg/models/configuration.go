package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var (
	validate   = validator.New(validator.WithRequiredStructEnabled())
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// TriggerConfiguration is the kind-specific part of a trigger definition.
// The set of implementations is closed; consumers dispatch through Accept so that
// adding a kind breaks every ConfigurationVisitor until it handles the new kind.
type TriggerConfiguration interface {
	Kind() TriggerKind
	Validate() error
	Accept(visitor ConfigurationVisitor) error
}

// ConfigurationVisitor is implemented by every site that behaves differently per kind.
type ConfigurationVisitor interface {
	VisitScheduled(configuration *ScheduledConfiguration) error
	VisitEmail(configuration *EmailConfiguration) error
	VisitIntegration(configuration *IntegrationConfiguration) error
}

// DecodeConfiguration decodes a raw configuration for the given kind.
func DecodeConfiguration(kind TriggerKind, raw json.RawMessage) (TriggerConfiguration, error) {
	var configuration TriggerConfiguration

	switch kind {
	case TriggerKindScheduled:
		configuration = &ScheduledConfiguration{}
	case TriggerKindEmail:
		configuration = &EmailConfiguration{}
	case TriggerKindIntegration:
		configuration = &IntegrationConfiguration{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTriggerKind, kind)
	}

	if err := json.Unmarshal(raw, configuration); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	return configuration, nil
}

// ScheduledConfiguration fires the trigger on a cron schedule.
type ScheduledConfiguration struct {
	// CronExpression uses the standard 5-field format or a descriptor such as @hourly.
	CronExpression string `json:"cron_expression" validate:"required"`
	Timezone       string `json:"timezone,omitempty"`
}

func (c *ScheduledConfiguration) Kind() TriggerKind { return TriggerKindScheduled }

func (c *ScheduledConfiguration) Accept(visitor ConfigurationVisitor) error {
	return visitor.VisitScheduled(c)
}

func (c *ScheduledConfiguration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	if _, err := cronParser.Parse(c.CronExpression); err != nil {
		return fmt.Errorf("%w: cron expression: %v", ErrInvalidConfiguration, err)
	}

	if _, err := c.location(); err != nil {
		return fmt.Errorf("%w: timezone: %v", ErrInvalidConfiguration, err)
	}

	return nil
}

// NextRunTime returns the first activation strictly after the given time, in UTC.
func (c *ScheduledConfiguration) NextRunTime(after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(c.CronExpression)
	if err != nil {
		return time.Time{}, err
	}

	location, err := c.location()
	if err != nil {
		return time.Time{}, err
	}

	return schedule.Next(after.In(location)).UTC(), nil
}

func (c *ScheduledConfiguration) location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}

	return time.LoadLocation(c.Timezone)
}

// EmailField names a part of an inbound email that can feed a prompt parameter.
type EmailField string

const (
	EmailFieldSender      EmailField = "sender"
	EmailFieldSubject     EmailField = "subject"
	EmailFieldBody        EmailField = "body"
	EmailFieldAttachments EmailField = "attachments"
)

func (f EmailField) Valid() bool {
	switch f {
	case EmailFieldSender, EmailFieldSubject, EmailFieldBody, EmailFieldAttachments:
		return true
	default:
		return false
	}
}

// EmailConfiguration runs the document when an email reaches the document's address.
type EmailConfiguration struct {
	Name              string                `json:"name,omitempty"`
	ReplyWithResponse bool                  `json:"reply_with_response"`
	EmailWhitelist    []string              `json:"email_whitelist,omitempty"  validate:"omitempty,dive,email"`
	DomainWhitelist   []string              `json:"domain_whitelist,omitempty" validate:"omitempty,dive,fqdn"`
	ParameterMapping  map[string]EmailField `json:"parameters,omitempty"`
}

func (c *EmailConfiguration) Kind() TriggerKind { return TriggerKindEmail }

func (c *EmailConfiguration) Accept(visitor ConfigurationVisitor) error {
	return visitor.VisitEmail(c)
}

func (c *EmailConfiguration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	for parameter, field := range c.ParameterMapping {
		if !field.Valid() {
			return fmt.Errorf("%w: parameter %q maps to unknown email field %q", ErrInvalidConfiguration, parameter, field)
		}
	}

	return nil
}

// Admits reports whether the sender passes the allow-lists. With neither list set,
// every sender is admitted; otherwise the sender must match at least one entry.
func (c *EmailConfiguration) Admits(sender string) bool {
	if len(c.EmailWhitelist) == 0 && len(c.DomainWhitelist) == 0 {
		return true
	}

	sender = strings.ToLower(strings.TrimSpace(sender))

	for _, allowed := range c.EmailWhitelist {
		if strings.ToLower(allowed) == sender {
			return true
		}
	}

	at := strings.LastIndex(sender, "@")
	if at < 0 {
		return false
	}

	domain := sender[at+1:]

	for _, allowed := range c.DomainWhitelist {
		if strings.ToLower(strings.TrimPrefix(allowed, "@")) == domain {
			return true
		}
	}

	return false
}

// WholePayload maps a parameter to the complete integration payload.
const WholePayload = "*"

// IntegrationConfiguration runs the document when a third-party component emits an event.
type IntegrationConfiguration struct {
	IntegrationID int64          `json:"integration_id" validate:"required,gt=0"`
	ComponentKey  string         `json:"component_key"  validate:"required"`
	Properties    map[string]any `json:"properties,omitempty"`
	// PayloadParameters maps prompt parameter names to top-level payload keys.
	PayloadParameters map[string]string `json:"payload_parameters,omitempty"`
	// PayloadSchema is an optional JSON schema incoming payloads must satisfy.
	PayloadSchema map[string]any `json:"payload_schema,omitempty"`
}

func (c *IntegrationConfiguration) Kind() TriggerKind { return TriggerKindIntegration }

func (c *IntegrationConfiguration) Accept(visitor ConfigurationVisitor) error {
	return visitor.VisitIntegration(c)
}

func (c *IntegrationConfiguration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	for parameter, key := range c.PayloadParameters {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: parameter %q has an empty payload key", ErrInvalidConfiguration, parameter)
		}
	}

	return nil
}
