package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/dukex/prompthook/pkg/metrics"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/dukex/prompthook/pkg/services"
	"github.com/dukex/prompthook/pkg/storage"
)

type Attachment struct {
	Name        string `json:"name"         validate:"required"`
	ContentType string `json:"content_type"`
	// Content is base64 in JSON.
	Content []byte `json:"content"`
}

// Email is an inbound email as delivered by the mail provider webhook.
type Email struct {
	From        string       `json:"from"        validate:"required"`
	FromName    string       `json:"from_name"`
	To          []string     `json:"to"          validate:"required,min=1"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	MessageID   string       `json:"message_id"`
	References  string       `json:"references"`
	Attachments []Attachment `json:"attachments" validate:"dive"`
}

// Result reports what one occurrence produced. Dropped holds the reason when a
// recipient was skipped without recording anything.
type Result struct {
	Events  []*models.TriggerEvent `json:"events"`
	Dropped []string               `json:"dropped,omitempty"`
}

func (r *Result) drop(reason string) {
	r.Dropped = append(r.Dropped, reason)
}

// EmailIntake handles emails sent to document addresses of the form
// <document uuid>@<domain>.
type EmailIntake struct {
	persistence persistence.Persistence
	dispatcher  *Dispatcher
	uploader    storage.Uploader
	domain      string
	metrics     metrics.Sink
	logger      *slog.Logger
}

func NewEmailIntake(
	p persistence.Persistence,
	dispatcher *Dispatcher,
	uploader storage.Uploader,
	domain string,
	sink metrics.Sink,
	logger *slog.Logger,
) *EmailIntake {
	return &EmailIntake{
		persistence: p,
		dispatcher:  dispatcher,
		uploader:    uploader,
		domain:      strings.ToLower(domain),
		metrics:     sink,
		logger:      logger.With("module", "email_intake"),
	}
}

// Receive records an event for every email trigger admitting the sender on each
// addressed document. Recipients that do not resolve and senders every trigger rejects
// are dropped and logged. Only storage and database failures are returned, and then no
// event of the email is recorded, so the provider can redeliver it safely.
func (i *EmailIntake) Receive(ctx context.Context, email Email) (*Result, error) {
	if err := validate.Struct(email); err != nil {
		return nil, services.NewValidationError("receive_email", "invalid_email", err.Error(), err)
	}

	result := &Result{}
	addressed := make([]addressedTriggers, 0, len(email.To))

	for _, recipient := range email.To {
		logger := i.logger.With("recipient", recipient, "sender", email.From)

		admitted, err := i.resolve(ctx, recipient, email.From)
		if err != nil {
			if reason, ok := dropReason(err); ok {
				i.dropped(ctx, logger.With("reason", err), result, reason)

				continue
			}

			return nil, err
		}

		addressed = append(addressed, admitted)
	}

	if len(addressed) == 0 {
		return result, nil
	}

	occurrences, err := i.occurrences(ctx, addressed, email)
	if err != nil {
		return nil, err
	}

	recorded, err := i.dispatcher.register(ctx, occurrences, nil)
	if err != nil {
		return nil, err
	}

	result.Events = recorded

	return result, nil
}

// addressedTriggers are the triggers of one recipient that admit the sender.
type addressedTriggers struct {
	recipient string
	commitID  int64
	triggers  []*models.Trigger
}

type dropError struct {
	reason string
	err    error
}

func (e *dropError) Error() string {
	if e.err == nil {
		return e.reason
	}

	return e.reason + ": " + e.err.Error()
}

func (e *dropError) Unwrap() error { return e.err }

func dropReason(err error) (string, bool) {
	var drop *dropError
	if errors.As(err, &drop) {
		return drop.reason, true
	}

	return "", false
}

// resolve finds the email triggers of the document a recipient addresses, at its head
// commit, keeping those that admit sender. Recipients yielding nothing fail with a
// dropError.
func (i *EmailIntake) resolve(ctx context.Context, recipient, sender string) (addressedTriggers, error) {
	documentUUID, ok := i.documentAddress(recipient)
	if !ok {
		return addressedTriggers{}, &dropError{reason: metrics.DropWrongDomain}
	}

	scope, err := i.persistence.Documents().ScopeByDocumentUUID(ctx, documentUUID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return addressedTriggers{}, &dropError{reason: metrics.DropDocumentNotFound, err: err}
		}

		return addressedTriggers{}, err
	}

	head, err := i.persistence.Documents().HeadCommit(ctx, scope.ProjectID)
	if err != nil {
		return addressedTriggers{}, fmt.Errorf("failed to resolve head commit: %w", err)
	}

	triggers, err := i.persistence.Triggers().Active(ctx, persistence.TriggerFilter{
		WorkspaceID:  scope.WorkspaceID,
		ProjectID:    scope.ProjectID,
		DocumentUUID: scope.DocumentUUID,
		CommitID:     head.ID,
		Kind:         models.TriggerKindEmail,
	})
	if err != nil {
		return addressedTriggers{}, err
	}

	if len(triggers) == 0 {
		return addressedTriggers{}, &dropError{reason: metrics.DropNoTriggers}
	}

	admitted, err := admit(triggers, sender)
	if err != nil {
		if services.IsValidationError(err) {
			return addressedTriggers{}, &dropError{reason: metrics.DropFiltered, err: err}
		}

		return addressedTriggers{}, err
	}

	return addressedTriggers{recipient: recipient, commitID: head.ID, triggers: admitted}, nil
}

// admit keeps the triggers admitting sender. It fails with ErrSenderNotAllowed when none
// does.
func admit(triggers []*models.Trigger, sender string) ([]*models.Trigger, error) {
	admitted := make([]*models.Trigger, 0, len(triggers))

	for _, trigger := range triggers {
		filter := &senderFilter{sender: sender}
		if err := trigger.Configuration.Accept(filter); err != nil {
			return nil, err
		}

		if filter.admitted {
			admitted = append(admitted, trigger)
		}
	}

	if len(admitted) == 0 {
		return nil, services.NewValidationError("filter_email", "sender_not_allowed", sender, services.ErrSenderNotAllowed)
	}

	return admitted, nil
}

// register records the email for triggers as if it had been sent to recipient.
func (i *EmailIntake) register(
	ctx context.Context,
	triggers []*models.Trigger,
	commitID int64,
	recipient string,
	email Email,
) ([]*models.TriggerEvent, error) {
	admitted, err := admit(triggers, email.From)
	if err != nil {
		return nil, err
	}

	occurrences, err := i.occurrences(ctx, []addressedTriggers{{recipient: recipient, commitID: commitID, triggers: admitted}}, email)
	if err != nil {
		return nil, err
	}

	return i.dispatcher.register(ctx, occurrences, nil)
}

// occurrences uploads the attachments once per workspace and builds one occurrence per
// admitted trigger.
func (i *EmailIntake) occurrences(ctx context.Context, addressed []addressedTriggers, email Email) ([]occurrence, error) {
	uploaded := map[int64][]models.FileRef{}
	occurrences := make([]occurrence, 0, len(addressed))

	for _, a := range addressed {
		workspaceID := a.triggers[0].WorkspaceID

		attachments, ok := uploaded[workspaceID]
		if !ok {
			var err error

			attachments, err = i.upload(ctx, workspaceID, email.Attachments)
			if err != nil {
				return nil, err
			}

			uploaded[workspaceID] = attachments
		}

		payload := &models.EmailPayload{
			Sender:      email.From,
			SenderName:  email.FromName,
			Recipient:   a.recipient,
			Subject:     email.Subject,
			Body:        email.Body,
			MessageID:   email.MessageID,
			References:  email.References,
			Attachments: attachments,
		}

		for _, trigger := range a.triggers {
			occurrences = append(occurrences, occurrence{trigger: trigger, commitID: a.commitID, payload: payload})
		}
	}

	return occurrences, nil
}

// upload stores every attachment; a single failure aborts the whole email.
func (i *EmailIntake) upload(ctx context.Context, workspaceID int64, attachments []Attachment) ([]models.FileRef, error) {
	if len(attachments) == 0 {
		return nil, nil
	}

	refs := make([]models.FileRef, 0, len(attachments))

	for _, attachment := range attachments {
		ref, err := i.uploader.Upload(ctx, workspaceID, storage.File{
			Name:        attachment.Name,
			ContentType: attachment.ContentType,
			Content:     attachment.Content,
		})
		if err != nil {
			return nil, services.NewExternalError("upload_attachment", err)
		}

		refs = append(refs, ref)
	}

	return refs, nil
}

// documentAddress extracts the document UUID from an address on the intake domain.
func (i *EmailIntake) documentAddress(recipient string) (string, bool) {
	address, err := mail.ParseAddress(recipient)
	if err != nil {
		return "", false
	}

	at := strings.LastIndex(address.Address, "@")
	if at <= 0 || strings.ToLower(address.Address[at+1:]) != i.domain {
		return "", false
	}

	return strings.ToLower(address.Address[:at]), true
}

// Address returns the inbound email address of a document.
func (i *EmailIntake) Address(documentUUID string) string {
	return documentUUID + "@" + i.domain
}

func (i *EmailIntake) dropped(ctx context.Context, logger *slog.Logger, result *Result, reason string) {
	i.metrics.OccurrenceDropped(metrics.SourceEmail, reason)
	logger.InfoContext(ctx, "Email dropped", "drop_reason", reason)
	result.drop(reason)
}

// senderFilter admits a sender for email triggers. Other kinds never match an email.
type senderFilter struct {
	sender   string
	admitted bool
}

func (f *senderFilter) VisitScheduled(*models.ScheduledConfiguration) error { return nil }

func (f *senderFilter) VisitEmail(configuration *models.EmailConfiguration) error {
	f.admitted = configuration.Admits(address(f.sender))

	return nil
}

func (f *senderFilter) VisitIntegration(*models.IntegrationConfiguration) error { return nil }

func address(value string) string {
	if parsed, err := mail.ParseAddress(value); err == nil {
		return parsed.Address
	}

	return strings.TrimSpace(value)
}
