package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
)

const triggerEventColumns = `id, uuid, workspace_id, trigger_uuid, trigger_kind, trigger_hash, commit_id,
	payload, document_log_uuid, failed_at, created_at`

// TriggerEventRepository handles trigger event database operations.
type TriggerEventRepository struct {
	db     queryer
	logger *slog.Logger
}

// NewTriggerEventRepository creates a new trigger event repository.
func NewTriggerEventRepository(db queryer, logger *slog.Logger) *TriggerEventRepository {
	return &TriggerEventRepository{db: db, logger: logger}
}

// Insert records a new trigger event. Reusing an event uuid fails with ErrTriggerEventExists.
func (r *TriggerEventRepository) Insert(ctx context.Context, event *models.TriggerEvent) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger event payload: %w", err)
	}

	query := `
		INSERT INTO document_trigger_events (uuid, workspace_id, trigger_uuid, trigger_kind, trigger_hash,
			commit_id, payload, document_log_uuid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING id, created_at
	`

	err = r.db.QueryRowContext(ctx, query,
		event.UUID,
		event.WorkspaceID,
		event.TriggerUUID,
		event.TriggerKind,
		event.TriggerHash,
		event.CommitID,
		payloadJSON,
		event.DocumentLogUUID,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewTriggerEventError("insert", event.UUID, persistence.ErrTriggerEventExists)
		}

		return persistence.NewTriggerEventError("insert", event.UUID, err)
	}

	return nil
}

func (r *TriggerEventRepository) ByUUID(ctx context.Context, workspaceID int64, eventUUID string) (*models.TriggerEvent, error) {
	query := `SELECT ` + triggerEventColumns + ` FROM document_trigger_events WHERE workspace_id = $1 AND uuid = $2`

	event, err := scanTriggerEvent(r.db.QueryRowContext(ctx, query, workspaceID, eventUUID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTriggerEventError("get", eventUUID, persistence.ErrTriggerEventNotFound)
		}

		return nil, persistence.NewTriggerEventError("get", eventUUID, err)
	}

	return event, nil
}

// AttachDocumentLog sets the document log of an event that has none yet.
func (r *TriggerEventRepository) AttachDocumentLog(ctx context.Context, eventID int64, documentLogUUID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE document_trigger_events SET document_log_uuid = $2 WHERE id = $1 AND document_log_uuid IS NULL`,
		eventID, documentLogUUID)
	if err != nil {
		return fmt.Errorf("failed to attach document log: %w", err)
	}

	return expectAffected(result, persistence.ErrTriggerEventNotFound)
}

func (r *TriggerEventRepository) MarkFailed(ctx context.Context, eventID int64, failedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE document_trigger_events SET failed_at = $2
		WHERE id = $1 AND document_log_uuid IS NULL AND failed_at IS NULL`,
		eventID, failedAt)
	if err != nil {
		return fmt.Errorf("failed to mark trigger event failed: %w", err)
	}

	return expectAffected(result, persistence.ErrTriggerEventNotFound)
}

func (r *TriggerEventRepository) Unexecuted(ctx context.Context, since, before time.Time, limit int) ([]*models.TriggerEvent, error) {
	query := `
		SELECT ` + triggerEventColumns + `
		FROM document_trigger_events
		WHERE document_log_uuid IS NULL AND failed_at IS NULL AND created_at >= $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, since, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unexecuted trigger events: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	events := make([]*models.TriggerEvent, 0)

	for rows.Next() {
		event, err := scanTriggerEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trigger events: %w", err)
	}

	return events, nil
}

func scanTriggerEvent(row scanner) (*models.TriggerEvent, error) {
	var (
		event       models.TriggerEvent
		payload     []byte
		documentLog sql.NullString
		failedAt    sql.NullTime
	)

	err := row.Scan(
		&event.ID,
		&event.UUID,
		&event.WorkspaceID,
		&event.TriggerUUID,
		&event.TriggerKind,
		&event.TriggerHash,
		&event.CommitID,
		&payload,
		&documentLog,
		&failedAt,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Payload, err = models.DecodePayload(event.TriggerKind, payload)
	if err != nil {
		return nil, err
	}

	if documentLog.Valid {
		event.DocumentLogUUID = &documentLog.String
	}

	if failedAt.Valid {
		event.FailedAt = &failedAt.Time
	}

	return &event, nil
}
