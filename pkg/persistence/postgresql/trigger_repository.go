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

const triggerColumns = `t.id, t.uuid, t.workspace_id, t.project_id, t.document_uuid, t.commit_id,
	t.trigger_kind, t.configuration, t.deployment_settings, t.definition_hash,
	t.created_at, t.updated_at, t.deleted_at`

// visibleTriggersQuery selects, per trigger uuid, the version visible at commit $1: the
// version written on that commit if any, otherwise the one from the latest merged commit
// not newer than it. Callers add their own predicates on t and on the outer row.
func visibleTriggersQuery(predicate, outer string) string {
	return `
		WITH target AS (SELECT id, project_id, merged_at FROM commits WHERE id = $1)
		SELECT * FROM (
			SELECT DISTINCT ON (t.uuid) ` + triggerColumns + `
			FROM document_triggers t
			JOIN commits c ON c.id = t.commit_id
			JOIN target ON c.project_id = target.project_id
			WHERE (c.id = target.id OR (c.merged_at IS NOT NULL AND (target.merged_at IS NULL OR c.merged_at <= target.merged_at)))
				AND ` + predicate + `
			ORDER BY t.uuid, (c.id = target.id) DESC, c.merged_at DESC
		) visible
		WHERE visible.deleted_at IS NULL ` + outer + `
		ORDER BY visible.created_at, visible.id
	`
}

// TriggerRepository handles document trigger database operations.
type TriggerRepository struct {
	db     queryer
	logger *slog.Logger
}

// NewTriggerRepository creates a new trigger repository.
func NewTriggerRepository(db queryer, logger *slog.Logger) *TriggerRepository {
	return &TriggerRepository{db: db, logger: logger}
}

// Save inserts the trigger version at (uuid, commit_id) or replaces it.
func (r *TriggerRepository) Save(ctx context.Context, trigger *models.Trigger) error {
	configurationJSON, err := json.Marshal(trigger.Configuration)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger configuration: %w", err)
	}

	settingsJSON, err := marshalSettings(trigger.DeploymentSettings)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO document_triggers (uuid, workspace_id, project_id, document_uuid, commit_id, trigger_kind,
			configuration, deployment_settings, definition_hash, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), $10)
		ON CONFLICT (uuid, commit_id) DO UPDATE SET
			configuration = EXCLUDED.configuration,
			deployment_settings = EXCLUDED.deployment_settings,
			definition_hash = EXCLUDED.definition_hash,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRowContext(ctx, query,
		trigger.UUID,
		trigger.WorkspaceID,
		trigger.ProjectID,
		trigger.DocumentUUID,
		trigger.CommitID,
		trigger.Kind,
		configurationJSON,
		settingsJSON,
		trigger.DefinitionHash,
		trigger.DeletedAt,
	).Scan(&trigger.ID, &trigger.CreatedAt, &trigger.UpdatedAt)
	if err != nil {
		return persistence.NewTriggerError("save", trigger.UUID, err)
	}

	return nil
}

// ByUUID returns the trigger version visible at commitID.
func (r *TriggerRepository) ByUUID(ctx context.Context, workspaceID int64, triggerUUID string, commitID int64) (*models.Trigger, error) {
	query := visibleTriggersQuery("t.workspace_id = $2 AND t.uuid = $3", "")

	trigger, err := scanTrigger(r.db.QueryRowContext(ctx, query, commitID, workspaceID, triggerUUID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTriggerError("get", triggerUUID, persistence.ErrTriggerNotFound)
		}

		return nil, persistence.NewTriggerError("get", triggerUUID, err)
	}

	return trigger, nil
}

// Latest returns the most recently written version of a trigger. A trigger whose latest
// version is deleted is reported as not found.
func (r *TriggerRepository) Latest(ctx context.Context, workspaceID int64, triggerUUID string) (*models.Trigger, error) {
	query := `
		SELECT ` + triggerColumns + `
		FROM document_triggers t
		WHERE t.workspace_id = $1 AND t.uuid = $2
		ORDER BY t.updated_at DESC, t.id DESC
		LIMIT 1
	`

	trigger, err := scanTrigger(r.db.QueryRowContext(ctx, query, workspaceID, triggerUUID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTriggerError("latest", triggerUUID, persistence.ErrTriggerNotFound)
		}

		return nil, persistence.NewTriggerError("latest", triggerUUID, err)
	}

	if trigger.IsDeleted() {
		return nil, persistence.NewTriggerError("latest", triggerUUID, persistence.ErrTriggerNotFound)
	}

	return trigger, nil
}

// Active lists the non-deleted triggers visible on a document at a commit.
func (r *TriggerRepository) Active(ctx context.Context, filter persistence.TriggerFilter) ([]*models.Trigger, error) {
	query := visibleTriggersQuery(
		"t.workspace_id = $2 AND t.project_id = $3 AND t.document_uuid = $4",
		"AND ($5 = '' OR visible.trigger_kind = $5)",
	)

	rows, err := r.db.QueryContext(ctx, query,
		filter.CommitID, filter.WorkspaceID, filter.ProjectID, filter.DocumentUUID, string(filter.Kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query active triggers: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	triggers := make([]*models.Trigger, 0)

	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}

		triggers = append(triggers, trigger)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}

	return triggers, nil
}

// UpdateDeploymentSettings replaces the deployment settings of one trigger row.
// A nil settings value marks the row as not deployed.
func (r *TriggerRepository) UpdateDeploymentSettings(ctx context.Context, triggerID int64, settings *models.DeploymentSettings) error {
	settingsJSON, err := marshalSettings(settings)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE document_triggers SET deployment_settings = $2, updated_at = NOW() WHERE id = $1`,
		triggerID, settingsJSON)
	if err != nil {
		return fmt.Errorf("failed to update deployment settings: %w", err)
	}

	return expectAffected(result, persistence.ErrTriggerNotFound)
}

func (r *TriggerRepository) SoftDelete(ctx context.Context, triggerID int64, deletedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE document_triggers SET deleted_at = $2, updated_at = NOW() WHERE id = $1`,
		triggerID, deletedAt)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}

	return expectAffected(result, persistence.ErrTriggerNotFound)
}

func (r *TriggerRepository) SaveSchedule(ctx context.Context, schedule *models.TriggerSchedule) error {
	query := `
		INSERT INTO trigger_schedules (trigger_uuid, workspace_id, cron_expression, timezone, next_run_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (trigger_uuid) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			next_run_at = EXCLUDED.next_run_at
	`

	_, err := r.db.ExecContext(ctx, query,
		schedule.TriggerUUID,
		schedule.WorkspaceID,
		schedule.CronExpression,
		schedule.Timezone,
		schedule.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save trigger schedule: %w", err)
	}

	return nil
}

func (r *TriggerRepository) DeleteSchedule(ctx context.Context, triggerUUID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM trigger_schedules WHERE trigger_uuid = $1`, triggerUUID)
	if err != nil {
		return fmt.Errorf("failed to delete trigger schedule: %w", err)
	}

	return nil
}

// DueSchedules locks and returns schedules whose next run is at or before now. Rows
// locked by another poller are skipped.
func (r *TriggerRepository) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.TriggerSchedule, error) {
	query := `
		SELECT trigger_uuid, workspace_id, cron_expression, timezone, next_run_at
		FROM trigger_schedules
		WHERE next_run_at <= $1
		ORDER BY next_run_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	schedules := make([]*models.TriggerSchedule, 0)

	for rows.Next() {
		var schedule models.TriggerSchedule

		err := rows.Scan(&schedule.TriggerUUID, &schedule.WorkspaceID, &schedule.CronExpression,
			&schedule.Timezone, &schedule.NextRunAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, &schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}

func scanTrigger(row scanner) (*models.Trigger, error) {
	var (
		trigger       models.Trigger
		configuration []byte
		settings      []byte
		deletedAt     sql.NullTime
	)

	err := row.Scan(
		&trigger.ID,
		&trigger.UUID,
		&trigger.WorkspaceID,
		&trigger.ProjectID,
		&trigger.DocumentUUID,
		&trigger.CommitID,
		&trigger.Kind,
		&configuration,
		&settings,
		&trigger.DefinitionHash,
		&trigger.CreatedAt,
		&trigger.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	trigger.Configuration, err = models.DecodeConfiguration(trigger.Kind, configuration)
	if err != nil {
		return nil, err
	}

	if len(settings) > 0 {
		trigger.DeploymentSettings = &models.DeploymentSettings{}

		err = json.Unmarshal(settings, trigger.DeploymentSettings)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal deployment settings: %w", err)
		}
	}

	if deletedAt.Valid {
		trigger.DeletedAt = &deletedAt.Time
	}

	return &trigger, nil
}

// marshalSettings returns nil for a nil settings value so the column is written as NULL.
func marshalSettings(settings *models.DeploymentSettings) (any, error) {
	if settings == nil {
		return nil, nil
	}

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal deployment settings: %w", err)
	}

	return string(settingsJSON), nil
}

func expectAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return notFound
	}

	return nil
}
