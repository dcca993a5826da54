package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
)

// IntegrationRepository reads workspace integrations.
type IntegrationRepository struct {
	db queryer
}

func NewIntegrationRepository(db queryer) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

// ByID returns a live integration of the workspace.
func (r *IntegrationRepository) ByID(ctx context.Context, workspaceID, integrationID int64) (*models.Integration, error) {
	query := `
		SELECT id, workspace_id, name, kind, configured, COALESCE(account_ref, '')
		FROM integrations
		WHERE workspace_id = $1 AND id = $2 AND deleted_at IS NULL
	`

	var integration models.Integration

	err := r.db.QueryRowContext(ctx, query, workspaceID, integrationID).Scan(
		&integration.ID,
		&integration.WorkspaceID,
		&integration.Name,
		&integration.Kind,
		&integration.Configured,
		&integration.AccountRef,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("integration %d: %w", integrationID, persistence.ErrIntegrationNotFound)
		}

		return nil, fmt.Errorf("failed to get integration %d: %w", integrationID, err)
	}

	return &integration, nil
}
