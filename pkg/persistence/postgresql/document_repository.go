package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
)

// DocumentRepository reads projects, commits and document versions.
type DocumentRepository struct {
	db queryer
}

func NewDocumentRepository(db queryer) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// ScopeByDocumentUUID resolves a document through its latest merged version.
func (r *DocumentRepository) ScopeByDocumentUUID(ctx context.Context, documentUUID string) (*models.DocumentScope, error) {
	query := `
		SELECT p.workspace_id, p.id, dv.document_uuid, dv.path, dv.deleted_at IS NOT NULL
		FROM document_versions dv
		JOIN commits c ON c.id = dv.commit_id
		JOIN projects p ON p.id = c.project_id
		WHERE dv.document_uuid = $1 AND c.merged_at IS NOT NULL
		ORDER BY c.merged_at DESC
		LIMIT 1
	`

	var (
		scope   models.DocumentScope
		deleted bool
	)

	err := r.db.QueryRowContext(ctx, query, documentUUID).Scan(
		&scope.WorkspaceID, &scope.ProjectID, &scope.DocumentUUID, &scope.Path, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", documentUUID, persistence.ErrDocumentNotFound)
		}

		return nil, fmt.Errorf("failed to resolve document %s: %w", documentUUID, err)
	}

	if deleted {
		return nil, fmt.Errorf("document %s: %w", documentUUID, persistence.ErrDocumentNotFound)
	}

	return &scope, nil
}

// DocumentExists reports whether the document is live at the commit, using the same
// visibility rule as triggers.
func (r *DocumentRepository) DocumentExists(ctx context.Context, documentUUID string, commitID int64) (bool, error) {
	query := `
		WITH target AS (SELECT id, project_id, merged_at FROM commits WHERE id = $1)
		SELECT COALESCE((
			SELECT dv.deleted_at IS NULL
			FROM document_versions dv
			JOIN commits c ON c.id = dv.commit_id
			JOIN target ON c.project_id = target.project_id
			WHERE dv.document_uuid = $2
				AND (c.id = target.id OR (c.merged_at IS NOT NULL AND (target.merged_at IS NULL OR c.merged_at <= target.merged_at)))
			ORDER BY (c.id = target.id) DESC, c.merged_at DESC
			LIMIT 1
		), false)
	`

	var exists bool

	err := r.db.QueryRowContext(ctx, query, commitID, documentUUID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check document %s: %w", documentUUID, err)
	}

	return exists, nil
}

func (r *DocumentRepository) CommitByID(ctx context.Context, commitID int64) (*models.Commit, error) {
	return r.commit(ctx, `SELECT id, uuid, project_id, merged_at FROM commits WHERE id = $1`, commitID)
}

func (r *DocumentRepository) CommitByUUID(ctx context.Context, projectID int64, commitUUID string) (*models.Commit, error) {
	return r.commit(ctx,
		`SELECT id, uuid, project_id, merged_at FROM commits WHERE project_id = $1 AND uuid = $2`,
		projectID, commitUUID)
}

func (r *DocumentRepository) HeadCommit(ctx context.Context, projectID int64) (*models.Commit, error) {
	query := `
		SELECT id, uuid, project_id, merged_at
		FROM commits
		WHERE project_id = $1 AND merged_at IS NOT NULL
		ORDER BY merged_at DESC
		LIMIT 1
	`

	return r.commit(ctx, query, projectID)
}

func (r *DocumentRepository) commit(ctx context.Context, query string, args ...any) (*models.Commit, error) {
	var (
		commit   models.Commit
		mergedAt sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, args...).Scan(&commit.ID, &commit.UUID, &commit.ProjectID, &mergedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrCommitNotFound
		}

		return nil, fmt.Errorf("failed to get commit: %w", err)
	}

	if mergedAt.Valid {
		commit.MergedAt = &mergedAt.Time
	}

	return &commit, nil
}
