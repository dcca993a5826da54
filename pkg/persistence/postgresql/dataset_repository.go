package postgresql

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
)

// DatasetRepository reads dataset rows for batch evaluations.
type DatasetRepository struct {
	db     queryer
	logger *slog.Logger
}

func NewDatasetRepository(db queryer, logger *slog.Logger) *DatasetRepository {
	return &DatasetRepository{db: db, logger: logger}
}

// Rows returns the dataset rows between the 1-based lines from and to, both inclusive.
func (r *DatasetRepository) Rows(ctx context.Context, workspaceID, datasetID int64, from, to int) ([]*models.DatasetRow, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM datasets WHERE workspace_id = $1 AND id = $2)`,
		workspaceID, datasetID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check dataset %d: %w", datasetID, err)
	}

	if !exists {
		return nil, fmt.Errorf("dataset %d: %w", datasetID, persistence.ErrDatasetNotFound)
	}

	offset, limit := rowWindow(from, to)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, dataset_id, row_data
		FROM dataset_rows
		WHERE dataset_id = $1
		ORDER BY id
		OFFSET $2
		LIMIT $3
	`, datasetID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dataset rows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	result := make([]*models.DatasetRow, 0)

	for rows.Next() {
		var (
			row  models.DatasetRow
			data []byte
		)

		err := rows.Scan(&row.ID, &row.DatasetID, &data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dataset row: %w", err)
		}

		err = json.Unmarshal(data, &row.Values)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal dataset row %d: %w", row.ID, err)
		}

		result = append(result, &row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dataset rows: %w", err)
	}

	return result, nil
}

// rowWindow converts a 1-based inclusive line range into OFFSET and LIMIT. A nil limit
// selects every remaining row.
func rowWindow(from, to int) (int, any) {
	offset := max(from-1, 0)

	if to <= 0 {
		return offset, nil
	}

	return offset, max(to-offset, 0)
}
