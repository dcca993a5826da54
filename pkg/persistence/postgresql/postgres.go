// Package postgresql provides the PostgreSQL persistence implementation for triggers and trigger events.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/dukex/prompthook/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
	*repositories
}

type repositories struct {
	triggers      *TriggerRepository
	triggerEvents *TriggerEventRepository
	integrations  *IntegrationRepository
	documents     *DocumentRepository
	datasets      *DatasetRepository
}

func newRepositories(db queryer, logger *slog.Logger) *repositories {
	return &repositories{
		triggers:      NewTriggerRepository(db, logger),
		triggerEvents: NewTriggerEventRepository(db, logger),
		integrations:  NewIntegrationRepository(db),
		documents:     NewDocumentRepository(db),
		datasets:      NewDatasetRepository(db, logger),
	}
}

func (r *repositories) Triggers() persistence.TriggerRepository           { return r.triggers }
func (r *repositories) TriggerEvents() persistence.TriggerEventRepository { return r.triggerEvents }
func (r *repositories) Integrations() persistence.IntegrationRepository   { return r.integrations }
func (r *repositories) Documents() persistence.DocumentRepository         { return r.documents }
func (r *repositories) Datasets() persistence.DatasetRepository           { return r.datasets }

// NewPersistence connects to PostgreSQL and runs pending migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return NewWithDB(database, logger), nil
}

// NewWithDB wraps an already opened database without running migrations.
func NewWithDB(database *sql.DB, logger *slog.Logger) *Persistence {
	return &Persistence{
		db:           database,
		logger:       logger,
		repositories: newRepositories(database, logger),
	}
}

// Transaction runs fn with repositories bound to a single database transaction.
func (p *Persistence) Transaction(ctx context.Context, fn func(ctx context.Context, tx persistence.Repositories) error) error {
	transaction, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = fn(ctx, newRepositories(transaction, p.logger))
	if err != nil {
		if rollbackErr := transaction.Rollback(); rollbackErr != nil {
			p.logger.ErrorContext(ctx, "failed to rollback transaction", "error", rollbackErr)
		}

		return err
	}

	err = transaction.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	if closeErr := rows.Close(); closeErr != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
	}
}
