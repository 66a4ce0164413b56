// Package postgresql provides the PostgreSQL graph store.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/dukex/flowgraph/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// querier is satisfied by both *sql.DB and *sql.Tx so repositories can run
// auto-committed or inside a unit of work.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistence creates a new PostgreSQL persistence layer.
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

	return NewPersistenceFromDB(database, logger), nil
}

// NewPersistenceFromDB wraps an already migrated database handle.
func NewPersistenceFromDB(db *sql.DB, logger *slog.Logger) *Persistence {
	return &Persistence{db: db, logger: logger}
}

// Begin starts a unit of work backed by a database transaction.
func (p *Persistence) Begin(ctx context.Context) (persistence.UnitOfWork, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &unitOfWork{tx: tx, logger: p.logger}, nil
}

func (p *Persistence) Workflows() persistence.WorkflowRepository {
	return NewWorkflowRepository(p.db, p.logger)
}

func (p *Persistence) Graph() persistence.GraphRepository {
	return NewGraphRepository(p.db, p.logger)
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return NewExecutionRepository(p.db, p.logger)
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

type unitOfWork struct {
	tx     *sql.Tx
	logger *slog.Logger
	done   bool
}

func (u *unitOfWork) Workflows() persistence.WorkflowRepository {
	return NewWorkflowRepository(u.tx, u.logger)
}

func (u *unitOfWork) Graph() persistence.GraphRepository {
	return NewGraphRepository(u.tx, u.logger)
}

func (u *unitOfWork) Executions() persistence.ExecutionRepository {
	return NewExecutionRepository(u.tx, u.logger)
}

func (u *unitOfWork) Commit() error {
	if u.done {
		return persistence.ErrTransactionDone
	}

	u.done = true

	err := u.tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (u *unitOfWork) Rollback() error {
	if u.done {
		return nil
	}

	u.done = true

	err := u.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
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

// nullableJSON returns nil for JSON null so the column stores SQL NULL.
func nullableJSON(data []byte) any {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	return data
}
