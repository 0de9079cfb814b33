// Package postgresql provides the PostgreSQL persistence implementation
// for users, workflows, nodes, and their status history.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/maestro/pkg/persistence"
	"github.com/dukex/maestro/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db       *sql.DB
	logger   *slog.Logger
	userRepo *UserRepository
	wfRepo   *WorkflowRepository
	nodeRepo *NodeRepository
}

// NewPersistence connects, runs migrations, and wires the repositories.
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

	return &Persistence{
		db:       database,
		logger:   logger,
		userRepo: NewUserRepository(database, logger),
		wfRepo:   NewWorkflowRepository(database, logger),
		nodeRepo: NewNodeRepository(database, logger),
	}, nil
}

func (p *Persistence) Users() persistence.UserRepository         { return p.userRepo }
func (p *Persistence) Workflows() persistence.WorkflowRepository { return p.wfRepo }
func (p *Persistence) Nodes() persistence.NodeRepository         { return p.nodeRepo }

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	err := p.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}

// querier is the subset of *sql.DB and *sql.Tx the repositories use, so
// every query can transparently run inside a WithLock transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// withTx returns a context whose repository calls run on the transaction.
func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// q resolves the querier for ctx: the enclosing WithLock transaction when
// present, the shared pool otherwise.
func q(ctx context.Context, db *sql.DB) querier {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if ok {
		return tx
	}

	return db
}
