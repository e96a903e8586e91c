// Package postgresql implements the persistence layer on PostgreSQL. Row
// locking (FOR UPDATE SKIP LOCKED) backs the claim, and advisory locks back
// leader election and per-run mutual exclusion.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/hookcron/hookcron/pkg/persistence"
	"github.com/hookcron/hookcron/pkg/persistence/sqlbase"
)

// Persistence implements persistence.Persistence for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	*TaskRepository
	*ExecutionRepository
	*AccountRepository
	*WorkflowRepository
}

// NewPersistence connects, migrates, and returns the store.
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
		db:                  database,
		logger:              logger,
		TaskRepository:      NewTaskRepository(database, logger),
		ExecutionRepository: NewExecutionRepository(database, logger),
		AccountRepository:   NewAccountRepository(database, logger),
		WorkflowRepository:  NewWorkflowRepository(database, logger),
	}, nil
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

// TryLock attempts a non-blocking session advisory lock on key. The lock is
// held by a dedicated connection; Unlock releases both. A crashed holder's
// session dies with its connection and the lock frees automatically, which
// is what makes the leader roles safe to run on every node.
func (p *Persistence) TryLock(ctx context.Context, key string) (persistence.UnlockFunc, bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open lock connection: %w", err)
	}

	var acquired bool

	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&acquired)
	if err != nil {
		_ = conn.Close()

		return nil, false, fmt.Errorf("failed to try advisory lock %q: %w", key, err)
	}

	if !acquired {
		_ = conn.Close()

		return nil, false, nil
	}

	return p.unlockFunc(conn, key), true, nil
}

// LockRun blocks until the per-run advisory lock is acquired. Run
// evaluation must be serialized across nodes, and the second evaluator must
// wait and re-observe state rather than skip, so this is the one blocking
// lock in the system.
func (p *Persistence) LockRun(ctx context.Context, runID string) (persistence.UnlockFunc, error) {
	key := "run:" + runID

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock connection: %w", err)
	}

	_, err = conn.ExecContext(ctx, "SELECT pg_advisory_lock(hashtext($1))", key)
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to acquire run lock for %s: %w", runID, err)
	}

	return p.unlockFunc(conn, key), nil
}

func (p *Persistence) unlockFunc(conn *sql.Conn, key string) persistence.UnlockFunc {
	return func(ctx context.Context) error {
		_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", key)

		closeErr := conn.Close()
		if err != nil {
			return fmt.Errorf("failed to release advisory lock %q: %w", key, err)
		}

		if closeErr != nil {
			return fmt.Errorf("failed to close lock connection: %w", closeErr)
		}

		return nil
	}
}
