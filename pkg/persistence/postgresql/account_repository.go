package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hookcron/hookcron/pkg/models"
	"github.com/hookcron/hookcron/pkg/persistence"
)

// AccountRepository holds the read-model of organizations and queue flags
// consumed from the accounts service.
type AccountRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAccountRepository(db *sql.DB, logger *slog.Logger) *AccountRepository {
	return &AccountRepository{db: db, logger: logger}
}

func (r *AccountRepository) SaveOrganization(ctx context.Context, org *models.Organization) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, tier, monthly_limit, max_concurrent_executions, webhook_secret)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			tier = EXCLUDED.tier,
			monthly_limit = EXCLUDED.monthly_limit,
			max_concurrent_executions = EXCLUDED.max_concurrent_executions,
			webhook_secret = EXCLUDED.webhook_secret`,
		org.ID, org.Name, org.Tier, org.MonthlyLimit,
		org.MaxConcurrentExecutions, org.WebhookSecret,
	)
	if err != nil {
		return fmt.Errorf("failed to save organization %s: %w", org.ID, err)
	}

	return nil
}

func (r *AccountRepository) OrganizationByID(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, tier, monthly_limit, max_concurrent_executions, webhook_secret
		FROM organizations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.Tier, &org.MonthlyLimit,
		&org.MaxConcurrentExecutions, &org.WebhookSecret)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrOrganizationNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query organization %s: %w", id, err)
	}

	return &org, nil
}

func (r *AccountRepository) SaveQueue(ctx context.Context, queue *models.Queue) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queues (organization_id, name, paused)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, name) DO UPDATE SET paused = EXCLUDED.paused`,
		queue.OrganizationID, queue.Name, queue.Paused,
	)
	if err != nil {
		return fmt.Errorf("failed to save queue %s/%s: %w", queue.OrganizationID, queue.Name, err)
	}

	return nil
}
