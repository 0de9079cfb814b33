package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/persistence"
)

// UserRepository handles user-related database operations.
type UserRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewUserRepository(db *sql.DB, logger *slog.Logger) *UserRepository {
	return &UserRepository{db: db, logger: logger}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, decision_endpoint, activity_endpoint, notification_endpoint, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := q(ctx, r.db).ExecContext(ctx, query,
		user.ID,
		user.DecisionEndpoint,
		user.ActivityEndpoint,
		user.NotificationEndpoint,
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user %s: %w", user.ID, err)
	}

	return nil
}

func (r *UserRepository) UserByID(ctx context.Context, id string) (*models.User, error) {
	query := `
		SELECT
			id
		  , decision_endpoint
		  , activity_endpoint
		  , notification_endpoint
		  , created_at
		FROM users
		WHERE id = $1
	`

	user := &models.User{}

	err := q(ctx, r.db).QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.DecisionEndpoint,
		&user.ActivityEndpoint,
		&user.NotificationEndpoint,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrUserNotFound
		}

		return nil, fmt.Errorf("failed to scan user %s: %w", id, err)
	}

	return user, nil
}

func (r *UserRepository) RotateEndpoints(ctx context.Context, id string, attrs models.UserAttrs) error {
	query := `
		UPDATE users
		SET decision_endpoint = $2, activity_endpoint = $3, notification_endpoint = $4
		WHERE id = $1
	`

	result, err := q(ctx, r.db).ExecContext(ctx, query,
		id, attrs.DecisionEndpoint, attrs.ActivityEndpoint, attrs.NotificationEndpoint)
	if err != nil {
		return fmt.Errorf("failed to rotate endpoints for user %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rotate result for user %s: %w", id, err)
	}

	if affected == 0 {
		return persistence.ErrUserNotFound
	}

	return nil
}
