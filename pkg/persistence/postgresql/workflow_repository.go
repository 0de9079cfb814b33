package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/persistence"
	"github.com/lib/pq"
)

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

const workflowColumns = `
	id
  , user_id
  , name
  , decider
  , subject
  , complete
  , paused
  , created_at
  , updated_at
`

func (r *WorkflowRepository) Create(ctx context.Context, workflow *models.Workflow) error {
	subject, err := json.Marshal(workflow.Subject)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow subject: %w", err)
	}

	query := `
		INSERT INTO workflows (id, user_id, name, decider, subject, complete, paused, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = q(ctx, r.db).ExecContext(ctx, query,
		workflow.ID,
		workflow.UserID,
		workflow.Name,
		workflow.Decider,
		subject,
		workflow.Complete,
		workflow.Paused,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return persistence.NewWorkflowError("Create", workflow.ID, persistence.ErrWorkflowAlreadyExists)
		}

		return persistence.NewWorkflowError("Create", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) WorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	workflow, err := r.scanWorkflow(q(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("WorkflowByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("WorkflowByID", id, err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) FindByUniqueness(ctx context.Context, userID, name, decider string, subject map[string]any) (*models.Workflow, error) {
	encoded, err := json.Marshal(subject)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow subject: %w", err)
	}

	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE user_id = $1 AND name = $2 AND decider = $3 AND subject = $4
	`

	workflow, err := r.scanWorkflow(q(ctx, r.db).QueryRowContext(ctx, query, userID, name, decider, encoded))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("failed to find workflow by uniqueness: %w", err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) SetComplete(ctx context.Context, id string, complete bool) error {
	return r.setFlag(ctx, "SetComplete", id, "complete", complete)
}

func (r *WorkflowRepository) SetPaused(ctx context.Context, id string, paused bool) error {
	return r.setFlag(ctx, "SetPaused", id, "paused", paused)
}

func (r *WorkflowRepository) setFlag(ctx context.Context, op, id, column string, value bool) error {
	query := fmt.Sprintf("UPDATE workflows SET %s = $2, updated_at = NOW() WHERE id = $1", column)

	result, err := q(ctx, r.db).ExecContext(ctx, query, id, value)
	if err != nil {
		return persistence.NewWorkflowError(op, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError(op, id, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError(op, id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowRepository) scanWorkflow(row rowScanner) (*models.Workflow, error) {
	workflow := &models.Workflow{}

	var subject []byte

	err := row.Scan(
		&workflow.ID,
		&workflow.UserID,
		&workflow.Name,
		&workflow.Decider,
		&subject,
		&workflow.Complete,
		&workflow.Paused,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(subject, &workflow.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow subject: %w", err)
	}

	return workflow, nil
}
