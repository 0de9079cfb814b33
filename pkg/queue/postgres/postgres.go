// Package postgres provides the durable PostgreSQL job queue. Jobs survive
// restarts, and FOR UPDATE SKIP LOCKED lets multiple worker processes
// claim from the same table without contending.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/maestro/pkg/models"
	"github.com/dukex/maestro/pkg/queue"
)

// claimTimeout is the visibility window: a claimed job whose worker died
// becomes claimable again after this long.
const claimTimeout = 5 * time.Minute

type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewQueue(ctx context.Context, logger *slog.Logger, databaseURL string) (*Queue, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL queue database: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	q := &Queue{db: db, logger: logger.With("module", "postgres_queue")}

	err = q.ensureSchema(ctx)
	if err != nil {
		return nil, err
	}

	return q, nil
}

func (q *Queue) ensureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id UUID PRIMARY KEY,
			event_id VARCHAR(100) NOT NULL,
			ref JSONB NOT NULL,
			retries_remaining INT NOT NULL,
			run_at TIMESTAMP WITH TIME ZONE NOT NULL,
			deliveries INT NOT NULL DEFAULT 0,
			claimed_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(run_at) WHERE claimed_at IS NULL;
	`

	_, err := q.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}

	return nil
}

func (q *Queue) Enqueue(ctx context.Context, job *queue.Job) error {
	ref, err := json.Marshal(job.Ref)
	if err != nil {
		return fmt.Errorf("failed to marshal job ref: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, event_id, ref, retries_remaining, run_at, deliveries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, job.EventID, ref, job.RetriesRemaining, job.RunAt, job.Deliveries, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	return nil
}

// Dequeue claims up to limit due jobs. The inner select skips rows other
// workers hold locked, and expired claims become claimable again.
func (q *Queue) Dequeue(ctx context.Context, limit int) ([]*queue.Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE jobs
		SET claimed_at = NOW(), deliveries = deliveries + 1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE run_at <= NOW()
			  AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
			ORDER BY run_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, ref, retries_remaining, run_at, deliveries, created_at
	`, limit, claimTimeout.String())
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	defer func() {
		closeErr := rows.Close()
		if closeErr != nil {
			q.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	jobs := make([]*queue.Job, 0, limit)

	for rows.Next() {
		job := &queue.Job{}

		var ref []byte

		err = rows.Scan(&job.ID, &job.EventID, &ref, &job.RetriesRemaining,
			&job.RunAt, &job.Deliveries, &job.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		var jobRef models.Ref

		err = json.Unmarshal(ref, &jobRef)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal job ref: %w", err)
		}

		job.Ref = jobRef
		jobs = append(jobs, job)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating claimed jobs: %w", err)
	}

	return jobs, nil
}

func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = $1", job.ID)
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}

	return nil
}

func (q *Queue) Nack(ctx context.Context, job *queue.Job, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET claimed_at = NULL, run_at = $2 WHERE id = $1
	`, job.ID, time.Now().UTC().Add(delay))
	if err != nil {
		return fmt.Errorf("failed to nack job %s: %w", job.ID, err)
	}

	return nil
}

func (q *Queue) Close(ctx context.Context) error {
	err := q.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}

	return nil
}
