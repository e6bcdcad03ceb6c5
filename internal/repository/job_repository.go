package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mapwall/internal/models"
)

// JobRepository is the PostgreSQL JobStore.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `
	id, owner_id, status, viewport, theme, devices, crop_position,
	ai_enabled, ai_style_enhance, ai_upscale, error_message,
	created_at, started_at, completed_at, updated_at`

func (r *JobRepository) Create(ctx context.Context, job models.Job) error {
	const query = `
		INSERT INTO jobs (
			id, owner_id, status, viewport, theme, devices, crop_position,
			ai_enabled, ai_style_enhance, ai_upscale, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $11
		)
	`
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.OwnerID,
		string(models.JobStatusPending),
		job.Viewport,
		job.Theme,
		job.Devices,
		job.CropPosition,
		job.AI.Enabled,
		job.AI.StyleEnhance,
		job.AI.Upscale,
		createdAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) MarkProcessing(ctx context.Context, id string) error {
	const query = `
		UPDATE jobs
		SET status = 'processing',
		    started_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`
	return r.transition(ctx, query, id, statusStrings(toProcessing))
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id string) error {
	const query = `
		UPDATE jobs
		SET status = 'completed',
		    error_message = NULL,
		    completed_at = COALESCE(completed_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`
	return r.transition(ctx, query, id, statusStrings(fromProcessing))
}

func (r *JobRepository) MarkFailed(ctx context.Context, id, message string) error {
	const query = `
		UPDATE jobs
		SET status = 'failed',
		    error_message = $3,
		    completed_at = COALESCE(completed_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`
	return r.transition(ctx, query, id, statusStrings(toFailed), message)
}

func (r *JobRepository) ResetForRetry(ctx context.Context, id string) error {
	const query = `
		UPDATE jobs
		SET status = 'pending',
		    error_message = NULL,
		    started_at = NULL,
		    completed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`
	return r.transition(ctx, query, id, statusStrings(fromFailed))
}

func (r *JobRepository) transition(ctx context.Context, query, id string, from []string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, append([]any{id, from}, args...)...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (r *JobRepository) ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job    models.Job
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&status,
		&job.Viewport,
		&job.Theme,
		&job.Devices,
		&job.CropPosition,
		&job.AI.Enabled,
		&job.AI.StyleEnhance,
		&job.AI.Upscale,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	)
	job.Status = models.JobStatus(status)
	return job, err
}
