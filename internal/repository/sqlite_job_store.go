package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"mapwall/internal/models"
)

// SQLiteJobStore is the JobStore used for local development and tests.
type SQLiteJobStore struct {
	db  *sql.DB
	sb  sq.StatementBuilderType
	now func() time.Time
}

func NewSQLiteJobStore(db *sql.DB) *SQLiteJobStore {
	return &SQLiteJobStore{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now: func() time.Time { return time.Now().UTC() },
	}
}

var sqliteJobColumns = []string{
	"id", "owner_id", "status", "viewport", "theme", "devices", "crop_position",
	"ai_enabled", "ai_style_enhance", "ai_upscale", "error_message",
	"created_at", "started_at", "completed_at", "updated_at",
}

func (s *SQLiteJobStore) Create(ctx context.Context, job models.Job) error {
	viewport, err := json.Marshal(job.Viewport)
	if err != nil {
		return fmt.Errorf("encode viewport: %w", err)
	}
	devices, err := json.Marshal(job.Devices)
	if err != nil {
		return fmt.Errorf("encode devices: %w", err)
	}
	createdAt := job.CreatedAt.UTC()
	if job.CreatedAt.IsZero() {
		createdAt = s.now()
	}

	query, args, err := s.sb.Insert("jobs").
		Columns("id", "owner_id", "status", "viewport", "theme", "devices", "crop_position",
			"ai_enabled", "ai_style_enhance", "ai_upscale", "created_at", "updated_at").
		Values(job.ID, job.OwnerID, string(models.JobStatusPending), string(viewport), job.Theme, string(devices),
			job.CropPosition, job.AI.Enabled, job.AI.StyleEnhance, job.AI.Upscale, createdAt, createdAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (models.Job, error) {
	query, args, err := s.sb.Select(sqliteJobColumns...).From("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return models.Job{}, err
	}
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteJobStore) MarkProcessing(ctx context.Context, id string) error {
	now := s.now()
	return s.transition(ctx, id, toProcessing, sq.Eq{
		"status":     string(models.JobStatusProcessing),
		"started_at": now,
		"updated_at": now,
	})
}

func (s *SQLiteJobStore) MarkCompleted(ctx context.Context, id string) error {
	now := s.now()
	return s.transition(ctx, id, fromProcessing, sq.Eq{
		"status":        string(models.JobStatusCompleted),
		"error_message": nil,
		"completed_at":  sq.Expr("COALESCE(completed_at, ?)", now),
		"updated_at":    now,
	})
}

func (s *SQLiteJobStore) MarkFailed(ctx context.Context, id, message string) error {
	now := s.now()
	return s.transition(ctx, id, toFailed, sq.Eq{
		"status":        string(models.JobStatusFailed),
		"error_message": message,
		"completed_at":  sq.Expr("COALESCE(completed_at, ?)", now),
		"updated_at":    now,
	})
}

func (s *SQLiteJobStore) ResetForRetry(ctx context.Context, id string) error {
	return s.transition(ctx, id, fromFailed, sq.Eq{
		"status":        string(models.JobStatusPending),
		"error_message": nil,
		"started_at":    nil,
		"completed_at":  nil,
		"updated_at":    s.now(),
	})
}

func (s *SQLiteJobStore) transition(ctx context.Context, id string, from []models.JobStatus, set sq.Eq) error {
	query, args, err := s.sb.Update("jobs").
		SetMap(set).
		Where(sq.Eq{"id": id, "status": statusStrings(from)}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *SQLiteJobStore) ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]models.Job, error) {
	query, args, err := s.sb.Select(sqliteJobColumns...).
		From("jobs").
		Where(sq.Eq{"status": string(models.JobStatusProcessing)}).
		Where(sq.Lt{"started_at": startedBefore.UTC()}).
		OrderBy("started_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteJobStore) SaveImages(ctx context.Context, images []models.GeneratedImage) error {
	if len(images) == 0 {
		return nil
	}
	now := s.now()
	insert := s.sb.Insert("generated_images").
		Columns("job_id", "device", "payload_kind", "payload", "width", "height", "size_bytes", "created_at")
	for _, image := range images {
		insert = insert.Values(image.JobID, image.Device, string(image.Kind), image.Payload,
			image.Width, image.Height, image.SizeBytes, now)
	}
	query, args, err := insert.Suffix(`ON CONFLICT (job_id, device) DO UPDATE SET
		payload_kind = excluded.payload_kind,
		payload = excluded.payload,
		width = excluded.width,
		height = excluded.height,
		size_bytes = excluded.size_bytes,
		created_at = excluded.created_at`).ToSql()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save images: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteJobStore) ListImages(ctx context.Context, jobID string) ([]models.GeneratedImage, error) {
	query, args, err := s.sb.Select("job_id", "device", "payload_kind", "payload", "width", "height", "size_bytes", "created_at").
		From("generated_images").
		Where(sq.Eq{"job_id": jobID}).
		OrderBy("device ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var images []models.GeneratedImage
	for rows.Next() {
		var (
			image models.GeneratedImage
			kind  string
		)
		if err := rows.Scan(&image.JobID, &image.Device, &kind, &image.Payload,
			&image.Width, &image.Height, &image.SizeBytes, &image.CreatedAt); err != nil {
			return nil, err
		}
		image.Kind = models.PayloadKind(kind)
		images = append(images, image)
	}
	return images, rows.Err()
}

func (s *SQLiteJobStore) Delete(ctx context.Context, id string) error {
	query, args, err := s.sb.Delete("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteJobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var (
		job                       models.Job
		status, viewport, devices string
		ownerID, errorMessage     sql.NullString
		startedAt, completedAt    sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&ownerID,
		&status,
		&viewport,
		&job.Theme,
		&devices,
		&job.CropPosition,
		&job.AI.Enabled,
		&job.AI.StyleEnhance,
		&job.AI.Upscale,
		&errorMessage,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	); err != nil {
		return models.Job{}, err
	}

	job.Status = models.JobStatus(status)
	if err := json.Unmarshal([]byte(viewport), &job.Viewport); err != nil {
		return models.Job{}, fmt.Errorf("decode viewport: %w", err)
	}
	if err := json.Unmarshal([]byte(devices), &job.Devices); err != nil {
		return models.Job{}, fmt.Errorf("decode devices: %w", err)
	}
	if ownerID.Valid {
		job.OwnerID = &ownerID.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = &errorMessage.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}
