package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"mapwall/internal/models"
)

func (r *JobRepository) SaveImages(ctx context.Context, images []models.GeneratedImage) error {
	if len(images) == 0 {
		return nil
	}

	const query = `
		INSERT INTO generated_images (
			job_id, device, payload_kind, payload, width, height, size_bytes, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, NOW()
		)
		ON CONFLICT (job_id, device) DO UPDATE
		SET payload_kind = EXCLUDED.payload_kind,
		    payload = EXCLUDED.payload,
		    width = EXCLUDED.width,
		    height = EXCLUDED.height,
		    size_bytes = EXCLUDED.size_bytes,
		    created_at = EXCLUDED.created_at
	`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, image := range images {
		batch.Queue(query,
			image.JobID,
			image.Device,
			string(image.Kind),
			image.Payload,
			image.Width,
			image.Height,
			image.SizeBytes,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save images: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *JobRepository) ListImages(ctx context.Context, jobID string) ([]models.GeneratedImage, error) {
	const query = `
		SELECT job_id, device, payload_kind, payload, width, height, size_bytes, created_at
		FROM generated_images
		WHERE job_id = $1
		ORDER BY device ASC
	`
	rows, err := r.pool.Query(ctx, query, jobID)
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
		if err := rows.Scan(
			&image.JobID,
			&image.Device,
			&kind,
			&image.Payload,
			&image.Width,
			&image.Height,
			&image.SizeBytes,
			&image.CreatedAt,
		); err != nil {
			return nil, err
		}
		image.Kind = models.PayloadKind(kind)
		images = append(images, image)
	}
	return images, rows.Err()
}
