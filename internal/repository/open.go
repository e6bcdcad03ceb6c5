package repository

import (
	"context"

	"github.com/rs/zerolog"

	"mapwall/internal/config"
	"mapwall/internal/database"
)

// Open connects the job store selected by cfg.Driver. The returned func
// releases the underlying connections.
func Open(ctx context.Context, cfg config.PostgresConfig, logger zerolog.Logger) (JobStore, func(), error) {
	if cfg.Driver == "sqlite" {
		db, err := database.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return NewSQLiteJobStore(db), func() { _ = db.Close() }, nil
	}

	pool, err := database.NewPostgresPool(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return NewJobRepository(pool), pool.Close, nil
}
