package storage

import (
	"context"

	"github.com/rs/zerolog"

	"mapwall/internal/config"
	"mapwall/internal/security"
)

// Open returns the object store when one is configured and the inline
// store otherwise.
func Open(ctx context.Context, cfg config.StorageConfig, signer *security.DownloadSigner, logger zerolog.Logger) (Gateway, error) {
	if !cfg.Enabled() {
		logger.Info().Msg("no object store configured, keeping images inline")
		return NewInlineStore(signer, ""), nil
	}
	store, err := NewObjectStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}
