package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapwall/internal/apperr"
	"mapwall/internal/models"
	"mapwall/internal/security"
)

func TestKeys(t *testing.T) {
	at := time.UnixMilli(1714564800123)
	assert.Equal(t, "wallpapers/job-1/iphone-noir-1714564800123.png", WallpaperKey("job-1", "iphone", "noir", at))
	assert.Equal(t, "temp/job-1/iphone-base.png", TempKey("job-1", "iphone"))
	assert.True(t, strings.HasPrefix(WallpaperKey("job-1", "iphone", "noir", at), "wallpapers/job-1/"))
	assert.True(t, strings.HasPrefix(TempKey("job-1", "iphone"), TempPrefix))
}

func TestInlineStoreRoundTrip(t *testing.T) {
	s := NewInlineStore(security.NewDownloadSigner("k"), "")
	ctx := context.Background()
	assert.Equal(t, models.PayloadInline, s.Kind())

	payload, err := s.Put(ctx, "wallpapers/job-1/iphone.png", []byte{0x89, 'P', 'N', 'G'}, "image/png")
	require.NoError(t, err)

	data, err := s.Get(ctx, models.GeneratedImage{Kind: models.PayloadInline, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)

	_, err = s.Put(ctx, "k", nil, "image/png")
	var storageErr *apperr.StorageFailure
	assert.ErrorAs(t, err, &storageErr)

	_, err = s.Get(ctx, models.GeneratedImage{Kind: models.PayloadObject, Payload: "wallpapers/x"})
	assert.Error(t, err)

	n, err := s.DeletePrefix(ctx, TempPrefix, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInlineSignedURLVerifies(t *testing.T) {
	signer := security.NewDownloadSigner("k")
	s := NewInlineStore(signer, "/api/download")

	raw, err := s.SignedURL(context.Background(), models.GeneratedImage{JobID: "job-1", Device: "iphone"}, time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/api/download/job-1", u.Path)
	q := u.Query()
	assert.Equal(t, "iphone", q.Get("device"))
	assert.Equal(t, "1", q.Get("download"))
	assert.NoError(t, signer.Verify("job-1", "iphone", q.Get("expires"), q.Get("signature")))
}
