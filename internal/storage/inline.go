package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"mapwall/internal/apperr"
	"mapwall/internal/models"
	"mapwall/internal/security"
)

// InlineStore keeps the encoded bitmap in the image row itself. Retrieval
// URLs point back at the download endpoint with a signed grant.
type InlineStore struct {
	signer       *security.DownloadSigner
	downloadPath string
}

func NewInlineStore(signer *security.DownloadSigner, downloadPath string) *InlineStore {
	if downloadPath == "" {
		downloadPath = "/api/download"
	}
	return &InlineStore{signer: signer, downloadPath: downloadPath}
}

func (s *InlineStore) Kind() models.PayloadKind { return models.PayloadInline }

func (s *InlineStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if len(data) == 0 {
		return "", &apperr.StorageFailure{Key: key, Err: errors.New("empty payload")}
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (s *InlineStore) Get(_ context.Context, image models.GeneratedImage) ([]byte, error) {
	if image.Kind != models.PayloadInline {
		return nil, fmt.Errorf("inline store cannot read %s payload", image.Kind)
	}
	data, err := base64.StdEncoding.DecodeString(image.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode inline payload: %w", err)
	}
	return data, nil
}

func (s *InlineStore) SignedURL(_ context.Context, image models.GeneratedImage, ttl time.Duration) (string, error) {
	if s.signer == nil {
		return "", errors.New("inline store has no signer")
	}
	expires, sig := s.signer.Sign(image.JobID, image.Device, ttl)
	q := url.Values{}
	q.Set("device", image.Device)
	q.Set("download", "1")
	q.Set("expires", expires)
	q.Set("signature", sig)
	return s.downloadPath + "/" + url.PathEscape(image.JobID) + "?" + q.Encode(), nil
}

func (s *InlineStore) DeletePrefix(context.Context, string, time.Time) (int, error) {
	return 0, nil
}
