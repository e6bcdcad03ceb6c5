package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"mapwall/internal/apperr"
	"mapwall/internal/config"
	"mapwall/internal/models"
)

// ObjectStore keeps bitmaps in an S3 compatible bucket.
type ObjectStore struct {
	client *minio.Client
	cfg    config.StorageConfig
	logger zerolog.Logger
}

func NewObjectStore(cfg config.StorageConfig, logger zerolog.Logger) (*ObjectStore, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &ObjectStore{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "object_store").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", s.cfg.Bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
		}
	}
	return nil
}

func (s *ObjectStore) Kind() models.PayloadKind { return models.PayloadObject }

// Put uploads data, retrying transient failures a few times before giving
// up with a StorageFailure.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second

	op := func() error {
		_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: contentType,
		})
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn().Err(err).Str("key", key).Dur("wait", wait).Msg("put object failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx), notify); err != nil {
		return "", &apperr.StorageFailure{Key: key, Err: err}
	}
	return key, nil
}

func (s *ObjectStore) Get(ctx context.Context, image models.GeneratedImage) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, image.Payload, minio.GetObjectOptions{})
	if err != nil {
		return nil, &apperr.StorageFailure{Key: image.Payload, Err: err}
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, &apperr.StorageFailure{Key: image.Payload, Err: err}
	}
	return data, nil
}

func (s *ObjectStore) SignedURL(ctx context.Context, image models.GeneratedImage, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.cfg.SignedURLTTL
	}
	params := url.Values{}
	if image.Device != "" && image.Width > 0 {
		params.Set("response-content-disposition", fmt.Sprintf(`inline; filename="%s"`, image.Filename()))
	}
	u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, image.Payload, ttl, params)
	if err != nil {
		return "", &apperr.StorageFailure{Key: image.Payload, Err: err}
	}
	return u.String(), nil
}

func (s *ObjectStore) DeletePrefix(ctx context.Context, prefix string, olderThan time.Time) (int, error) {
	// Stops the listing goroutine when the loop returns early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	removed := 0
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if !olderThan.IsZero() && !obj.LastModified.Before(olderThan) {
			continue
		}
		if err := s.client.RemoveObject(ctx, s.cfg.Bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("remove %s: %w", obj.Key, err)
		}
		removed++
	}
	return removed, nil
}

func (s *ObjectStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	return err
}
