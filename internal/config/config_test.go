package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Queue.Concurrency)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.InitialBackoff)
	assert.Less(t, cfg.Queue.AttemptTimeout, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 2048, cfg.Render.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.Render.Timeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Render.Settle)
	assert.Equal(t, "postgres", cfg.Postgres.Driver)
	assert.False(t, cfg.AI.Enabled())
	assert.False(t, cfg.Storage.Enabled())
	assert.Equal(t, 10, cfg.RateLimit.PerIP.MaxRequests)
	assert.Equal(t, time.Hour, cfg.RateLimit.PerUser.Window)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("MAPWALL_QUEUE_CONCURRENCY", "4")
	t.Setenv("MAPWALL_AI_APITOKEN", "r8_token")
	t.Setenv("MAPWALL_STORAGE_ENDPOINT", "http://127.0.0.1:9000")
	t.Setenv("MAPWALL_STORAGE_ACCESSKEY", "minio")
	t.Setenv("MAPWALL_STORAGE_SECRETKEY", "minio123")
	t.Setenv("MAPWALL_POSTGRES_DRIVER", "sqlite")
	t.Setenv("MAPWALL_RENDER_TIMEOUT", "45s")
	t.Setenv("MAPWALL_RATELIMIT_PERIP_MAXREQUESTS", "3")
	t.Setenv("MAPWALL_ALLOWCORSORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.True(t, cfg.AI.Enabled())
	assert.True(t, cfg.Storage.Enabled())
	assert.Equal(t, "sqlite", cfg.Postgres.Driver)
	assert.Equal(t, 45*time.Second, cfg.Render.Timeout)
	assert.Equal(t, 3, cfg.RateLimit.PerIP.MaxRequests)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowCORSOrigins)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Run("driver", func(t *testing.T) {
		t.Setenv("MAPWALL_POSTGRES_DRIVER", "mysql")
		_, err := Load()
		assert.ErrorContains(t, err, "postgres.driver")
	})
	t.Run("concurrency", func(t *testing.T) {
		t.Setenv("MAPWALL_QUEUE_CONCURRENCY", "0")
		_, err := Load()
		assert.ErrorContains(t, err, "queue.concurrency")
	})
	t.Run("attempt timeout", func(t *testing.T) {
		t.Setenv("MAPWALL_QUEUE_ATTEMPTTIMEOUT", "6m")
		_, err := Load()
		assert.ErrorContains(t, err, "queue.attempttimeout")
	})
}

func TestAIEnabledIgnoresWhitespace(t *testing.T) {
	assert.False(t, AIConfig{APIToken: "   "}.Enabled())
	assert.True(t, AIConfig{APIToken: "x"}.Enabled())
}
