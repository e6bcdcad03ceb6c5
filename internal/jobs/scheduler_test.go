package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapwall/internal/database"
	"mapwall/internal/ids"
	"mapwall/internal/models"
	"mapwall/internal/queue"
	"mapwall/internal/repository"
)

type recordingSweeper struct {
	prefix    string
	olderThan time.Time
}

func (r *recordingSweeper) DeletePrefix(_ context.Context, prefix string, olderThan time.Time) (int, error) {
	r.prefix, r.olderThan = prefix, olderThan
	return 3, nil
}

func setup(t *testing.T) (*repository.SQLiteJobStore, *queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return repository.NewSQLiteJobStore(db), queue.New(client, queue.Options{}, zerolog.Nop()), mr
}

func processingJob(t *testing.T, store *repository.SQLiteJobStore) models.Job {
	t.Helper()
	job := models.Job{
		ID:       ids.New(),
		Viewport: models.Viewport{Latitude: 48.8566, Longitude: 2.3522, Zoom: 11},
		Theme:    "noir",
		Devices:  []string{"desktop"},
	}
	require.NoError(t, store.Create(context.Background(), job))
	require.NoError(t, store.MarkProcessing(context.Background(), job.ID))
	return job
}

func TestSweepStaleRequeuesAbandonedJobs(t *testing.T) {
	ctx := context.Background()
	store, q, mr := setup(t)
	abandoned := processingJob(t, store)
	held := processingJob(t, store)

	// A live worker holds the second job.
	require.NoError(t, mr.Set("queue:lock:"+held.ID, "worker-1"))

	s := NewScheduler(store, q, nil, Options{StaleAfter: time.Minute}, zerolog.Nop())
	n, err := s.SweepStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is stale yet")

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = s.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queued, err := q.Queued(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.True(t, queued)

	queued, err = q.Queued(ctx, held.ID)
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestCollectTempUsesMaxAge(t *testing.T) {
	store, q, _ := setup(t)
	sweeper := &recordingSweeper{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := NewScheduler(store, q, sweeper, Options{TempMaxAge: 6 * time.Hour}, zerolog.Nop())
	s.now = func() time.Time { return now }

	n, err := s.CollectTemp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "temp/", sweeper.prefix)
	assert.Equal(t, now.Add(-6*time.Hour), sweeper.olderThan)
}

func TestStartAndStop(t *testing.T) {
	store, q, _ := setup(t)
	s := NewScheduler(store, q, &recordingSweeper{}, Options{}, zerolog.Nop())
	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Entries(), 2)

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
