package enhance

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapwall/internal/config"
	"mapwall/internal/transform"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(config.AIConfig{APIToken: "secret", BaseURL: srv.URL, Timeout: 5 * time.Second})
	c.pollWait = 5 * time.Millisecond
	return c
}

func TestPredictWaitsAndDownloads(t *testing.T) {
	png, err := transform.Encode(image.NewNRGBA(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)

	var gotAuth string
	var gotInput map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models/nightmareai/real-esrgan/predictions", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Input map[string]any `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotInput = body.Input
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "p1",
			"status": "succeeded",
			"output": "http://" + r.Host + "/files/p1.png",
		})
	})
	mux.HandleFunc("/files/p1.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	})
	c := newTestClient(t, mux)

	out, err := c.Predict(context.Background(), "nightmareai/real-esrgan", map[string]any{"scale": 2})
	require.NoError(t, err)
	assert.Equal(t, png, out)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, float64(2), gotInput["scale"])
}

func TestPredictPollsUntilFinished(t *testing.T) {
	png, err := transform.Encode(image.NewNRGBA(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)

	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models/m/x/predictions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "p2",
			"status": "processing",
			"urls":   map[string]string{"get": "http://" + r.Host + "/v1/predictions/p2"},
		})
	})
	mux.HandleFunc("/v1/predictions/p2", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"id": "p2", "status": "processing"}
		if polls.Add(1) >= 3 {
			resp["status"] = "succeeded"
			resp["output"] = []string{"http://" + r.Host + "/files/p2.png"}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/files/p2.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(png)
	})
	c := newTestClient(t, mux)

	out, err := c.Predict(context.Background(), "m/x", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, png, out)
	assert.Equal(t, int32(3), polls.Load())
}

func TestPredictReportsFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models/m/failed/predictions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "p3", "status": "failed", "error": "NSFW content detected"})
	})
	mux.HandleFunc("/v1/models/m/denied/predictions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"invalid token"}`))
	})
	mux.HandleFunc("/v1/models/m/garbage/predictions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "p4", "status": "succeeded", "output": "http://" + r.Host + "/files/p4"})
	})
	mux.HandleFunc("/files/p4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not an image</html>"))
	})
	c := newTestClient(t, mux)

	_, err := c.Predict(context.Background(), "m/failed", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NSFW content detected")

	_, err = c.Predict(context.Background(), "m/denied", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")

	_, err = c.Predict(context.Background(), "m/garbage", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown image format")
}

func TestPredictGivesUpOnPredictionThatNeverFinishes(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models/m/stuck/predictions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "p5",
			"status": "starting",
			"urls":   map[string]string{"get": "http://" + r.Host + "/v1/predictions/p5"},
		})
	})
	mux.HandleFunc("/v1/predictions/p5", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "p5", "status": "processing"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := NewClient(config.AIConfig{APIToken: "secret", BaseURL: srv.URL, Timeout: 200 * time.Millisecond})
	c.pollWait = 5 * time.Millisecond

	start := time.Now()
	_, err := c.Predict(context.Background(), "m/stuck", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "p5")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Positive(t, polls.Load())
}
