package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"mapwall/internal/config"
	"mapwall/internal/media/sniffer"
)

// Client talks to a prediction API that runs a hosted model on an input
// object and answers with the URL of the produced image.
type Client struct {
	http     *resty.Client
	pollWait time.Duration
	// budget bounds one Predict call end to end, polling included.
	budget time.Duration
}

func NewClient(cfg config.AIConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIToken).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})
	return &Client{http: rc, pollWait: time.Second, budget: timeout}
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

func (p prediction) finished() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// outputURL accepts both a single URL and a list of URLs.
func (p prediction) outputURL() (string, error) {
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil && single != "" {
		return single, nil
	}
	var list []string
	if err := json.Unmarshal(p.Output, &list); err == nil && len(list) > 0 {
		return list[len(list)-1], nil
	}
	return "", fmt.Errorf("prediction %s: no output url", p.ID)
}

// Predict runs model with input and returns the downloaded image bytes.
func (c *Client) Predict(ctx context.Context, model string, input map[string]any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	var pred prediction
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Prefer", "wait").
		SetBody(map[string]any{"input": input}).
		SetResult(&pred).
		Post("/v1/models/" + model + "/predictions")
	if err != nil {
		return nil, fmt.Errorf("create prediction: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("create prediction: status %d: %s", resp.StatusCode(), truncate(resp.Body()))
	}

	if !pred.finished() {
		if pred, err = c.poll(ctx, pred); err != nil {
			return nil, err
		}
	}
	if pred.Status != "succeeded" {
		return nil, fmt.Errorf("prediction %s %s: %v", pred.ID, pred.Status, pred.Error)
	}

	url, err := pred.outputURL()
	if err != nil {
		return nil, err
	}
	return c.download(ctx, url)
}

func (c *Client) poll(ctx context.Context, pred prediction) (prediction, error) {
	if pred.URLs.Get == "" {
		return pred, fmt.Errorf("prediction %s: no status url", pred.ID)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollWait
	b.MaxInterval = 5 * c.pollWait
	b.MaxElapsedTime = c.budget

	err := backoff.Retry(func() error {
		var next prediction
		resp, err := c.http.R().SetContext(ctx).SetResult(&next).Get(pred.URLs.Get)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("poll prediction: %w", err))
		}
		if !resp.IsSuccess() {
			return backoff.Permanent(fmt.Errorf("poll prediction: status %d", resp.StatusCode()))
		}
		pred = next
		if !pred.finished() {
			return errPending
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, errPending) || (err != nil && ctx.Err() != nil) {
		return pred, fmt.Errorf("prediction %s still %s after %s: %w", pred.ID, pred.Status, c.budget, context.DeadlineExceeded)
	}
	return pred, err
}

var errPending = errors.New("prediction still running")

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("download output: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("download output: status %d", resp.StatusCode())
	}
	body := resp.Body()
	if _, err := sniffer.Sniff(body); err != nil {
		return nil, fmt.Errorf("download output (%s): %w", sniffer.ContentType(resp.Header()), err)
	}
	return body, nil
}

func truncate(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
