package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/replicate/cog-director/internal/logging"
	"github.com/replicate/cog-director/internal/schema"
	"github.com/replicate/cog-director/internal/upload"
	"github.com/replicate/cog-director/internal/version"
)

// Caller delivers one prediction state snapshot to the user's webhook. The
// throttler inside the closure decides whether a non-terminal snapshot is
// actually sent.
type Caller func(response schema.PredictionResponse)

const (
	defaultResponseInterval = 500 * time.Millisecond

	// Terminal webhooks get a persistent retry budget: 12 attempts with
	// exponential backoff starting at 100ms.
	terminalRetryMax = 12
)

func responseInterval() time.Duration {
	raw := os.Getenv("COG_THROTTLE_RESPONSE_INTERVAL")
	if raw == "" {
		return defaultResponseInterval
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultResponseInterval
	}
	return time.Duration(seconds * float64(time.Second))
}

// throttler enforces a minimum spacing between successive emissions for the
// same prediction. Terminal responses always pass.
type throttler struct {
	interval time.Duration
	lastSent time.Time
}

func (t *throttler) shouldSend(response schema.PredictionResponse) bool {
	if response.Status.IsTerminal() {
		return true
	}
	return time.Since(t.lastSent) >= t.interval
}

func (t *throttler) markSent() {
	t.lastSent = time.Now()
}

// NewRetryClient builds an HTTP client that retries POST requests on
// {429, 500, 502, 503, 504} and on connection errors, with exponential
// backoff from 100ms.
func NewRetryClient(retryMax int) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 30 * time.Second
	rc.Logger = nil
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if resp != nil && resp.Request != nil && resp.Request.Method != http.MethodPost {
			return false, nil
		}
		if err != nil {
			return true, nil
		}
		switch resp.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true, nil
		}
		return false, nil
	}
	return rc.StandardClient()
}

// NewCaller builds the emit function for one prediction. Terminal responses
// must arrive, non-terminal ones are best-effort, so the two go through
// different clients.
func NewCaller(url string, headers map[string]string, uploader *upload.Caller, logger *logging.Logger) Caller {
	log := logger.Named("webhook").Sugar().With("url", url)

	th := &throttler{interval: responseInterval()}
	defaultClient := &http.Client{Timeout: 10 * time.Second}
	retryClient := NewRetryClient(terminalRetryMax)
	authToken := os.Getenv("WEBHOOK_AUTH_TOKEN")

	post := func(client *http.Client, response schema.PredictionResponse) error {
		body, err := json.Marshal(response)
		if err != nil {
			return err
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "cog-director/"+version.Version())
		if authToken != "" {
			req.Header.Set("Authorization", "Bearer "+authToken)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}

	return func(response schema.PredictionResponse) {
		if !th.shouldSend(response) {
			return
		}

		if uploader != nil && response.Status == schema.PredictionSucceeded {
			output, elapsed := uploader.Upload(context.Background(), response.Output)
			response.Output = output
			if response.Metrics == nil {
				response.Metrics = make(map[string]any)
			}
			response.Metrics["upload_time"] = elapsed
		}

		if response.Status.IsTerminal() {
			if err := post(retryClient, response); err != nil {
				log.Errorw("failed to send terminal webhook", "error", err)
			}
		} else {
			if err := post(defaultClient, response); err != nil {
				log.Warnw("caught exception while sending webhook", "error", err)
			}
		}
		th.markSent()
	}
}
