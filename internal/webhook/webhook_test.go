package webhook

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/cog-director/internal/loggingtest"
	"github.com/replicate/cog-director/internal/schema"
	"github.com/replicate/cog-director/internal/upload"
)

type webhookSink struct {
	mu       sync.Mutex
	payloads []schema.PredictionResponse
	headers  []http.Header
	failures int
	server   *httptest.Server
}

func newWebhookSink(t *testing.T) *webhookSink {
	t.Helper()
	s := &webhookSink{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failures > 0 {
			s.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var payload schema.PredictionResponse
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		s.payloads = append(s.payloads, payload)
		s.headers = append(s.headers, r.Header.Clone())
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *webhookSink) received() []schema.PredictionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.PredictionResponse(nil), s.payloads...)
}

func TestCallerSendsTerminalAndThrottlesIntermediate(t *testing.T) {
	t.Setenv("COG_THROTTLE_RESPONSE_INTERVAL", "10")

	sink := newWebhookSink(t)
	call := NewCaller(sink.server.URL, nil, nil, loggingtest.NewTestLogger(t))

	call(schema.PredictionResponse{ID: "p1", Status: schema.PredictionProcessing})
	call(schema.PredictionResponse{ID: "p1", Status: schema.PredictionProcessing, Logs: "suppressed"})
	call(schema.PredictionResponse{ID: "p1", Status: schema.PredictionSucceeded})

	got := sink.received()
	require.Len(t, got, 2)
	assert.Equal(t, schema.PredictionProcessing, got[0].Status)
	assert.Empty(t, got[0].Logs)
	assert.Equal(t, schema.PredictionSucceeded, got[1].Status)
}

func TestCallerAllowsIntermediateAfterInterval(t *testing.T) {
	t.Setenv("COG_THROTTLE_RESPONSE_INTERVAL", "0")

	sink := newWebhookSink(t)
	call := NewCaller(sink.server.URL, nil, nil, loggingtest.NewTestLogger(t))

	call(schema.PredictionResponse{ID: "p1", Status: schema.PredictionProcessing})
	call(schema.PredictionResponse{ID: "p1", Status: schema.PredictionProcessing})

	assert.Len(t, sink.received(), 2)
}

func TestCallerRetriesTerminalDelivery(t *testing.T) {
	t.Parallel()

	sink := newWebhookSink(t)
	sink.failures = 2
	call := NewCaller(sink.server.URL, nil, nil, loggingtest.NewTestLogger(t))

	call(schema.PredictionResponse{ID: "p1", Status: schema.PredictionFailed, Error: "boom"})

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, "boom", got[0].Error)
}

func TestCallerSwallowsIntermediateFailure(t *testing.T) {
	t.Parallel()

	sink := newWebhookSink(t)
	sink.server.Close()
	call := NewCaller(sink.server.URL, nil, nil, loggingtest.NewTestLogger(t))

	// Must not panic or retry forever.
	call(schema.PredictionResponse{ID: "p1", Status: schema.PredictionProcessing})
}

func TestCallerSetsHeaders(t *testing.T) {
	t.Setenv("WEBHOOK_AUTH_TOKEN", "s3cret")

	sink := newWebhookSink(t)
	call := NewCaller(sink.server.URL, map[string]string{"X-Custom": "yes"}, nil, loggingtest.NewTestLogger(t))

	call(schema.PredictionResponse{ID: "p1", Status: schema.PredictionSucceeded})

	require.Len(t, sink.headers, 1)
	h := sink.headers[0]
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "Bearer s3cret", h.Get("Authorization"))
	assert.Equal(t, "yes", h.Get("X-Custom"))
	assert.Contains(t, h.Get("User-Agent"), "cog-director/")
}

func TestCallerUploadsTerminalOutput(t *testing.T) {
	t.Parallel()

	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("ETag", `"stub"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(store.Close)

	uploader, err := upload.NewCaller(schema.UploadParams{
		URL:       store.URL,
		Bucket:    "outputs",
		AccessKey: "test",
		SecretKey: "test",
		URLPrefix: "https://cdn.example.com",
	}, loggingtest.NewTestLogger(t))
	require.NoError(t, err)

	sink := newWebhookSink(t)
	call := NewCaller(sink.server.URL, nil, uploader, loggingtest.NewTestLogger(t))

	item := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))
	call(schema.PredictionResponse{ID: "p1", Status: schema.PredictionSucceeded, Output: item})

	got := sink.received()
	require.Len(t, got, 1)
	url, ok := got[0].Output.(string)
	require.True(t, ok)
	assert.Contains(t, url, "https://cdn.example.com/")
	assert.Contains(t, got[0].Metrics, "upload_time")
}

func TestNewRetryClientRetriesOnServerErrors(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := NewRetryClient(5)
	resp, err := client.Post(srv.URL, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, attempts)
}

func TestNewRetryClientDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	t.Cleanup(srv.Close)

	client := NewRetryClient(5)
	resp, err := client.Post(srv.URL, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, 1, attempts)
}
