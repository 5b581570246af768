package upload

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/cog-director/internal/loggingtest"
	"github.com/replicate/cog-director/internal/schema"
)

type objectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	server  *httptest.Server
}

func newObjectStore(t *testing.T) *objectStore {
	t.Helper()
	s := &objectStore{objects: make(map[string][]byte)}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		s.mu.Lock()
		s.objects[strings.TrimPrefix(r.URL.Path, "/")] = body
		s.mu.Unlock()
		w.Header().Set("ETag", `"stub"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *objectStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[key]
	return body, ok
}

func newTestCaller(t *testing.T, store *objectStore, params schema.UploadParams) *Caller {
	t.Helper()
	params.URL = store.server.URL
	if params.Bucket == "" {
		params.Bucket = "outputs"
	}
	params.AccessKey = "test"
	params.SecretKey = "test"
	c, err := NewCaller(params, loggingtest.NewTestLogger(t))
	require.NoError(t, err)
	return c
}

func dataURL(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func TestUploadRewritesDataURL(t *testing.T) {
	t.Parallel()

	store := newObjectStore(t)
	c := newTestCaller(t, store, schema.UploadParams{URLPrefix: "https://cdn.example.com"})

	content := []byte("hello world")
	out, elapsed := c.Upload(context.Background(), dataURL("text/plain", content))

	sum := md5.Sum(content)
	wantKey := hex.EncodeToString(sum[:]) + ".txt"

	assert.Equal(t, "https://cdn.example.com/"+wantKey, out)
	assert.GreaterOrEqual(t, elapsed, 0.0)

	stored, ok := store.get("outputs/" + wantKey)
	require.True(t, ok)
	assert.Equal(t, content, stored)
}

func TestUploadShapes(t *testing.T) {
	t.Parallel()

	store := newObjectStore(t)
	c := newTestCaller(t, store, schema.UploadParams{URLPrefix: "https://cdn.example.com"})

	item := dataURL("text/plain", []byte("a"))

	t.Run("string slice", func(t *testing.T) {
		out, _ := c.Upload(context.Background(), []string{item, "not-a-data-url"})
		rewritten, ok := out.([]string)
		require.True(t, ok)
		require.Len(t, rewritten, 2)
		assert.True(t, strings.HasPrefix(rewritten[0], "https://cdn.example.com/"))
		assert.Equal(t, "not-a-data-url", rewritten[1])
	})

	t.Run("nested map", func(t *testing.T) {
		out, _ := c.Upload(context.Background(), map[string]any{
			"files": []any{item},
			"count": float64(1),
		})
		rewritten, ok := out.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(1), rewritten["count"])
		files, ok := rewritten["files"].([]any)
		require.True(t, ok)
		assert.True(t, strings.HasPrefix(files[0].(string), "https://cdn.example.com/"))
	})

	t.Run("unknown shape passes through", func(t *testing.T) {
		out, _ := c.Upload(context.Background(), 42)
		assert.Equal(t, 42, out)

		out, _ = c.Upload(context.Background(), nil)
		assert.Nil(t, out)
	})
}

func TestUploadObjectKeyOverride(t *testing.T) {
	t.Parallel()

	store := newObjectStore(t)
	c := newTestCaller(t, store, schema.UploadParams{
		URLPrefix: "https://cdn.example.com",
		ObjectKey: "custom/name.txt",
	})

	out, _ := c.Upload(context.Background(), dataURL("text/plain", []byte("x")))
	assert.Equal(t, "https://cdn.example.com/custom/name.txt", out)

	_, ok := store.get("outputs/custom/name.txt")
	assert.True(t, ok)
}

func TestUploadPathPrefix(t *testing.T) {
	t.Parallel()

	store := newObjectStore(t)
	c := newTestCaller(t, store, schema.UploadParams{
		URLPrefix:  "https://cdn.example.com",
		PathPrefix: "predictions/p1",
	})

	out, _ := c.Upload(context.Background(), dataURL("text/plain", []byte("y")))
	url, ok := out.(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example.com/predictions/p1/"))
}

func TestUploadFailureReturnsOriginal(t *testing.T) {
	t.Parallel()

	store := newObjectStore(t)
	store.server.Close()
	c := newTestCaller(t, store, schema.UploadParams{URLPrefix: "https://cdn.example.com"})

	item := dataURL("text/plain", []byte("z"))
	out, _ := c.Upload(context.Background(), item)
	assert.Equal(t, item, out)
}

func TestUploadMalformedDataURLPassesThrough(t *testing.T) {
	t.Parallel()

	store := newObjectStore(t)
	c := newTestCaller(t, store, schema.UploadParams{URLPrefix: "https://cdn.example.com"})

	out, _ := c.Upload(context.Background(), "data:;;;nonsense")
	assert.Equal(t, "data:;;;nonsense", out)
}

func TestNewCallerRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := NewCaller(schema.UploadParams{URL: "http://localhost:9000"}, loggingtest.NewTestLogger(t))
	assert.Error(t, err)
}
