package jaclip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHub serves files per model and records requested paths.
type mockHub struct {
	mu       sync.Mutex
	files    map[string][]byte
	status   map[string][]int
	requests []string
	headers  []http.Header
	server   *httptest.Server
}

func newMockHub(t *testing.T) *mockHub {
	t.Helper()
	h := &mockHub{files: map[string][]byte{}, status: map[string][]int{}}
	h.server = httptest.NewServer(http.HandlerFunc(h.serve))
	origURL := HFHubBaseURL
	HFHubBaseURL = h.server.URL
	t.Cleanup(func() {
		HFHubBaseURL = origURL
		h.server.Close()
	})
	return h
}

func (h *mockHub) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, r.URL.Path)
	h.headers = append(h.headers, r.Header.Clone())
	if codes := h.status[r.URL.Path]; len(codes) > 0 {
		h.status[r.URL.Path] = codes[1:]
		if codes[0] == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "0")
		}
		w.WriteHeader(codes[0])
		return
	}
	data, ok := h.files[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

func (h *mockHub) put(modelID, name string, data []byte) {
	h.files["/"+modelID+"/resolve/main/"+name] = data
}

func (h *mockHub) requested(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.requests {
		if strings.HasSuffix(p, "/"+name) {
			n++
		}
	}
	return n
}

func testHubConfig(t *testing.T) HubConfig {
	t.Helper()
	cfg := DefaultHubConfig()
	cfg.Token = ""
	cfg.CacheDir = t.TempDir()
	cfg.OfflineMode = false
	cfg.UseLocalCache = false
	cfg.MaxRetries = 2
	return cfg
}

func TestFetchArtifactTokenizerJSON(t *testing.T) {
	hub := newMockHub(t)
	hub.put("acme/ja-tok", FileTokenizerJSON, []byte(mockTokenizerJSON))
	hub.put("acme/ja-tok", FileSpecialTokensMap, []byte(`{"cls_token": "[CLS]"}`))
	cfg := testHubConfig(t)
	cfg.Token = "hf_test"

	art, err := FetchArtifact(context.Background(), "acme/ja-tok", cfg)
	require.NoError(t, err)
	assert.Equal(t, "acme/ja-tok", art.ModelID)
	assert.Equal(t, HFDefaultRevision, art.Revision)
	assert.True(t, art.Has(FileTokenizerJSON))
	assert.True(t, art.Has(FileSpecialTokensMap))
	assert.False(t, art.Has(FileTokenizerConfig))
	assert.Zero(t, hub.requested(FileSentencePiece), "spiece.model is skipped when tokenizer.json exists")

	hub.mu.Lock()
	header := hub.headers[0]
	hub.mu.Unlock()
	assert.Equal(t, "Bearer hf_test", header.Get("Authorization"))
	assert.True(t, strings.HasPrefix(header.Get("User-Agent"), "jaclip-tokenizers/"))

	// Cached files are served without the network; the missing config is asked for again.
	_, err = FetchArtifact(context.Background(), "acme/ja-tok", cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.requested(FileTokenizerJSON))
	assert.Equal(t, 2, hub.requested(FileTokenizerConfig))
}

func TestFetchArtifactSentencePieceOnly(t *testing.T) {
	hub := newMockHub(t)
	hub.put("rinna/test-roberta", FileSentencePiece, []byte("\x0a\x03spm"))
	hub.put("rinna/test-roberta", FileTokenizerConfig, []byte(`{"do_lower_case": true}`))

	art, err := FetchArtifact(context.Background(), "rinna/test-roberta", testHubConfig(t))
	require.NoError(t, err)
	assert.False(t, art.Has(FileTokenizerJSON))
	assert.Equal(t, []byte("\x0a\x03spm"), art.File(FileSentencePiece))
	assert.True(t, art.Usable())
}

func TestFetchArtifactFailures(t *testing.T) {
	t.Run("no tokenizer file", func(t *testing.T) {
		hub := newMockHub(t)
		hub.put("acme/empty", FileTokenizerConfig, []byte(`{}`))
		_, err := FetchArtifact(context.Background(), "acme/empty", testHubConfig(t))
		require.ErrorIs(t, err, ErrNoTokenizerArtifact)
	})

	t.Run("unknown repository", func(t *testing.T) {
		newMockHub(t)
		_, err := FetchArtifact(context.Background(), "acme/does-not-exist", testHubConfig(t))
		require.ErrorIs(t, err, ErrRemoteFileNotFound)
		assert.NotErrorIs(t, err, ErrNoTokenizerArtifact)
		var se *statusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusNotFound, se.StatusCode)
		assert.Contains(t, err.Error(), "acme/does-not-exist@main")
	})

	t.Run("invalid model id", func(t *testing.T) {
		_, err := FetchArtifact(context.Background(), "a/b/c", testHubConfig(t))
		require.Error(t, err)
		_, err = FetchArtifact(context.Background(), "", testHubConfig(t))
		require.Error(t, err)
	})

	t.Run("unauthorized is not retried", func(t *testing.T) {
		hub := newMockHub(t)
		hub.status["/acme/gated/resolve/main/"+FileTokenizerJSON] = []int{http.StatusUnauthorized, http.StatusUnauthorized}
		_, err := FetchArtifact(context.Background(), "acme/gated", testHubConfig(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authentication required")
		assert.Equal(t, 1, hub.requested(FileTokenizerJSON))
	})

	t.Run("invalid json is not retried", func(t *testing.T) {
		hub := newMockHub(t)
		hub.put("acme/broken", FileTokenizerJSON, []byte(`{"truncated": `))
		_, err := FetchArtifact(context.Background(), "acme/broken", testHubConfig(t))
		require.ErrorIs(t, err, errInvalidContent)
		assert.Equal(t, 1, hub.requested(FileTokenizerJSON))
	})

	t.Run("file too large", func(t *testing.T) {
		hub := newMockHub(t)
		hub.put("acme/big", FileTokenizerJSON, []byte(mockTokenizerJSON))
		cfg := testHubConfig(t)
		cfg.MaxFileSize = 16
		_, err := FetchArtifact(context.Background(), "acme/big", cfg)
		require.ErrorIs(t, err, errFileTooLarge)
	})
}

func TestFetchArtifactRetries(t *testing.T) {
	hub := newMockHub(t)
	hub.put("acme/flaky", FileTokenizerJSON, []byte(mockTokenizerJSON))
	hub.status["/acme/flaky/resolve/main/"+FileTokenizerJSON] = []int{http.StatusServiceUnavailable}

	art, err := FetchArtifact(context.Background(), "acme/flaky", testHubConfig(t))
	require.NoError(t, err)
	assert.True(t, art.Has(FileTokenizerJSON))
	assert.Equal(t, 2, hub.requested(FileTokenizerJSON))
}

func TestFetchArtifactRateLimited(t *testing.T) {
	hub := newMockHub(t)
	hub.put("acme/busy", FileTokenizerJSON, []byte(mockTokenizerJSON))
	hub.status["/acme/busy/resolve/main/"+FileTokenizerJSON] = []int{http.StatusTooManyRequests}

	_, err := FetchArtifact(context.Background(), "acme/busy", testHubConfig(t))
	require.NoError(t, err)
	assert.Equal(t, 2, hub.requested(FileTokenizerJSON))
}

func TestFetchArtifactCancelled(t *testing.T) {
	hub := newMockHub(t)
	hub.status["/acme/slow/resolve/main/"+FileTokenizerJSON] = []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	cfg := testHubConfig(t)
	cfg.MaxRetries = 3
	start := time.Now()
	_, err := FetchArtifact(ctx, "acme/slow", cfg)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), HFRetryDelay, "the retry sleep honours cancellation")
}

func TestFetchArtifactOffline(t *testing.T) {
	hub := newMockHub(t)
	hub.put("acme/ja-tok", FileTokenizerJSON, []byte(mockTokenizerJSON))
	cfg := testHubConfig(t)
	cfg.OfflineMode = true

	_, err := FetchArtifact(context.Background(), "acme/ja-tok", cfg)
	require.ErrorIs(t, err, ErrOfflineMiss)
	assert.Zero(t, hub.requested(FileTokenizerJSON))

	cfg.OfflineMode = false
	_, err = FetchArtifact(context.Background(), "acme/ja-tok", cfg)
	require.NoError(t, err)

	cfg.OfflineMode = true
	art, err := FetchArtifact(context.Background(), "acme/ja-tok", cfg)
	require.NoError(t, err)
	assert.True(t, art.Has(FileTokenizerJSON))
	assert.Equal(t, 1, hub.requested(FileTokenizerJSON))
}

func writeHFSnapshot(t *testing.T, root, modelID, commit, name string, data []byte) {
	t.Helper()
	repoDir := filepath.Join(root, "models--"+strings.ReplaceAll(modelID, "/", "--"))
	snapshot := filepath.Join(repoDir, "snapshots", commit)
	require.NoError(t, os.MkdirAll(snapshot, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(snapshot, name), data, 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(repoDir, "refs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "refs", "main"), []byte(commit+"\n"), 0644))
}

func TestFetchArtifactFromHFHubCache(t *testing.T) {
	hfCache := t.TempDir()
	t.Setenv("HF_HUB_CACHE", hfCache)
	writeHFSnapshot(t, hfCache, "rinna/japanese-roberta-base", "abc123", FileSentencePiece, []byte("spm"))

	cfg := testHubConfig(t)
	cfg.OfflineMode = true
	cfg.UseLocalCache = true

	art, err := FetchArtifact(context.Background(), "rinna/japanese-roberta-base", cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("spm"), art.File(FileSentencePiece))

	cached := getHubCachePath(cfg.CacheDir, "rinna/japanese-roberta-base", HFDefaultRevision, FileSentencePiece)
	assert.FileExists(t, cached, "hub cache hits are copied into the local cache")
}

func TestCheckHFHubCache(t *testing.T) {
	hfCache := t.TempDir()
	t.Setenv("HF_HUB_CACHE", hfCache)
	writeHFSnapshot(t, hfCache, "acme/tok", "c0ffee", FileTokenizerJSON, []byte(mockTokenizerJSON))

	data, err := checkHFHubCache("acme/tok", "main", FileTokenizerJSON)
	require.NoError(t, err)
	assert.Equal(t, []byte(mockTokenizerJSON), data)

	data, err = checkHFHubCache("acme/tok", "c0ffee", FileTokenizerJSON)
	require.NoError(t, err, "a commit hash names a snapshot directly")
	assert.NotEmpty(t, data)

	_, err = checkHFHubCache("acme/tok", "v2", FileTokenizerJSON)
	require.ErrorIs(t, err, ErrCacheNotFound)

	_, err = checkHFHubCache("acme/other", "main", FileTokenizerJSON)
	require.ErrorIs(t, err, ErrCacheNotFound)

	// Without a ref, main falls back to the newest snapshot.
	require.NoError(t, os.Remove(filepath.Join(hfCache, "models--acme--tok", "refs", "main")))
	_, err = checkHFHubCache("acme/tok", "main", FileTokenizerJSON)
	require.NoError(t, err)
}

func TestLoadFromCacheWithValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileTokenizerJSON)

	_, err := loadFromCacheWithValidation(path, FileTokenizerJSON, 0)
	require.ErrorIs(t, err, ErrCacheNotFound)

	require.NoError(t, saveToCache(path, []byte(mockTokenizerJSON)))
	data, err := loadFromCacheWithValidation(path, FileTokenizerJSON, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []byte(mockTokenizerJSON), data)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	_, err = loadFromCacheWithValidation(path, FileTokenizerJSON, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
	_, err = loadFromCacheWithValidation(path, FileTokenizerJSON, 0)
	require.NoError(t, err, "zero ttl never expires")

	require.NoError(t, saveToCache(path, []byte("not json")))
	_, err = loadFromCacheWithValidation(path, FileTokenizerJSON, 0)
	require.ErrorIs(t, err, errInvalidContent)
}

func TestClearCache(t *testing.T) {
	dir := t.TempDir()
	a := getHubCachePath(dir, "acme/a", "main", FileTokenizerJSON)
	b := getHubCachePath(dir, "acme/b", "main", FileTokenizerJSON)
	require.NoError(t, saveToCache(a, []byte(`{}`)))
	require.NoError(t, saveToCache(b, []byte(`{}`)))

	require.NoError(t, ClearModelCache(dir, "acme/a"))
	assert.NoFileExists(t, a)
	assert.FileExists(t, b)
	require.Error(t, ClearModelCache(dir, ""))

	require.NoError(t, ClearCache(dir))
	assert.NoFileExists(t, b)
}

func TestValidateModelID(t *testing.T) {
	testCases := []struct {
		name    string
		modelID string
		wantErr bool
	}{
		{"Valid simple model", "bert-base-uncased", false},
		{"Valid org/model", "rinna/japanese-roberta-base", false},
		{"Valid with dots", "sentence-transformers/all-MiniLM-L6-v2", false},
		{"Invalid with spaces", "model name", true},
		{"Invalid too many parts", "org/suborg/model", true},
		{"Invalid repo name too long", strings.Repeat("a", 97), true},
		{"Valid repo name at limit", strings.Repeat("a", 96), false},
		{"Invalid owner too long", strings.Repeat("a", 97) + "/model", true},
		{"Invalid empty owner", "/model", true},
		{"Invalid special chars", "model@name", true},
		{"Empty model ID", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateModelID(tc.modelID)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))
	assert.Equal(t, HFMaxRetryAfterDelay, parseRetryAfter("86400"))

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 20*time.Second)
	assert.LessOrEqual(t, d, 30*time.Second)
}

func TestHubOptions(t *testing.T) {
	cfg := DefaultHubConfig()
	for _, opt := range []HubOption{
		WithHFToken("tok"),
		WithHFRevision("v1"),
		WithHFCacheDir("/tmp/x"),
		WithHFTimeout(time.Second),
		WithHFMaxRetries(5),
		WithHFOfflineMode(true),
		WithHFUseLocalCache(false),
		WithHFCacheTTL(time.Minute),
		WithHFMaxFileSize(1024),
	} {
		require.NoError(t, opt(&cfg))
	}
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, "v1", cfg.Revision)
	assert.Equal(t, "/tmp/x", cfg.CacheDir)
	assert.Equal(t, time.Second, cfg.Timeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.True(t, cfg.OfflineMode)
	assert.False(t, cfg.UseLocalCache)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.Equal(t, int64(1024), cfg.MaxFileSize)

	require.Error(t, WithHFTimeout(0)(&cfg))
	require.Error(t, WithHFMaxRetries(-1)(&cfg))
}
