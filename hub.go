package jaclip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	HFDefaultRevision = "main"
	HFDefaultTimeout  = 30 * time.Second
	HFMaxRetries      = 3
	HFRetryDelay      = time.Second
	// HFMaxRetryAfterDelay caps the delay taken from Retry-After headers.
	HFMaxRetryAfterDelay = 5 * time.Minute
	// DefaultMaxFileSize bounds a single artifact file download (500MB).
	DefaultMaxFileSize = 500 * 1024 * 1024
)

var (
	HFHubBaseURL   = "https://huggingface.co" // Variable to allow testing with mock server
	libraryVersion = "0.1.0"

	hubHTTPClient *http.Client
	hubClientOnce sync.Once

	// ErrCacheNotFound is returned when a requested cache file does not exist
	ErrCacheNotFound = errors.New("cache file not found")
	// ErrOfflineMiss is returned in offline mode when an artifact is in no cache.
	ErrOfflineMiss = errors.New("offline mode enabled but artifact not found in any cache")
	// ErrRemoteFileNotFound matches a 404 from the Hub.
	ErrRemoteFileNotFound = errors.New("file not found on the hub")

	errInvalidContent = errors.New("invalid artifact file content")
	errFileTooLarge   = errors.New("artifact file too large")
)

// statusError is a non-success HTTP response from the Hub.
type statusError struct {
	StatusCode int
	msg        string
}

func (e *statusError) Error() string {
	return e.msg
}

func (e *statusError) Is(target error) bool {
	return target == ErrRemoteFileNotFound && e.StatusCode == http.StatusNotFound
}

// HubConfig holds HuggingFace Hub settings.
type HubConfig struct {
	Token       string
	Revision    string
	CacheDir    string
	Timeout     time.Duration
	MaxRetries  int
	OfflineMode bool
	// UseLocalCache enables checking the HuggingFace hub snapshot cache before downloading.
	UseLocalCache bool
	// CacheTTL specifies how long cached files are considered valid (0 = forever).
	CacheTTL time.Duration
	// MaxFileSize is the maximum allowed size of one file in bytes (0 = DefaultMaxFileSize).
	MaxFileSize int64
	Logger      zerolog.Logger
}

// DefaultHubConfig returns the defaults, with HF_TOKEN, HF_HUB_OFFLINE and
// HF_USE_LOCAL_CACHE applied.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Token:         os.Getenv("HF_TOKEN"),
		Revision:      HFDefaultRevision,
		Timeout:       HFDefaultTimeout,
		MaxRetries:    HFMaxRetries,
		OfflineMode:   envBool("HF_HUB_OFFLINE"),
		UseLocalCache: os.Getenv("HF_USE_LOCAL_CACHE") != "false",
		MaxFileSize:   DefaultMaxFileSize,
		Logger:        nopLogger,
	}
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

type HubOption func(c *HubConfig) error

// WithHFToken sets the HuggingFace API token for authentication
func WithHFToken(token string) HubOption {
	return func(c *HubConfig) error {
		c.Token = token
		return nil
	}
}

// WithHFRevision sets the model revision (branch, tag, or commit hash)
func WithHFRevision(revision string) HubOption {
	return func(c *HubConfig) error {
		if revision == "" {
			return errors.New("revision cannot be empty")
		}
		c.Revision = revision
		return nil
	}
}

// WithHFCacheDir sets a custom cache directory for downloaded artifacts
func WithHFCacheDir(dir string) HubOption {
	return func(c *HubConfig) error {
		c.CacheDir = dir
		return nil
	}
}

// WithHFTimeout sets the per-request timeout
func WithHFTimeout(timeout time.Duration) HubOption {
	return func(c *HubConfig) error {
		if timeout <= 0 {
			return errors.New("timeout must be positive")
		}
		c.Timeout = timeout
		return nil
	}
}

func WithHFMaxRetries(n int) HubOption {
	return func(c *HubConfig) error {
		if n <= 0 {
			return errors.New("max retries must be positive")
		}
		c.MaxRetries = n
		return nil
	}
}

// WithHFOfflineMode forces using cached artifacts only
func WithHFOfflineMode(offline bool) HubOption {
	return func(c *HubConfig) error {
		c.OfflineMode = offline
		return nil
	}
}

// WithHFUseLocalCache enables or disables checking the HuggingFace hub cache
func WithHFUseLocalCache(useCache bool) HubOption {
	return func(c *HubConfig) error {
		c.UseLocalCache = useCache
		return nil
	}
}

// WithHFCacheTTL sets the time-to-live of cached files
func WithHFCacheTTL(ttl time.Duration) HubOption {
	return func(c *HubConfig) error {
		if ttl < 0 {
			return errors.New("cache TTL must be non-negative")
		}
		c.CacheTTL = ttl
		return nil
	}
}

// WithHFMaxFileSize sets the maximum allowed size of a downloaded file in bytes
func WithHFMaxFileSize(maxSize int64) HubOption {
	return func(c *HubConfig) error {
		if maxSize < 0 {
			return errors.New("max file size must be non-negative")
		}
		c.MaxFileSize = maxSize
		return nil
	}
}

func WithHFLogger(logger zerolog.Logger) HubOption {
	return func(c *HubConfig) error {
		c.Logger = logger
		return nil
	}
}

// FetchArtifact collects the tokenizer files of modelID from the local caches
// or the Hub. spiece.model is only fetched when the repository has no
// tokenizer.json.
func FetchArtifact(ctx context.Context, modelID string, cfg HubConfig) (*Artifact, error) {
	if modelID == "" {
		return nil, errors.New("model ID cannot be empty")
	}
	if err := validateModelID(modelID); err != nil {
		return nil, errors.Wrapf(err, "invalid model ID: %s", modelID)
	}
	if cfg.Revision == "" {
		cfg.Revision = HFDefaultRevision
	}
	art := &Artifact{ModelID: modelID, Revision: cfg.Revision, Files: map[string][]byte{}}
	var notFound error
	for _, name := range ArtifactFiles {
		if name == FileSentencePiece && art.Has(FileTokenizerJSON) {
			continue
		}
		data, err := fetchFile(ctx, modelID, name, cfg)
		if errors.Is(err, ErrRemoteFileNotFound) || errors.Is(err, ErrOfflineMiss) {
			cfg.Logger.Debug().Str("model", modelID).Str("file", name).Msg("artifact file not available")
			if errors.Is(err, ErrRemoteFileNotFound) {
				notFound = err
			}
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to fetch %s", name)
		}
		art.Files[name] = data
	}
	if !art.Usable() {
		if cfg.OfflineMode {
			return nil, errors.Wrapf(ErrOfflineMiss, "%s", modelID)
		}
		// Every file 404s when the repository or revision does not exist.
		if len(art.Files) == 0 && notFound != nil {
			return nil, errors.Wrapf(notFound, "%s@%s", modelID, cfg.Revision)
		}
		return nil, errors.Wrapf(ErrNoTokenizerArtifact, "%s", modelID)
	}
	return art, nil
}

func fetchFile(ctx context.Context, modelID, name string, cfg HubConfig) ([]byte, error) {
	cachedPath := getHubCachePath(cfg.CacheDir, modelID, cfg.Revision, name)
	if data, err := loadFromCacheWithValidation(cachedPath, name, cfg.CacheTTL); err == nil {
		cfg.Logger.Debug().Str("path", cachedPath).Msg("artifact cache hit")
		return data, nil
	}
	if cfg.UseLocalCache {
		if data, err := checkHFHubCache(modelID, cfg.Revision, name); err == nil {
			cfg.Logger.Debug().Str("model", modelID).Str("file", name).Msg("huggingface hub cache hit")
			if err := saveToCache(cachedPath, data); err != nil {
				cfg.Logger.Warn().Err(err).Str("path", cachedPath).Msg("failed to save artifact cache")
			}
			return data, nil
		}
	}
	if cfg.OfflineMode {
		return nil, ErrOfflineMiss
	}
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", HFHubBaseURL, modelID, cfg.Revision, name)
	data, err := downloadWithRetry(ctx, url, name, cfg)
	if err != nil {
		return nil, err
	}
	if err := saveToCache(cachedPath, data); err != nil {
		cfg.Logger.Warn().Err(err).Str("path", cachedPath).Msg("failed to save artifact cache")
	}
	return data, nil
}

// getHubHTTPClient returns the shared HTTP client for Hub downloads
func getHubHTTPClient() *http.Client {
	hubClientOnce.Do(func() {
		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		// Timeouts are applied per request through the context.
		hubHTTPClient = &http.Client{Transport: transport}
	})
	return hubHTTPClient
}

func downloadWithRetry(ctx context.Context, url, name string, cfg HubConfig) ([]byte, error) {
	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	var retryAfter time.Duration
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := retryAfter
			retryAfter = 0
			if delay == 0 {
				base := HFRetryDelay * time.Duration(1<<uint(attempt-1))
				// 0-25% jitter
				delay = base + time.Duration(rand.Float64()*0.25*float64(base))
			}
			cfg.Logger.Debug().Int("attempt", attempt).Dur("delay", delay).Str("url", url).Msg("retrying download")
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "download cancelled")
			case <-time.After(delay):
			}
		}

		data, resp, err := downloadOnce(ctx, url, name, cfg)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "download cancelled")
		}
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			if header := resp.Header.Get("Retry-After"); header != "" {
				retryAfter = parseRetryAfter(header)
			}
		}
		if isNonRetryableError(err) {
			break
		}
	}
	return nil, lastErr
}

// downloadOnce performs one request. The response is returned alongside the
// error so the caller can inspect Retry-After.
func downloadOnce(ctx context.Context, url, name string, cfg HubConfig) ([]byte, *http.Response, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = HFDefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", fmt.Sprintf("jaclip-tokenizers/%s", libraryVersion))
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	resp, err := getHubHTTPClient().Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "request failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, resp, &statusError{resp.StatusCode, "authentication required: set HF_TOKEN or use WithHFToken()"}
	case http.StatusForbidden:
		return nil, resp, &statusError{resp.StatusCode, "access forbidden: token may be invalid or model may be gated"}
	case http.StatusNotFound:
		return nil, resp, &statusError{resp.StatusCode, fmt.Sprintf("model or %s not found", name)}
	case http.StatusTooManyRequests:
		return nil, resp, &statusError{resp.StatusCode, "rate limited: too many requests"}
	default:
		return nil, resp, &statusError{resp.StatusCode, fmt.Sprintf("unexpected status code: %d", resp.StatusCode)}
	}

	maxSize := cfg.MaxFileSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}
	if resp.ContentLength > maxSize {
		return nil, resp, errors.Wrapf(errFileTooLarge, "%d bytes exceeds maximum %d bytes", resp.ContentLength, maxSize)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, resp, errors.Wrap(err, "failed to read response")
	}
	if int64(len(data)) > maxSize {
		return nil, resp, errors.Wrapf(errFileTooLarge, "exceeds maximum %d bytes", maxSize)
	}
	if err := validateFileContent(name, data); err != nil {
		return nil, resp, err
	}
	return data, resp, nil
}

// validateFileContent checks JSON files parse and binary files are non-empty.
func validateFileContent(name string, data []byte) error {
	if strings.HasSuffix(name, ".json") {
		var v map[string]any
		if err := json.Unmarshal(data, &v); err != nil {
			return errors.Wrapf(errInvalidContent, "%s is not a JSON object: %v", name, err)
		}
		return nil
	}
	if len(data) == 0 {
		return errors.Wrapf(errInvalidContent, "%s is empty", name)
	}
	return nil
}

// isNonRetryableError checks if an error should not be retried
func isNonRetryableError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
		return false
	}
	return errors.Is(err, errInvalidContent) || errors.Is(err, errFileTooLarge)
}

// parseRetryAfter parses the Retry-After header value.
// It can be either a delay in seconds or an HTTP date.
// The returned duration is capped at HFMaxRetryAfterDelay to prevent excessive waits.
func parseRetryAfter(value string) time.Duration {
	var duration time.Duration
	if seconds, err := strconv.Atoi(value); err == nil {
		duration = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(value); err == nil {
		duration = time.Until(t)
	}
	if duration < 0 {
		return 0
	}
	if duration > HFMaxRetryAfterDelay {
		return HFMaxRetryAfterDelay
	}
	return duration
}

// validateModelID checks if the model ID is valid
func validateModelID(modelID string) error {
	if modelID == "" {
		return nil
	}
	parts := strings.Split(modelID, "/")
	if len(parts) > 2 {
		return errors.New("model ID must be in format 'owner/repo_name' or just 'repo_name'")
	}
	if len(parts) == 2 {
		owner := parts[0]
		if owner == "" {
			return errors.New("owner cannot be empty")
		}
		if len(owner) > 96 {
			return errors.New("owner cannot exceed 96 characters")
		}
		if !isValidRepoName(owner) {
			return errors.New("owner contains invalid characters (must match [\\w\\-.]{1,96})")
		}
	}
	repoName := parts[len(parts)-1]
	if repoName == "" {
		return errors.New("repo_name cannot be empty")
	}
	if len(repoName) > 96 {
		return errors.Errorf("repo_name cannot exceed 96 characters (got %d)", len(repoName))
	}
	if !isValidRepoName(repoName) {
		return errors.New("repo_name contains invalid characters (must match [\\w\\-.]{1,96})")
	}
	return nil
}

// isValidRepoName checks if a repo/owner name matches HuggingFace's pattern [\w\-.]{1,96}
func isValidRepoName(name string) bool {
	if len(name) == 0 || len(name) > 96 {
		return false
	}
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') ||
			c == '_' || c == '-' || c == '.') {
			return false
		}
	}
	return true
}

func getHubCacheDir(customCacheDir string) string {
	if customCacheDir != "" {
		return customCacheDir
	}
	return filepath.Join(getCacheDir(), "hub")
}

// getHubCachePath returns where a file of modelID at revision is cached.
func getHubCachePath(customCacheDir, modelID, revision, name string) string {
	sanitized := strings.ReplaceAll(modelID, "/", "--")
	return filepath.Join(getHubCacheDir(customCacheDir), "models", sanitized, revision, name)
}

// saveToCache writes data with an atomic rename.
func saveToCache(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create cache directory")
	}
	tempPath := path + ".tmp" + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write cache file")
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return errors.Wrap(err, "failed to save cache file")
	}
	return nil
}

// loadFromCacheWithValidation loads a cached file, honouring ttl.
func loadFromCacheWithValidation(path, name string, ttl time.Duration) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheNotFound
		}
		return nil, errors.Wrap(err, "failed to stat cache file")
	}
	if info.IsDir() {
		return nil, errors.New("cache path is a directory")
	}
	if ttl > 0 && time.Since(info.ModTime()) > ttl {
		return nil, errors.New("cache expired")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read cache file")
	}
	if err := validateFileContent(name, data); err != nil {
		return nil, err
	}
	return data, nil
}

// getHFHubCacheDir returns the standard HuggingFace hub cache directory
func getHFHubCacheDir() string {
	if hfCache := os.Getenv("HF_HUB_CACHE"); hfCache != "" {
		return hfCache
	}
	if hfHome := os.Getenv("HF_HOME"); hfHome != "" {
		return filepath.Join(hfHome, "hub")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "huggingface", "hub")
	}
	return ""
}

// checkHFHubCache looks name up in the snapshot cache written by the Python
// huggingface_hub client. The snapshot named by refs/<revision> wins; a
// revision that is itself a snapshot hash is used directly; otherwise the
// most recently modified snapshot holding the file is used.
func checkHFHubCache(modelID, revision, name string) ([]byte, error) {
	hubCacheDir := getHFHubCacheDir()
	if hubCacheDir == "" {
		return nil, errors.New("HuggingFace hub cache directory not found")
	}
	repoDir := filepath.Join(hubCacheDir, "models--"+strings.ReplaceAll(modelID, "/", "--"))
	snapshotDir := filepath.Join(repoDir, "snapshots")
	if _, err := os.Stat(snapshotDir); err != nil {
		return nil, errors.Wrapf(ErrCacheNotFound, "model not found in HF hub cache: %s", modelID)
	}

	var path string
	if ref, err := os.ReadFile(filepath.Join(repoDir, "refs", revision)); err == nil {
		candidate := filepath.Join(snapshotDir, strings.TrimSpace(string(ref)), name)
		if fileExists(candidate) {
			path = candidate
		}
	}
	if path == "" {
		candidate := filepath.Join(snapshotDir, revision, name)
		if fileExists(candidate) {
			path = candidate
		}
	}
	if path == "" && revision == HFDefaultRevision {
		path = latestSnapshotFile(snapshotDir, name)
	}
	if path == "" {
		return nil, errors.Wrapf(ErrCacheNotFound, "%s not found in HF hub cache for %s", name, modelID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file from HF hub cache")
	}
	if err := validateFileContent(name, data); err != nil {
		return nil, err
	}
	return data, nil
}

func latestSnapshotFile(snapshotDir, name string) string {
	entries, err := os.ReadDir(snapshotDir)
	if err != nil {
		return ""
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var found []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		p := filepath.Join(snapshotDir, entry.Name(), name)
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		found = append(found, candidate{p, info.ModTime()})
	}
	if len(found) == 0 {
		return ""
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod.After(found[j].mod) })
	return found[0].path
}

// ClearModelCache removes the cached files of one model. An empty cacheDir
// means the default cache.
func ClearModelCache(cacheDir, modelID string) error {
	if err := validateModelID(modelID); err != nil || modelID == "" {
		return errors.Errorf("invalid model ID: %s", modelID)
	}
	dir := filepath.Join(getHubCacheDir(cacheDir), "models", strings.ReplaceAll(modelID, "/", "--"))
	return os.RemoveAll(dir)
}

// ClearCache removes every cached artifact.
func ClearCache(cacheDir string) error {
	return os.RemoveAll(filepath.Join(getHubCacheDir(cacheDir), "models"))
}
