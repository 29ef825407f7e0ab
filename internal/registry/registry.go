// Package registry fetches repository index metadata documents (spec
// §6.5) over HTTP and caches them on disk by repository name. Every Fetch
// requests the document; the cached copy is used only when that request
// fails.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ConaryLabs/conary/internal/config"
	"github.com/ConaryLabs/conary/internal/httputil"
)

// DefaultCacheTTL bounds how old a cached metadata document may be and
// still be served when a fresh request fails.
const DefaultCacheTTL = 1 * time.Hour

// Fetcher downloads and caches repository metadata index documents.
type Fetcher struct {
	CacheDir string
	client   *http.Client
}

// New creates a Fetcher caching documents under cacheDir.
func New(cacheDir string) *Fetcher {
	opts := httputil.DefaultOptions()
	opts.Timeout = config.GetAPITimeout()
	return &Fetcher{
		CacheDir: cacheDir,
		client:   httputil.NewSecureClient(opts),
	}
}

func (f *Fetcher) cachePath(repoName string) string {
	if repoName == "" {
		return ""
	}
	safe := strings.ReplaceAll(repoName, "/", "_")
	return filepath.Join(f.CacheDir, safe+".index")
}

// Fetch downloads repoName's metadata document from url, falling back to
// the on-disk cache when the document is within DefaultCacheTTL and the
// request fails.
func (f *Fetcher) Fetch(ctx context.Context, repoName, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RegistryError{Type: ErrTypeValidation, Resource: repoName, Message: "failed to build request", Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if cached, cacheErr := f.GetCached(repoName); cacheErr == nil && cached != nil {
			return cached, nil
		}
		return nil, WrapNetworkError(err, repoName, "failed to fetch repository metadata")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &RegistryError{Type: ErrTypeNotFound, Resource: repoName, Message: fmt.Sprintf("metadata for %s not found", repoName)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RegistryError{Type: ErrTypeRateLimit, Resource: repoName, Message: "repository rate limit exceeded"}
	}
	if resp.StatusCode != http.StatusOK {
		errType := ErrTypeNetwork
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			errType = ErrTypeValidation
		}
		return nil, &RegistryError{Type: errType, Resource: repoName, Message: fmt.Sprintf("repository returned status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RegistryError{Type: ErrTypeParsing, Resource: repoName, Message: "failed to read metadata body", Err: err}
	}

	_ = f.CacheDocument(repoName, data)
	return data, nil
}

// GetCached returns a cached document if present and within
// DefaultCacheTTL, nil otherwise.
func (f *Fetcher) GetCached(repoName string) ([]byte, error) {
	path := f.cachePath(repoName)
	if path == "" {
		return nil, fmt.Errorf("invalid repository name")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat cached metadata: %w", err)
	}
	if time.Since(info.ModTime()) > DefaultCacheTTL {
		return nil, nil
	}
	return os.ReadFile(path)
}

// CacheDocument writes data to repoName's cache slot.
func (f *Fetcher) CacheDocument(repoName string, data []byte) error {
	path := f.cachePath(repoName)
	if path == "" {
		return fmt.Errorf("invalid repository name")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ClearCache removes all cached metadata documents.
func (f *Fetcher) ClearCache() error {
	if f.CacheDir == "" {
		return fmt.Errorf("cache directory not set")
	}
	if err := os.RemoveAll(f.CacheDir); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return os.MkdirAll(f.CacheDir, 0o755)
}

// IsCached reports whether repoName has a cached document, regardless of
// staleness.
func (f *Fetcher) IsCached(repoName string) bool {
	path := f.cachePath(repoName)
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
