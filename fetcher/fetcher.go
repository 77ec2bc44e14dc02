// Package fetcher downloads repository metadata and package archives over
// HTTP(S) into the shared on-disk cache, verifying content hashes and
// deduplicating concurrent requests for the same URL.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// maxAttempts bounds the retries on transient failures (connection resets,
// 5xx, 408, 429) with exponential backoff.
const maxAttempts = 5

// Fetcher performs cached, verified downloads. It is safe for concurrent use;
// a per-URL single-flight group ensures two workers asking for the same URL
// share one transfer.
type Fetcher struct {
	cache  *Cache
	client *retryablehttp.Client
	group  singleflight.Group
}

// New creates a Fetcher over the given cache. Proxy configuration is taken
// from the standard HTTP_PROXY/HTTPS_PROXY environment.
func New(cache *Cache) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = maxAttempts - 1
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 30 * time.Second
	client.Logger = nil
	// The library policy covers connection errors, 429 and 5xx; 408 is
	// transient too.
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil && ctx.Err() == nil && resp != nil && resp.StatusCode == http.StatusRequestTimeout {
			return true, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Fetcher{
		cache:  cache,
		client: client,
	}
}

// Cache returns the underlying cache.
func (f *Fetcher) Cache() *Cache { return f.cache }

// Fetch downloads rawURL into the cache and returns the local path. If
// expectedHash (hex SHA-256) is given and a matching cache entry exists, no
// network I/O happens. file:// URLs are served from the local filesystem.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, expectedHash string) (string, error) {
	if strings.HasPrefix(rawURL, "file://") {
		return f.fetchLocal(rawURL, expectedHash)
	}

	if expectedHash != "" && f.cache.HasBlob(expectedHash) {
		logrus.WithField("url", rawURL).Debug("cache hit")
		return f.cache.BlobPath(expectedHash), nil
	}

	key := rawURL + "|" + expectedHash
	path, err, _ := f.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight lock: another worker may just have
		// finished this download.
		if expectedHash != "" && f.cache.HasBlob(expectedHash) {
			return f.cache.BlobPath(expectedHash), nil
		}

		path, err := f.download(ctx, rawURL, expectedHash)
		if _, bad := err.(*IntegrityError); bad {
			// The cache entry (if any) was already invalidated; one fresh
			// attempt before surfacing.
			logrus.WithField("url", rawURL).Warn("hash mismatch, retrying download once")
			path, err = f.download(ctx, rawURL, expectedHash)
		}
		return path, err
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

// FetchBytes is Fetch for small metadata files, returning the content.
func (f *Fetcher) FetchBytes(ctx context.Context, rawURL, expectedHash string) ([]byte, error) {
	path, err := f.Fetch(ctx, rawURL, expectedHash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fetched file: %w", err)
	}
	return data, nil
}

func (f *Fetcher) fetchLocal(rawURL, expectedHash string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid file url %q: %w", rawURL, err)
	}
	p := u.Path
	if _, err := os.Stat(p); err != nil {
		return "", &NotFoundError{URL: rawURL}
	}
	if expectedHash != "" {
		got, err := hashFile(p)
		if err != nil {
			return "", err
		}
		if got != expectedHash {
			return "", &IntegrityError{URL: rawURL, Want: expectedHash, Got: got}
		}
	}
	return p, nil
}

// download transfers rawURL to a temp file, verifies it and commits it to the
// blob store. Partial downloads are kept as .part files and resumed with a
// Range request when the server advertises Accept-Ranges.
func (f *Fetcher) download(ctx context.Context, rawURL, expectedHash string) (string, error) {
	partPath := filepath.Join(f.cache.BlobDir(), ".part-"+indexKey(rawURL))

	var offset int64
	if fi, err := os.Stat(partPath); err == nil {
		offset = fi.Size()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			os.Remove(partPath)
			return "", ctx.Err()
		}
		return "", &NetworkError{URL: rawURL, Attempts: maxAttempts, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", &NotFoundError{URL: rawURL}
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		// Server honors the resume; keep the partial content.
	case resp.StatusCode == http.StatusOK:
		offset = 0
	default:
		return "", &NetworkError{URL: rawURL, Attempts: maxAttempts,
			Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening download file: %w", err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		// Keep the .part file for a resume only when the server supports it.
		if resp.Header.Get("Accept-Ranges") != "bytes" {
			os.Remove(partPath)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &NetworkError{URL: rawURL, Attempts: maxAttempts, Err: err}
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	got, err := hashFile(partPath)
	if err != nil {
		return "", err
	}
	if expectedHash != "" && got != expectedHash {
		os.Remove(partPath)
		return "", &IntegrityError{URL: rawURL, Want: expectedHash, Got: got}
	}

	logrus.WithFields(logrus.Fields{"url": rawURL, "sha256": got}).Debug("downloaded")
	return f.cache.CommitBlob(partPath, got)
}

// HashBytes returns the hex SHA-256 of data, the hash form used throughout
// the repository metadata.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
