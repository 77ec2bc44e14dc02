package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// indexTTL is how long a cached repository index stays valid before it is
// fetched again.
const indexTTL = 24 * time.Hour

// Cache is the on-disk artifact store shared by all workers of a build. It
// holds three subtrees:
//
//	blobs/    sha256-addressed package archives and payloads
//	indexes/  decompressed repository index files with sidecar metadata
//	staging/  per-build staging trees (see StagingBase)
//
// The directory is append-only: files are written to a temp name and moved
// into place with an atomic rename, so concurrent builds can share one cache.
type Cache struct {
	root string
}

// indexMeta is the self-describing sidecar stored next to each index entry.
type indexMeta struct {
	URL       string    `json:"url"`
	SHA256    string    `json:"sha256,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// DefaultCacheDir returns $HOME/.cache/ebcl-build, honoring XDG overrides.
func DefaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "ebcl-build")
}

// OpenCache opens (creating if needed) a cache rooted at dir. An empty dir
// selects DefaultCacheDir.
func OpenCache(dir string) (*Cache, error) {
	if dir == "" {
		dir = DefaultCacheDir()
	}
	for _, sub := range []string{"blobs", "indexes", "staging"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	return &Cache{root: dir}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string { return c.root }

// BlobDir returns the sha256-addressed payload directory.
func (c *Cache) BlobDir() string { return filepath.Join(c.root, "blobs") }

// StagingBase returns the directory build-specific staging trees live under.
func (c *Cache) StagingBase() string {
	return filepath.Join(c.root, "staging")
}

// BlobPath returns the location for a blob with the given hash.
func (c *Cache) BlobPath(hash string) string {
	return filepath.Join(c.BlobDir(), hash)
}

// HasBlob reports whether the blob exists and re-verifies its content hash.
// A corrupt entry is removed so the caller re-downloads exactly once.
func (c *Cache) HasBlob(hash string) bool {
	p := c.BlobPath(hash)
	if _, err := os.Stat(p); err != nil {
		return false
	}
	got, err := hashFile(p)
	if err != nil || got != hash {
		logrus.WithField("blob", hash).Warn("removing corrupt cache entry")
		os.Remove(p)
		return false
	}
	return true
}

// CommitBlob moves a verified download into the blob store.
func (c *Cache) CommitBlob(tmpPath, hash string) (string, error) {
	dst := c.BlobPath(hash)
	if _, err := os.Stat(dst); err == nil {
		os.Remove(tmpPath)
		return dst, nil
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("committing blob %s: %w", hash, err)
	}
	return dst, nil
}

// indexKey flattens a composite index key into a file name, the way the
// previous implementation flattened URL paths.
func indexKey(parts ...string) string {
	key := strings.Join(parts, "_")
	repl := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	return repl.Replace(key)
}

// Index returns the cached index content for the composite key if it is
// fresh and, when expectedHash is set, still matches. The hash is part of
// the effective key because mirrors can diverge for one URL.
func (c *Cache) Index(expectedHash string, keyParts ...string) ([]byte, bool) {
	base := filepath.Join(c.root, "indexes", indexKey(keyParts...))

	metaRaw, err := os.ReadFile(base + ".meta")
	if err != nil {
		return nil, false
	}
	var meta indexMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, false
	}
	if time.Since(meta.FetchedAt) > indexTTL {
		logrus.WithField("index", base).Debug("cached index outdated")
		os.Remove(base)
		os.Remove(base + ".meta")
		return nil, false
	}
	if expectedHash != "" && meta.SHA256 != expectedHash {
		return nil, false
	}

	data, err := os.ReadFile(base)
	if err != nil {
		return nil, false
	}
	return data, true
}

// PutIndex stores index content under the composite key with its sidecar.
func (c *Cache) PutIndex(data []byte, url, hash string, keyParts ...string) error {
	base := filepath.Join(c.root, "indexes", indexKey(keyParts...))

	tmp, err := os.CreateTemp(filepath.Dir(base), ".index-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), base); err != nil {
		return err
	}

	meta, err := json.Marshal(indexMeta{URL: url, SHA256: hash, FetchedAt: time.Now()})
	if err != nil {
		return err
	}
	return os.WriteFile(base+".meta", meta, 0o644)
}

// Purge removes all cached indexes and blobs.
func (c *Cache) Purge() error {
	for _, sub := range []string{"blobs", "indexes"} {
		dir := filepath.Join(c.root, sub)
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
