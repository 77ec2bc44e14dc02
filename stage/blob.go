package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore is a content-addressed store for regular-file payloads: one file
// per SHA-256, written with O_EXCL and an atomic rename so concurrent writers
// of the same content are harmless.
type BlobStore struct {
	dir string
}

// NewBlobStore opens (creating if needed) a blob store in dir.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob store: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *BlobStore) Dir() string { return s.dir }

// Path returns the location of the blob with the given hash. The blob may or
// may not exist.
func (s *BlobStore) Path(hash string) string {
	return filepath.Join(s.dir, hash)
}

// Has reports whether a blob with the given hash is present.
func (s *BlobStore) Has(hash string) bool {
	_, err := os.Stat(s.Path(hash))
	return err == nil
}

// Put stores the reader's content and returns its SHA-256 and size. Content
// already present is not rewritten.
func (s *BlobStore) Put(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.dir, ".blob-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating blob temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}

	hash := hex.EncodeToString(h.Sum(nil))
	dst := s.Path(hash)
	if _, err := os.Stat(dst); err == nil {
		return hash, size, nil
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, fmt.Errorf("storing blob %s: %w", hash, err)
	}
	return hash, size, nil
}

// Open returns a reader over the blob with the given hash.
func (s *BlobStore) Open(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(hash))
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", hash, err)
	}
	return f, nil
}

// Read returns the full content of a blob.
func (s *BlobStore) Read(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(hash))
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", hash, err)
	}
	return data, nil
}

// Extract copies a blob to dst with the given permissions.
func (s *BlobStore) Extract(hash, dst string, mode os.FileMode) error {
	src, err := s.Open(hash)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	os.Remove(dst)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
