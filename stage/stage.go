// Package stage maintains the in-progress filesystem tree assembled from
// extracted packages and host overlays before it is composed into an archive.
//
// The in-memory FileEntry table is the authoritative representation of the
// tree. The directory under Root mirrors it as far as an unprivileged process
// can: ownership, device nodes and other attributes the host refuses are
// recorded in the table only and reproduced later in the output archive
// metadata. This replaces the external fakeroot wrapper the build previously
// depended on.
package stage

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Kind classifies a node in the staging tree.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
	KindHardlink
	KindCharDevice
	KindBlockDevice
	KindFifo
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindHardlink:
		return "hardlink"
	case KindCharDevice:
		return "char-dev"
	case KindBlockDevice:
		return "block-dev"
	case KindFifo:
		return "fifo"
	}
	return "unknown"
}

// FileEntry is one node of the staging tree. Path is absolute within the
// stage root ("/usr/bin/busybox"). For regular files Blob holds the
// content-addressed payload hash; for symlinks and hardlinks LinkTarget holds
// the target path.
type FileEntry struct {
	Path       string
	Kind       Kind
	Mode       os.FileMode // permission and setuid/setgid/sticky bits only
	UID        int
	GID        int
	ModTime    time.Time
	Size       int64
	Blob       string
	LinkTarget string
	DevMajor   int64
	DevMinor   int64
	// Origin is the name of the package the entry came from, or "overlay".
	Origin string
}

// Tree is the staging tree: the entry table plus the blob store and the
// on-disk mirror directory. Mutations take the write lock briefly; the
// composer holds the read lock for its whole traversal.
type Tree struct {
	// BuildID identifies this staging tree instance.
	BuildID string

	root  string
	blobs *BlobStore

	mu      sync.RWMutex
	entries map[string]*FileEntry
}

// NewTree creates a staging tree under stagingBase, in a fresh directory
// named by the build id. The blob store lives in blobDir, which is usually
// the shared cache's blobs directory.
func NewTree(stagingBase, blobDir string) (*Tree, error) {
	id := uuid.NewString()
	dir := filepath.Join(stagingBase, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging root: %w", err)
	}
	blobs, err := NewBlobStore(blobDir)
	if err != nil {
		return nil, err
	}
	return &Tree{
		BuildID: id,
		root:    dir,
		blobs:   blobs,
		entries: make(map[string]*FileEntry),
	}, nil
}

// Root returns the on-disk staging directory.
func (t *Tree) Root() string { return t.root }

// Blobs returns the content-addressed payload store.
func (t *Tree) Blobs() *BlobStore { return t.blobs }

// Normalize cleans a tree path into the canonical absolute-within-root form.
func Normalize(p string) string {
	p = "/" + strings.TrimPrefix(p, "./")
	return path.Clean(p)
}

// Lookup returns the entry for the given path, or nil.
func (t *Tree) Lookup(p string) *FileEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[Normalize(p)]
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Insert adds or replaces an entry and materializes it on disk as far as
// possible. Parent directories missing from the table are created with mode
// 0755 and the same origin.
func (t *Tree) Insert(e *FileEntry) error {
	e.Path = Normalize(e.Path)
	if e.Path == "/" {
		return nil
	}

	t.mu.Lock()
	t.ensureParentsLocked(path.Dir(e.Path), e.Origin)
	if prev, ok := t.entries[e.Path]; ok && prev.Kind == KindDirectory && e.Kind == KindDirectory {
		// Re-adding a directory keeps the first owner but refreshes the mode.
		prev.Mode = e.Mode
		t.mu.Unlock()
		return nil
	}
	t.entries[e.Path] = e
	t.mu.Unlock()

	return t.materialize(e)
}

// Replace swaps the payload of an existing path, used when a later package
// wins a file conflict via Replaces.
func (t *Tree) Replace(e *FileEntry) error {
	e.Path = Normalize(e.Path)
	t.mu.Lock()
	t.entries[e.Path] = e
	t.mu.Unlock()
	return t.materialize(e)
}

func (t *Tree) ensureParentsLocked(dir, origin string) {
	if dir == "/" || dir == "." {
		return
	}
	if _, ok := t.entries[dir]; ok {
		return
	}
	t.ensureParentsLocked(path.Dir(dir), origin)
	t.entries[dir] = &FileEntry{
		Path:    dir,
		Kind:    KindDirectory,
		Mode:    0o755,
		Origin:  origin,
		ModTime: time.Unix(0, 0),
	}
	os.MkdirAll(t.diskPath(dir), 0o755)
}

// Chown records new ownership for a path in the table. The host filesystem is
// not touched; this is the fakeroot-equivalent interception point.
func (t *Tree) Chown(p string, uid, gid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[Normalize(p)]
	if !ok {
		return fmt.Errorf("chown %s: no such entry", p)
	}
	e.UID = uid
	e.GID = gid
	return nil
}

// Chmod records a new mode for a path in the table and best-effort on disk.
func (t *Tree) Chmod(p string, mode os.FileMode) error {
	t.mu.Lock()
	e, ok := t.entries[Normalize(p)]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("chmod %s: no such entry", p)
	}
	e.Mode = mode
	t.mu.Unlock()
	if e.Kind == KindRegular || e.Kind == KindDirectory {
		os.Chmod(t.diskPath(e.Path), mode&0o777)
	}
	return nil
}

// Walk calls fn for every entry in byte-wise sorted path order under the read
// lock. It is the composer's traversal primitive.
func (t *Tree) Walk(fn func(*FileEntry) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	paths := make([]string, 0, len(t.entries))
	for p := range t.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := fn(t.entries[p]); err != nil {
			return err
		}
	}
	return nil
}

// diskPath maps a tree path to its location under the staging root.
func (t *Tree) diskPath(p string) string {
	return filepath.Join(t.root, filepath.FromSlash(strings.TrimPrefix(p, "/")))
}

// DiskPath exposes the on-disk location for a tree path; generators use it to
// inspect extracted content (e.g. modules.dep).
func (t *Tree) DiskPath(p string) string {
	return t.diskPath(Normalize(p))
}

// materialize writes the entry to the staging directory where the host allows
// it. Device nodes and fifos get zero-byte placeholders; ownership is never
// applied on disk.
func (t *Tree) materialize(e *FileEntry) error {
	dp := t.diskPath(e.Path)
	switch e.Kind {
	case KindDirectory:
		if err := os.MkdirAll(dp, e.Mode&0o777|0o700); err != nil {
			return fmt.Errorf("staging directory %s: %w", e.Path, err)
		}
	case KindRegular:
		if err := t.blobs.Extract(e.Blob, dp, e.Mode&0o777); err != nil {
			return fmt.Errorf("staging file %s: %w", e.Path, err)
		}
	case KindSymlink:
		os.Remove(dp)
		if err := os.Symlink(e.LinkTarget, dp); err != nil {
			return fmt.Errorf("staging symlink %s: %w", e.Path, err)
		}
	case KindHardlink:
		os.Remove(dp)
		if err := os.Link(t.diskPath(e.LinkTarget), dp); err != nil {
			// The table stays authoritative; the composer follows LinkTarget.
			logrus.WithField("path", e.Path).Debug("hardlink not materialized, keeping table entry")
		}
	case KindCharDevice, KindBlockDevice, KindFifo:
		// mknod needs privileges we do not require. A placeholder keeps
		// the on-disk tree shaped like the table.
		f, err := os.OpenFile(dp, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("staging placeholder %s: %w", e.Path, err)
		}
		f.Close()
	}
	return nil
}

// Cleanup removes the on-disk staging directory. The entry table survives so
// a composed archive can still be produced from blobs if needed.
func (t *Tree) Cleanup() {
	if err := os.RemoveAll(t.root); err != nil {
		logrus.WithError(err).Warn("removing staging directory failed")
	}
}
