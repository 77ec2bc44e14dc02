package stage

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// overlayOrigin marks entries that came from host files instead of a package.
const overlayOrigin = "overlay"

// Overlay is one host-file mapping applied on top of the extracted packages.
// Source may be a file, a directory (copied recursively) or a glob pattern.
type Overlay struct {
	Source string
	// Destination is the target path inside the tree; empty means the root,
	// keeping the source's base name.
	Destination string
	// Mode overrides the source permissions when non-zero.
	Mode os.FileMode
	UID  int
	GID  int
}

// ApplyOverlays copies the host files into the tree, after package
// extraction so overlays win over package content.
func ApplyOverlays(tree *Tree, overlays []Overlay) error {
	for _, o := range overlays {
		matches, err := filepath.Glob(o.Source)
		if err != nil {
			return fmt.Errorf("invalid host file pattern %q: %w", o.Source, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("host file %q matches nothing", o.Source)
		}
		for _, m := range matches {
			dst := o.Destination
			if dst == "" {
				dst = "/" + filepath.Base(m)
			} else if strings.HasSuffix(dst, "/") || len(matches) > 1 {
				dst = path.Join(dst, filepath.Base(m))
			}
			if err := overlayPath(tree, m, dst, o); err != nil {
				return err
			}
		}
	}
	return nil
}

func overlayPath(tree *Tree, src, dst string, o Overlay) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("host file %s: %w", src, err)
	}

	switch {
	case fi.IsDir():
		entry := &FileEntry{
			Path:    dst,
			Kind:    KindDirectory,
			Mode:    overlayMode(fi, o),
			UID:     o.UID,
			GID:     o.GID,
			ModTime: fi.ModTime(),
			Origin:  overlayOrigin,
		}
		if err := tree.Insert(entry); err != nil {
			return err
		}
		children, err := os.ReadDir(src)
		if err != nil {
			return fmt.Errorf("reading host directory %s: %w", src, err)
		}
		for _, child := range children {
			if err := overlayPath(tree, filepath.Join(src, child.Name()), path.Join(dst, child.Name()), o); err != nil {
				return err
			}
		}
		return nil

	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return fmt.Errorf("reading host symlink %s: %w", src, err)
		}
		return tree.Insert(&FileEntry{
			Path:       dst,
			Kind:       KindSymlink,
			Mode:       0o777,
			UID:        o.UID,
			GID:        o.GID,
			ModTime:    fi.ModTime(),
			LinkTarget: target,
			Origin:     overlayOrigin,
		})

	case fi.Mode().IsRegular():
		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("opening host file %s: %w", src, err)
		}
		hash, size, err := tree.Blobs().Put(f)
		f.Close()
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{"source": src, "dest": dst}).Debug("overlay applied")
		return tree.Insert(&FileEntry{
			Path:    dst,
			Kind:    KindRegular,
			Mode:    overlayMode(fi, o),
			UID:     o.UID,
			GID:     o.GID,
			ModTime: fi.ModTime(),
			Size:    size,
			Blob:    hash,
			Origin:  overlayOrigin,
		})
	}

	return fmt.Errorf("host file %s has unsupported type %s", src, fi.Mode())
}

func overlayMode(fi os.FileInfo, o Overlay) os.FileMode {
	if o.Mode != 0 {
		return o.Mode
	}
	return fi.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
}

// WriteFile places literal content into the tree, used by generators for
// rendered scripts and config files like /etc/hostname.
func WriteFile(tree *Tree, p string, content []byte, mode os.FileMode, uid, gid int) error {
	hash, size, err := tree.Blobs().Put(strings.NewReader(string(content)))
	if err != nil {
		return err
	}
	return tree.Insert(&FileEntry{
		Path:   p,
		Kind:   KindRegular,
		Mode:   mode,
		UID:    uid,
		GID:    gid,
		Size:   size,
		Blob:   hash,
		Origin: overlayOrigin,
	})
}

// Symlink records a symlink in the tree, used by generators for the usr-merge
// links.
func Symlink(tree *Tree, p, target string) error {
	return tree.Insert(&FileEntry{
		Path:       p,
		Kind:       KindSymlink,
		Mode:       0o777,
		LinkTarget: target,
		Origin:     overlayOrigin,
	})
}

// Mkdir records a directory in the tree.
func Mkdir(tree *Tree, p string, mode os.FileMode) error {
	return tree.Insert(&FileEntry{
		Path:   p,
		Kind:   KindDirectory,
		Mode:   mode,
		Origin: overlayOrigin,
	})
}

// Mknod records a device node in the table; the host filesystem only gets a
// placeholder.
func Mknod(tree *Tree, p string, kind Kind, major, minor int64, mode os.FileMode, uid, gid int) error {
	if kind != KindCharDevice && kind != KindBlockDevice {
		return fmt.Errorf("mknod %s: kind %s is not a device", p, kind)
	}
	return tree.Insert(&FileEntry{
		Path:     p,
		Kind:     kind,
		Mode:     mode,
		UID:      uid,
		GID:      gid,
		DevMajor: major,
		DevMinor: minor,
		Origin:   overlayOrigin,
	})
}
