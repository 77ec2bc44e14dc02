package stage

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// ImportTarball merges a base tarball (a previously composed artifact or an
// externally produced rootfs) into the tree. Entries carry the given origin.
func ImportTarball(tree *Tree, path, origin string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening base tarball: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".tgz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("opening base tarball: %w", err)
		}
		defer gr.Close()
		r = gr
	case strings.HasSuffix(path, ".xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("opening base tarball: %w", err)
		}
		r = xr
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("opening base tarball: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		th, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading base tarball: %w", err)
		}

		p := Normalize(th.Name)
		if p == "/" {
			continue
		}

		fi := th.FileInfo()
		entry := &FileEntry{
			Path:    p,
			Mode:    fi.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky),
			UID:     th.Uid,
			GID:     th.Gid,
			ModTime: th.ModTime,
			Origin:  origin,
		}

		switch th.Typeflag {
		case tar.TypeDir:
			entry.Kind = KindDirectory
		case tar.TypeReg:
			entry.Kind = KindRegular
			hash, size, err := tree.Blobs().Put(tr)
			if err != nil {
				return err
			}
			entry.Blob = hash
			entry.Size = size
		case tar.TypeSymlink:
			entry.Kind = KindSymlink
			entry.LinkTarget = th.Linkname
		case tar.TypeLink:
			entry.Kind = KindHardlink
			entry.LinkTarget = Normalize(th.Linkname)
		case tar.TypeChar:
			entry.Kind = KindCharDevice
			entry.DevMajor = th.Devmajor
			entry.DevMinor = th.Devminor
		case tar.TypeBlock:
			entry.Kind = KindBlockDevice
			entry.DevMajor = th.Devmajor
			entry.DevMinor = th.Devminor
		case tar.TypeFifo:
			entry.Kind = KindFifo
		default:
			continue
		}

		if err := tree.Insert(entry); err != nil {
			return err
		}
	}
}
