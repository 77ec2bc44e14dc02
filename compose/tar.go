package compose

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Elektrobit/ebcl-build-tools/stage"
)

// writeTar emits the entries as a pax (default) or ustar archive. Member
// names use the "./path" form of Debian data tarballs.
func writeTar(tree *stage.Tree, entries []*stage.FileEntry, w io.Writer, opts Options) error {
	tw := tar.NewWriter(w)

	format := tar.FormatPAX
	if opts.Ustar {
		format = tar.FormatUSTAR
	}

	for _, e := range entries {
		hdr := &tar.Header{
			Name:    memberName(e),
			Mode:    int64(e.Mode.Perm()) | setBits(e),
			Uid:     e.UID,
			Gid:     e.GID,
			ModTime: opts.clampTime(e.ModTime),
			Format:  format,
			// Names resolve numerically only; a host passwd lookup would
			// leak into the archive.
			Uname: "",
			Gname: "",
		}

		switch e.Kind {
		case stage.KindDirectory:
			hdr.Typeflag = tar.TypeDir
			if !strings.HasSuffix(hdr.Name, "/") {
				hdr.Name += "/"
			}
		case stage.KindRegular:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = e.Size
		case stage.KindSymlink:
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.LinkTarget
		case stage.KindHardlink:
			hdr.Typeflag = tar.TypeLink
			hdr.Linkname = memberName(&stage.FileEntry{Path: e.LinkTarget})
		case stage.KindCharDevice:
			hdr.Typeflag = tar.TypeChar
			hdr.Devmajor = e.DevMajor
			hdr.Devminor = e.DevMinor
		case stage.KindBlockDevice:
			hdr.Typeflag = tar.TypeBlock
			hdr.Devmajor = e.DevMajor
			hdr.Devminor = e.DevMinor
		case stage.KindFifo:
			hdr.Typeflag = tar.TypeFifo
		default:
			return fmt.Errorf("entry %s has unknown kind %v", e.Path, e.Kind)
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", e.Path, err)
		}

		if e.Kind == stage.KindRegular && e.Size > 0 {
			blob, err := tree.Blobs().Open(e.Blob)
			if err != nil {
				return err
			}
			if _, err := io.Copy(tw, blob); err != nil {
				blob.Close()
				return fmt.Errorf("writing tar content for %s: %w", e.Path, err)
			}
			blob.Close()
		}
	}

	return tw.Close()
}

// memberName converts the absolute tree path into the "./"-prefixed member
// form.
func memberName(e *stage.FileEntry) string {
	return "." + e.Path
}

// setBits extracts the setuid/setgid/sticky bits into tar's numeric form.
func setBits(e *stage.FileEntry) int64 {
	const (
		cISUID = 0o4000
		cISGID = 0o2000
		cISVTX = 0o1000
	)
	var bits int64
	if e.Mode&os.ModeSetuid != 0 {
		bits |= cISUID
	}
	if e.Mode&os.ModeSetgid != 0 {
		bits |= cISGID
	}
	if e.Mode&os.ModeSticky != 0 {
		bits |= cISVTX
	}
	return bits
}
