package compose

import (
	"fmt"
	"io"
	"strings"

	"github.com/u-root/u-root/pkg/cpio"

	"github.com/Elektrobit/ebcl-build-tools/stage"
)

// Unix file type bits as stored in cpio mode words.
const (
	modeFifo      = 0o010000
	modeChar      = 0o020000
	modeDirectory = 0o040000
	modeBlock     = 0o060000
	modeRegular   = 0o100000
	modeSymlink   = 0o120000
)

// writeCpio emits the entries as a newc archive, the format the kernel
// expects for an initramfs. Hardlinks are written as full copies of their
// target; the kernel unpacker does not need the inode sharing and the
// duplication keeps the writer single-pass.
func writeCpio(tree *stage.Tree, entries []*stage.FileEntry, w io.Writer, opts Options) error {
	rw := cpio.Newc.Writer(w)

	// Sequential inode numbers keep the archive independent of the host
	// filesystem.
	var ino uint64
	for _, e := range entries {
		ino++
		info := cpio.Info{
			Ino:   ino,
			NLink: 1,
			UID:   uint64(e.UID),
			GID:   uint64(e.GID),
			MTime: uint64(opts.clampTime(e.ModTime).Unix()),
			Name:  cpioName(e.Path),
			Mode:  uint64(e.Mode.Perm()) | uint64(setBits(e)),
		}

		var content []byte
		switch e.Kind {
		case stage.KindDirectory:
			info.Mode |= modeDirectory
			info.NLink = 2
		case stage.KindRegular:
			data, err := tree.Blobs().Read(e.Blob)
			if err != nil {
				return err
			}
			content = data
			info.Mode |= modeRegular
			info.FileSize = uint64(len(data))
		case stage.KindHardlink:
			target := tree.Lookup(e.LinkTarget)
			if target == nil {
				return fmt.Errorf("hardlink %s references missing %s", e.Path, e.LinkTarget)
			}
			data, err := tree.Blobs().Read(target.Blob)
			if err != nil {
				return err
			}
			content = data
			info.Mode = uint64(target.Mode.Perm()) | modeRegular
			info.FileSize = uint64(len(data))
		case stage.KindSymlink:
			content = []byte(e.LinkTarget)
			info.Mode |= modeSymlink
			info.FileSize = uint64(len(content))
		case stage.KindCharDevice:
			info.Mode |= modeChar
			info.Rmajor = uint64(e.DevMajor)
			info.Rminor = uint64(e.DevMinor)
		case stage.KindBlockDevice:
			info.Mode |= modeBlock
			info.Rmajor = uint64(e.DevMajor)
			info.Rminor = uint64(e.DevMinor)
		case stage.KindFifo:
			info.Mode |= modeFifo
		default:
			return fmt.Errorf("entry %s has unknown kind %v", e.Path, e.Kind)
		}

		if err := rw.WriteRecord(cpio.StaticRecord(content, info)); err != nil {
			return fmt.Errorf("writing cpio record for %s: %w", e.Path, err)
		}
	}

	if err := cpio.WriteTrailer(rw); err != nil {
		return fmt.Errorf("writing cpio trailer: %w", err)
	}
	return nil
}

// cpioName strips the leading slash; initramfs member names are relative.
func cpioName(p string) string {
	return strings.TrimPrefix(p, "/")
}
