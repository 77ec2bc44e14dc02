// Package compose turns a staging tree into the final image artifact: a tar
// or cpio (newc) archive, optionally wrapped in gzip, xz or zstd.
//
// When reproducibility is requested the output bytes are a pure function of
// the tree: entries are emitted in normalized sorted path order, all
// timestamps are clamped to the fixed epoch, owners are written numerically,
// and the compressors run in single-threaded mode.
package compose

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"golang.org/x/text/unicode/norm"

	"github.com/Elektrobit/ebcl-build-tools/stage"
)

// Format selects the archive layout.
type Format string

const (
	FormatTar  Format = "tar"
	FormatCpio Format = "cpio"
)

// Compression selects the outer wrapper.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionXz   Compression = "xz"
	CompressionZstd Compression = "zstd"
)

// Extension returns the file suffix for the compression.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionXz:
		return ".xz"
	case CompressionZstd:
		return ".zst"
	}
	return ""
}

// Options control one composition run.
type Options struct {
	Format      Format
	Compression Compression
	// Ustar selects the plain ustar tar variant instead of pax.
	Ustar bool
	// Reproducible applies all determinism rules.
	Reproducible bool
	// SourceDateEpoch is the fixed mtime (seconds) used when Reproducible
	// is set; SourceDateEpochFromEnv fills it from the environment.
	SourceDateEpoch int64
}

// ParseFormat parses the config form "{tar|cpio}[:{gzip|xz|zstd}]".
func ParseFormat(s string) (Format, Compression, error) {
	format, compression, _ := strings.Cut(s, ":")
	f := Format(format)
	if f != FormatTar && f != FormatCpio {
		return "", "", fmt.Errorf("unknown output format %q", s)
	}
	switch Compression(compression) {
	case CompressionNone, CompressionGzip, CompressionXz, CompressionZstd:
		return f, Compression(compression), nil
	}
	return "", "", fmt.Errorf("unknown compression in output format %q", s)
}

// SourceDateEpochFromEnv reads the standard SOURCE_DATE_EPOCH variable,
// defaulting to 0.
func SourceDateEpochFromEnv() int64 {
	v := os.Getenv("SOURCE_DATE_EPOCH")
	if v == "" {
		return 0
	}
	epoch, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return epoch
}

// Compose writes the archive for the staging tree to w. The FileEntry table
// is authoritative: ownership, modes and device numbers come from it, not
// from the on-disk mirror.
func Compose(tree *stage.Tree, w io.Writer, opts Options) error {
	entries := collect(tree)

	cw, closeFn, err := wrapCompression(w, opts)
	if err != nil {
		return err
	}

	switch opts.Format {
	case FormatTar:
		err = writeTar(tree, entries, cw, opts)
	case FormatCpio:
		err = writeCpio(tree, entries, cw, opts)
	default:
		err = fmt.Errorf("unknown archive format %q", opts.Format)
	}
	if err != nil {
		closeFn()
		return err
	}
	return closeFn()
}

// ComposeFile is Compose writing to a file path.
func ComposeFile(tree *stage.Tree, path string, opts Options) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating artifact %s: %w", path, err)
	}
	if err := Compose(tree, f, opts); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// collect snapshots the tree entries and orders them byte-wise on the
// NFC-normalized path, so differently-composed unicode names cannot flip the
// archive layout between hosts.
func collect(tree *stage.Tree) []*stage.FileEntry {
	var entries []*stage.FileEntry
	tree.Walk(func(e *stage.FileEntry) error {
		entries = append(entries, e)
		return nil
	})
	sort.Slice(entries, func(i, j int) bool {
		return norm.NFC.String(entries[i].Path) < norm.NFC.String(entries[j].Path)
	})
	return entries
}

// fixedTime returns the mtime floor for reproducible output.
func (o Options) fixedTime() time.Time {
	return time.Unix(o.SourceDateEpoch, 0)
}

// clampTime applies the reproducibility rule: never later than the fixed
// mtime. Entries without a recorded mtime (synthesized directories, rendered
// files) get the fixed mtime too; outside reproducible mode they floor at the
// epoch, which every tar variant can encode.
func (o Options) clampTime(t time.Time) time.Time {
	epoch := time.Unix(0, 0)
	if !o.Reproducible {
		if t.Before(epoch) {
			return epoch
		}
		return t
	}
	fixed := o.fixedTime()
	if t.After(fixed) || t.Before(epoch) {
		return fixed
	}
	return t
}

// wrapCompression layers the configured compressor over w. The returned
// close function flushes the compressor but leaves w open.
func wrapCompression(w io.Writer, opts Options) (io.Writer, func() error, error) {
	switch opts.Compression {
	case CompressionNone:
		return w, func() error { return nil }, nil

	case CompressionGzip:
		zw := gzip.NewWriter(w)
		// The gzip header carries its own timestamp and filename; pin the
		// one and omit the other so two runs produce identical bytes.
		if opts.Reproducible {
			zw.ModTime = opts.fixedTime().UTC()
		}
		zw.Name = ""
		return zw, zw.Close, nil

	case CompressionXz:
		// The ulikunitz writer is single-threaded, which keeps the block
		// layout stable.
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("creating xz writer: %w", err)
		}
		return xw, xw.Close, nil

	case CompressionZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown compression %q", opts.Compression)
}
