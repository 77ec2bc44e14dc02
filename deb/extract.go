package deb

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/Elektrobit/ebcl-build-tools/stage"
)

// PackageInfo identifies the package being unpacked and carries the Replaces
// declarations used by the file-collision policy.
type PackageInfo struct {
	Name     string
	Version  Version
	Replaces []Dependency
}

// ControlData is the content of a .deb control archive. Maintainer scripts
// are stored, never executed; the generator wrapping the core decides what to
// do with them.
type ControlData struct {
	// Fields are the raw key/value pairs of the control file.
	Fields map[string]string

	Name    string
	Version string

	Conffiles []string
	MD5Sums   map[string]string
	Scripts   map[ControlFile]string
}

// ReplacesFunc reports whether package a declares Replaces on package b.
// The resolver's candidate set provides it; a nil func falls back to the
// unpacked package's own declarations.
type ReplacesFunc func(a, b string) bool

// Unpack reads the .deb at debPath and materializes its data archive into the
// staging tree. It returns the parsed control data.
//
// A .deb is an ar(5) archive with three members in canonical order:
// debian-binary (content "2.0\n"), control.tar and data.tar, the tarballs
// optionally gz, xz or zst compressed.
func Unpack(ctx context.Context, debPath string, info PackageInfo, tree *stage.Tree, replaces ReplacesFunc) (*ControlData, error) {
	f, err := os.Open(debPath)
	if err != nil {
		return nil, &ExtractionError{Package: info.Name, Err: err}
	}
	defer f.Close()

	arR := ar.NewReader(f)

	var control *ControlData
	sawBinary := false
	sawData := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := arR.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ExtractionError{Package: info.Name, Err: fmt.Errorf("reading ar header: %w", err)}
		}

		// Some ar writers terminate member names with "/".
		name := strings.TrimSuffix(strings.TrimSpace(header.Name), "/")

		switch {
		case name == MemberDebianBinary:
			buf := make([]byte, len(debianBinaryContent))
			if _, err := io.ReadFull(arR, buf); err != nil || string(buf) != debianBinaryContent {
				return nil, &ExtractionError{Package: info.Name, Member: name,
					Err: fmt.Errorf("unsupported deb format version %q", string(buf))}
			}
			sawBinary = true

		case strings.HasPrefix(name, MemberControlTar):
			if !sawBinary {
				return nil, &ExtractionError{Package: info.Name, Member: name,
					Err: fmt.Errorf("member out of order, debian-binary must come first")}
			}
			control, err = readControlArchive(name, io.LimitReader(arR, header.Size))
			if err != nil {
				return nil, &ExtractionError{Package: info.Name, Member: name, Err: err}
			}
			if control.Name != "" && control.Name != info.Name {
				return nil, &ExtractionError{Package: info.Name, Member: name,
					Err: fmt.Errorf("control names package %q", control.Name)}
			}
			if control.Version != "" && info.Version.Upstream != "" {
				if v, err := ParseVersion(control.Version); err == nil && !v.Equal(info.Version) {
					return nil, &ExtractionError{Package: info.Name, Member: name,
						Err: fmt.Errorf("control version %s does not match expected %s", control.Version, info.Version)}
				}
			}

		case strings.HasPrefix(name, MemberDataTar):
			if control == nil {
				return nil, &ExtractionError{Package: info.Name, Member: name,
					Err: fmt.Errorf("member out of order, control.tar must precede data.tar")}
			}
			if err := unpackData(ctx, name, io.LimitReader(arR, header.Size), info, tree, replaces); err != nil {
				return nil, err
			}
			sawData = true
		}
	}

	if !sawBinary || control == nil || !sawData {
		return nil, &ExtractionError{Package: info.Name,
			Err: fmt.Errorf("incomplete deb archive (debian-binary: %v, control: %v, data: %v)", sawBinary, control != nil, sawData)}
	}
	return control, nil
}

// memberReader wraps the raw member stream with the decompressor selected by
// the member's file extension.
func memberReader(name string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(name, ".xz"):
		return xz.NewReader(r)
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case strings.HasSuffix(name, ".tar"):
		return r, nil
	}
	return nil, fmt.Errorf("unsupported compression of member %q", name)
}

func readControlArchive(member string, r io.Reader) (*ControlData, error) {
	dr, err := memberReader(member, r)
	if err != nil {
		return nil, err
	}

	cd := &ControlData{
		Fields:  make(map[string]string),
		MD5Sums: make(map[string]string),
		Scripts: make(map[ControlFile]string),
	}

	tr := tar.NewReader(dr)
	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading control tar: %w", err)
		}
		if th.Typeflag == tar.TypeDir {
			continue
		}

		name := filepath.Base(th.Name)
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		content := buf.String()

		switch ControlFile(name) {
		case FileControl:
			parseControlFields(content, cd)
		case FileConffiles:
			for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
				if line != "" {
					cd.Conffiles = append(cd.Conffiles, line)
				}
			}
		case FileMd5sums:
			for _, line := range strings.Split(content, "\n") {
				parts := strings.Fields(line)
				if len(parts) == 2 {
					cd.MD5Sums[parts[1]] = parts[0]
				}
			}
		case FilePreinst, FilePostinst, FilePrerm, FilePostrm, FileConfig, FileTriggers:
			cd.Scripts[ControlFile(name)] = content
		}
	}
	return cd, nil
}

// parseControlFields fills cd.Fields from the control file content, handling
// continuation lines. Name and Version are lifted out for the sanity check.
func parseControlFields(content string, cd *ControlData) {
	var key string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if key != "" {
				cd.Fields[key] += "\n" + strings.TrimSpace(line)
			}
			continue
		}
		if idx := strings.Index(line, ":"); idx != -1 {
			key = line[:idx]
			cd.Fields[key] = strings.TrimSpace(line[idx+1:])
		}
	}
	cd.Name = cd.Fields[string(FieldPackage)]
	cd.Version = cd.Fields[string(FieldVersion)]
}

func unpackData(ctx context.Context, member string, r io.Reader, info PackageInfo, tree *stage.Tree, replaces ReplacesFunc) error {
	dr, err := memberReader(member, r)
	if err != nil {
		return &ExtractionError{Package: info.Name, Member: member, Err: err}
	}

	tr := tar.NewReader(dr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		th, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &ExtractionError{Package: info.Name, Member: member, Err: fmt.Errorf("reading data tar: %w", err)}
		}

		entry, err := entryFromTar(th, info.Name)
		if err != nil {
			return &ExtractionError{Package: info.Name, Member: member, Err: err}
		}
		if entry == nil {
			continue
		}

		if entry.Kind == stage.KindRegular {
			hash, size, err := tree.Blobs().Put(tr)
			if err != nil {
				return &ExtractionError{Package: info.Name, Member: member, Err: err}
			}
			entry.Blob = hash
			entry.Size = size
		}

		if err := merge(entry, info, tree, replaces); err != nil {
			return err
		}
	}
}

// entryFromTar maps one tar header to a FileEntry. Unknown type flags are
// skipped with a warning rather than failing the whole package.
func entryFromTar(th *tar.Header, origin string) (*stage.FileEntry, error) {
	p := stage.Normalize(th.Name)
	if p == "/" {
		return nil, nil
	}
	if strings.Contains(th.Name, "..") {
		return nil, fmt.Errorf("path %q escapes the staging tree", th.Name)
	}

	fi := th.FileInfo()
	entry := &stage.FileEntry{
		Path:    p,
		Mode:    fi.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky),
		UID:     th.Uid,
		GID:     th.Gid,
		ModTime: th.ModTime,
		Origin:  origin,
	}

	switch th.Typeflag {
	case tar.TypeDir:
		entry.Kind = stage.KindDirectory
	case tar.TypeReg:
		entry.Kind = stage.KindRegular
	case tar.TypeSymlink:
		entry.Kind = stage.KindSymlink
		entry.LinkTarget = th.Linkname
	case tar.TypeLink:
		entry.Kind = stage.KindHardlink
		entry.LinkTarget = stage.Normalize(th.Linkname)
	case tar.TypeChar:
		entry.Kind = stage.KindCharDevice
		entry.DevMajor = th.Devmajor
		entry.DevMinor = th.Devminor
	case tar.TypeBlock:
		entry.Kind = stage.KindBlockDevice
		entry.DevMajor = th.Devmajor
		entry.DevMinor = th.Devminor
	case tar.TypeFifo:
		entry.Kind = stage.KindFifo
	default:
		logrus.WithFields(logrus.Fields{
			"package": origin,
			"path":    th.Name,
			"type":    th.Typeflag,
		}).Warn("skipping unsupported tar entry type")
		return nil, nil
	}
	return entry, nil
}

// merge inserts the entry, applying the collision policy: identical regular
// content, identical symlinks and shared directories are accepted silently;
// when either package declares Replaces on the other, the declaring package
// keeps the path whichever side unpacked first; anything else is a
// FileConflict.
func merge(entry *stage.FileEntry, info PackageInfo, tree *stage.Tree, replaces ReplacesFunc) error {
	prev := tree.Lookup(entry.Path)
	if prev == nil || prev.Origin == info.Name {
		return tree.Insert(entry)
	}

	if prev.Kind == stage.KindDirectory && entry.Kind == stage.KindDirectory {
		return tree.Insert(entry)
	}
	if prev.Kind == stage.KindRegular && entry.Kind == stage.KindRegular && prev.Blob == entry.Blob {
		return nil
	}
	if prev.Kind == stage.KindSymlink && entry.Kind == stage.KindSymlink && prev.LinkTarget == entry.LinkTarget {
		return nil
	}

	// The replacing package owns the path no matter which side unpacked
	// first, so parallel extraction cannot flip the outcome.
	if declaresReplaces(info, prev.Origin, replaces) {
		logrus.WithFields(logrus.Fields{
			"path": entry.Path,
			"from": prev.Origin,
			"to":   info.Name,
		}).Debug("path taken over via Replaces")
		return tree.Replace(entry)
	}
	if replaces != nil && replaces(prev.Origin, info.Name) {
		return nil
	}

	return &FileConflict{Path: entry.Path, First: prev.Origin, Second: info.Name}
}

func declaresReplaces(info PackageInfo, other string, replaces ReplacesFunc) bool {
	if replaces != nil && replaces(info.Name, other) {
		return true
	}
	for _, dep := range info.Replaces {
		for _, ref := range dep {
			if ref.Name == other {
				return true
			}
		}
	}
	return false
}
