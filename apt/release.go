package apt

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ReleaseEntry is one line of the SHA256 block of a Release file: the hash
// and size of a file at a path relative to the release directory.
type ReleaseEntry struct {
	SHA256 string
	Size   int64
	Path   string
}

// ReleaseInfo is a parsed Release or InRelease file.
type ReleaseInfo struct {
	Fields  Paragraph
	Entries []ReleaseEntry
}

// Components returns the component list declared by the release.
func (r *ReleaseInfo) Components() []string {
	return strings.Fields(r.Fields.Get("Components"))
}

// Architectures returns the architecture list declared by the release.
func (r *ReleaseInfo) Architectures() []string {
	return strings.Fields(r.Fields.Get("Architectures"))
}

// Entry finds the listing for a relative path, if present.
func (r *ReleaseInfo) Entry(path string) (ReleaseEntry, bool) {
	for _, e := range r.Entries {
		if e.Path == path {
			return e, true
		}
	}
	return ReleaseEntry{}, false
}

// ParseRelease parses Release content into its fields and SHA256 listing.
// MD5Sum and SHA1 blocks are ignored; only SHA-256 is trusted for index
// verification.
func ParseRelease(content []byte) (*ReleaseInfo, error) {
	paragraphs, err := parseParagraphs(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parsing release file: %w", err)
	}
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("release file is empty")
	}

	info := &ReleaseInfo{Fields: paragraphs[0]}
	for _, line := range strings.Split(info.Fields.Get("SHA256"), "\n") {
		parts := strings.Fields(line)
		if len(parts) != 3 {
			continue
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid size in SHA256 entry %q", line)
		}
		info.Entries = append(info.Entries, ReleaseEntry{
			SHA256: parts[0],
			Size:   size,
			Path:   parts[2],
		})
	}
	return info, nil
}
