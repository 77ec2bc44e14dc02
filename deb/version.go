package deb

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed Debian package version of the form
// [epoch:]upstream_version[-debian_revision].
//
// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#s-f-version
type Version struct {
	Epoch    int
	Upstream string
	Revision string
}

// ParseVersion splits a version string into epoch, upstream version and
// debian revision. The epoch is everything before the first colon and must be
// numeric; the revision is everything after the last hyphen. Both are optional.
func ParseVersion(s string) (Version, error) {
	v := Version{}
	rest := strings.TrimSpace(s)
	if rest == "" {
		return v, fmt.Errorf("empty version string")
	}

	if idx := strings.Index(rest, ":"); idx != -1 {
		epoch, err := strconv.Atoi(rest[:idx])
		if err != nil || epoch < 0 {
			return v, fmt.Errorf("invalid epoch in version %q", s)
		}
		v.Epoch = epoch
		rest = rest[idx+1:]
	}

	if idx := strings.LastIndex(rest, "-"); idx != -1 {
		v.Revision = rest[idx+1:]
		rest = rest[:idx]
	}
	v.Upstream = rest

	if v.Upstream == "" {
		return v, fmt.Errorf("version %q has no upstream part", s)
	}
	return v, nil
}

// MustParseVersion is ParseVersion for statically known inputs. It panics on error.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the version in canonical form, omitting a zero epoch and an
// empty revision.
func (v Version) String() string {
	var b strings.Builder
	if v.Epoch != 0 {
		fmt.Fprintf(&b, "%d:", v.Epoch)
	}
	b.WriteString(v.Upstream)
	if v.Revision != "" {
		b.WriteString("-")
		b.WriteString(v.Revision)
	}
	return b.String()
}

// Compare orders two versions per Debian policy 5.6.12: epochs numerically,
// then the upstream versions, then the revisions. The result is negative,
// zero, or positive like strings.Compare.
func (v Version) Compare(o Version) int {
	if v.Epoch != o.Epoch {
		if v.Epoch < o.Epoch {
			return -1
		}
		return 1
	}
	if c := verrevcmp(v.Upstream, o.Upstream); c != 0 {
		return c
	}
	return verrevcmp(v.Revision, o.Revision)
}

// Equal reports exact equality including the epoch.
func (v Version) Equal(o Version) bool {
	return v.Compare(o) == 0
}

// verrevcmp compares one version fragment (upstream or revision) the way dpkg
// does: alternating runs of non-digits and digits. Non-digit runs order
// characters with '~' before the empty string, the empty string before
// letters, and letters before everything else. Digit runs compare as integers
// with leading zeros ignored.
func verrevcmp(a, b string) int {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		// Non-digit run.
		for (i < len(a) && !isDigit(a[i])) || (j < len(b) && !isDigit(b[j])) {
			var ca, cb int
			if i < len(a) {
				ca = charOrder(a[i])
			}
			if j < len(b) {
				cb = charOrder(b[j])
			}
			if ca != cb {
				return ca - cb
			}
			i++
			j++
		}

		// Digit run: skip leading zeros, then compare digit by digit. A
		// longer run of significant digits is the larger number.
		for i < len(a) && a[i] == '0' {
			i++
		}
		for j < len(b) && b[j] == '0' {
			j++
		}
		firstDiff := 0
		for i < len(a) && j < len(b) && isDigit(a[i]) && isDigit(b[j]) {
			if firstDiff == 0 {
				firstDiff = int(a[i]) - int(b[j])
			}
			i++
			j++
		}
		if i < len(a) && isDigit(a[i]) {
			return 1
		}
		if j < len(b) && isDigit(b[j]) {
			return -1
		}
		if firstDiff != 0 {
			return firstDiff
		}
	}
	return 0
}

// charOrder assigns the policy ordering for a single character in a non-digit
// run. The tilde sorts before everything including the end of the fragment,
// which is how "1.0~rc1" ends up older than "1.0". Digits rank like the end
// of the fragment so that a digit run on one side compares against it.
func charOrder(c byte) int {
	switch {
	case c == '~':
		return -256
	case isDigit(c):
		return 0
	case isAlpha(c):
		return int(c)
	default:
		return int(c) + 256
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
