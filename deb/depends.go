package deb

import (
	"fmt"
	"strings"
)

// VersionRelation is a comparison operator in a versioned dependency.
//
// Reference: https://www.debian.org/doc/debian-policy/ch-relationships.html#syntax-of-relationship-fields
type VersionRelation string

const (
	RelStrictSmaller VersionRelation = "<<"
	RelSmaller       VersionRelation = "<="
	RelExact         VersionRelation = "="
	RelLarger        VersionRelation = ">="
	RelStrictLarger  VersionRelation = ">>"
)

// PackageRef is a single reference in a dependency expression: a package name
// with an optional architecture qualifier and an optional version constraint.
type PackageRef struct {
	Name string
	// Arch is the architecture qualifier ("amd64", "any", ...) or empty.
	Arch string
	// Relation and Version form the constraint; Relation is empty when the
	// reference is unversioned.
	Relation VersionRelation
	Version  Version
}

// Matches reports whether the given version satisfies the constraint.
// An unversioned reference matches every version.
func (r PackageRef) Matches(v Version) bool {
	switch r.Relation {
	case "":
		return true
	case RelStrictSmaller:
		return v.Compare(r.Version) < 0
	case RelSmaller:
		return v.Compare(r.Version) <= 0
	case RelExact:
		return v.Compare(r.Version) == 0
	case RelLarger:
		return v.Compare(r.Version) >= 0
	case RelStrictLarger:
		return v.Compare(r.Version) > 0
	}
	return false
}

// String renders the reference in control-file syntax.
func (r PackageRef) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if r.Arch != "" {
		b.WriteString(":")
		b.WriteString(r.Arch)
	}
	if r.Relation != "" {
		fmt.Fprintf(&b, " (%s %s)", r.Relation, r.Version)
	}
	return b.String()
}

// Dependency is one entry of a relationship field: a disjunction of
// alternatives ("a | b"). A package satisfies the dependency if it satisfies
// any alternative.
type Dependency []PackageRef

// String renders the alternatives joined by " | ".
func (d Dependency) String() string {
	parts := make([]string, len(d))
	for i, r := range d {
		parts[i] = r.String()
	}
	return strings.Join(parts, " | ")
}

// ParseDepends parses a full relationship field value: comma-separated
// dependencies, each a pipe-separated list of alternatives.
//
//	libc6 (>= 2.34), debconf (>= 0.5) | debconf-2.0
func ParseDepends(s string) ([]Dependency, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var deps []Dependency
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var dep Dependency
		for _, alt := range strings.Split(entry, "|") {
			ref, err := ParseRef(alt)
			if err != nil {
				return nil, fmt.Errorf("parsing dependency entry %q: %w", entry, err)
			}
			dep = append(dep, ref)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// ParseRef parses a single package reference like "foo:amd64 (>= 1.2-3)".
func ParseRef(s string) (PackageRef, error) {
	ref := PackageRef{}
	s = strings.TrimSpace(s)
	if s == "" {
		return ref, fmt.Errorf("empty package reference")
	}

	name := s
	if open := strings.Index(s, "("); open != -1 {
		clos := strings.Index(s, ")")
		if clos < open {
			return ref, fmt.Errorf("unbalanced version constraint in %q", s)
		}
		constraint := strings.TrimSpace(s[open+1 : clos])
		name = strings.TrimSpace(s[:open])

		rel, verStr, err := splitConstraint(constraint)
		if err != nil {
			return ref, fmt.Errorf("reference %q: %w", s, err)
		}
		ver, err := ParseVersion(verStr)
		if err != nil {
			return ref, fmt.Errorf("reference %q: %w", s, err)
		}
		ref.Relation = rel
		ref.Version = ver
	}

	if idx := strings.Index(name, ":"); idx != -1 {
		ref.Arch = name[idx+1:]
		name = name[:idx]
	}
	if name == "" {
		return ref, fmt.Errorf("reference %q has no package name", s)
	}
	ref.Name = name
	return ref, nil
}

// splitConstraint splits "<op> <version>" inside the parentheses. The
// single-character forms "<" and ">" are historical aliases for "<=" and ">=".
func splitConstraint(s string) (VersionRelation, string, error) {
	i := 0
	for i < len(s) && (s[i] == '<' || s[i] == '>' || s[i] == '=') {
		i++
	}
	op := s[:i]
	ver := strings.TrimSpace(s[i:])
	if ver == "" {
		return "", "", fmt.Errorf("constraint %q has no version", s)
	}

	switch op {
	case "<<", "<=", "=", ">=", ">>":
		return VersionRelation(op), ver, nil
	case "<":
		return RelSmaller, ver, nil
	case ">":
		return RelLarger, ver, nil
	}
	return "", "", fmt.Errorf("unknown relation %q in constraint %q", op, s)
}
