package stage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTree(t *testing.T) *Tree {
	t.Helper()
	dir := t.TempDir()
	tree, err := NewTree(filepath.Join(dir, "staging"), filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("NewTree failed: %v", err)
	}
	return tree
}

func TestInsertCreatesParents(t *testing.T) {
	tree := newTree(t)
	if err := WriteFile(tree, "/usr/share/doc/readme", []byte("hi"), 0o644, 0, 0); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	for _, dir := range []string{"/usr", "/usr/share", "/usr/share/doc"} {
		e := tree.Lookup(dir)
		if e == nil || e.Kind != KindDirectory {
			t.Errorf("parent %s not created: %+v", dir, e)
		}
	}
	if tree.Len() != 4 {
		t.Errorf("expected 4 entries, got %d", tree.Len())
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"./usr/bin/sh": "/usr/bin/sh",
		"usr/bin/sh":   "/usr/bin/sh",
		"/usr//bin/":   "/usr/bin",
		"./":           "/",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChownIsTableOnly(t *testing.T) {
	tree := newTree(t)
	if err := WriteFile(tree, "/etc/shadow", []byte("x"), 0o640, 0, 0); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := tree.Chown("/etc/shadow", 0, 42); err != nil {
		t.Fatalf("Chown failed: %v", err)
	}

	e := tree.Lookup("/etc/shadow")
	if e.GID != 42 {
		t.Errorf("gid not recorded: %+v", e)
	}
	// The file on disk still belongs to the unprivileged user; only the
	// table carries the ownership.
	if _, err := os.Stat(tree.DiskPath("/etc/shadow")); err != nil {
		t.Errorf("mirror file missing: %v", err)
	}

	if err := tree.Chown("/nonexistent", 0, 0); err == nil {
		t.Errorf("chown of missing entry should fail")
	}
}

func TestBlobStoreDeduplicates(t *testing.T) {
	tree := newTree(t)
	content := "identical bytes"

	h1, _, err := tree.Blobs().Put(strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	h2, size, err := tree.Blobs().Put(strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("same content, different hashes: %s, %s", h1, h2)
	}
	if size != int64(len(content)) {
		t.Errorf("unexpected size %d", size)
	}

	data, err := tree.Blobs().Read(h1)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != content {
		t.Errorf("blob content mismatch")
	}
}

func TestWalkSortedOrder(t *testing.T) {
	tree := newTree(t)
	for _, p := range []string{"/z", "/a/b", "/m"} {
		if err := WriteFile(tree, p, []byte("x"), 0o644, 0, 0); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	var paths []string
	tree.Walk(func(e *FileEntry) error {
		paths = append(paths, e.Path)
		return nil
	})

	for i := 1; i < len(paths); i++ {
		if paths[i-1] >= paths[i] {
			t.Fatalf("walk not sorted: %v", paths)
		}
	}
}

func TestOverlayDirectory(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "conf.d"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "conf.d", "10-main.conf"), []byte("a=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("10-main.conf", filepath.Join(src, "conf.d", "default.conf")); err != nil {
		t.Fatal(err)
	}

	tree := newTree(t)
	overlays := []Overlay{{Source: filepath.Join(src, "conf.d"), Destination: "/etc/app", UID: 0, GID: 0}}
	if err := ApplyOverlays(tree, overlays); err != nil {
		t.Fatalf("ApplyOverlays failed: %v", err)
	}

	file := tree.Lookup("/etc/app/10-main.conf")
	if file == nil || file.Kind != KindRegular || file.Mode != 0o600 {
		t.Errorf("overlay file wrong: %+v", file)
	}
	if file.Origin != "overlay" {
		t.Errorf("origin should be overlay, got %s", file.Origin)
	}
	link := tree.Lookup("/etc/app/default.conf")
	if link == nil || link.Kind != KindSymlink || link.LinkTarget != "10-main.conf" {
		t.Errorf("overlay symlink wrong: %+v", link)
	}
}

func TestOverlayModeOverride(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "script.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tree := newTree(t)
	overlays := []Overlay{{Source: path, Destination: "/usr/bin/script", Mode: 0o755, UID: 10, GID: 20}}
	if err := ApplyOverlays(tree, overlays); err != nil {
		t.Fatalf("ApplyOverlays failed: %v", err)
	}

	e := tree.Lookup("/usr/bin/script")
	if e == nil || e.Mode != 0o755 || e.UID != 10 || e.GID != 20 {
		t.Errorf("override not applied: %+v", e)
	}
}

func TestOverlayMissingSource(t *testing.T) {
	tree := newTree(t)
	err := ApplyOverlays(tree, []Overlay{{Source: filepath.Join(t.TempDir(), "missing")}})
	if err == nil {
		t.Fatalf("missing overlay source should fail")
	}
}

func TestMknodPlaceholder(t *testing.T) {
	tree := newTree(t)
	if err := Mknod(tree, "/dev/null", KindCharDevice, 1, 3, 0o666, 0, 0); err != nil {
		t.Fatalf("Mknod failed: %v", err)
	}

	e := tree.Lookup("/dev/null")
	if e == nil || e.Kind != KindCharDevice || e.DevMajor != 1 || e.DevMinor != 3 {
		t.Fatalf("device entry wrong: %+v", e)
	}

	fi, err := os.Stat(tree.DiskPath("/dev/null"))
	if err != nil {
		t.Fatalf("placeholder missing: %v", err)
	}
	if !fi.Mode().IsRegular() {
		t.Errorf("placeholder should be a regular file")
	}

	if err := Mknod(tree, "/dev/bad", KindRegular, 0, 0, 0o666, 0, 0); err == nil {
		t.Errorf("Mknod with non-device kind should fail")
	}
}
