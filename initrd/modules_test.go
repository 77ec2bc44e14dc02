package initrd

import (
	"os"
	"path/filepath"
	"testing"
)

const testDepmod = `# comment
kernel/drivers/block/virtio_blk.ko: kernel/drivers/virtio/virtio.ko kernel/drivers/virtio/virtio_ring.ko
kernel/drivers/virtio/virtio.ko:
kernel/drivers/virtio/virtio_ring.ko: kernel/drivers/virtio/virtio.ko
kernel/net/dummy.ko:
`

const testBuiltin = `kernel/fs/ext4/ext4.ko
`

func writeModuleIndex(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "modules.dep"), []byte(testDepmod), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "modules.builtin"), []byte(testBuiltin), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadModules(t *testing.T) {
	registry, err := LoadModules(writeModuleIndex(t))
	if err != nil {
		t.Fatalf("LoadModules failed: %v", err)
	}

	mod := registry.Find("virtio_blk")
	if mod == nil {
		t.Fatalf("virtio_blk not found")
	}
	if len(mod.Dependencies) != 2 {
		t.Errorf("expected 2 dependencies, got %d", len(mod.Dependencies))
	}

	if registry.Find("missing") != nil {
		t.Errorf("missing module should be nil")
	}

	// The historical file-name form still resolves.
	if registry.Find("virtio_blk.ko") == nil {
		t.Errorf("file-name lookup failed")
	}

	builtin := registry.Find("ext4")
	if builtin == nil || !builtin.Builtin {
		t.Errorf("builtin module not flagged: %+v", builtin)
	}
}

func TestModuleClosure(t *testing.T) {
	registry, err := LoadModules(writeModuleIndex(t))
	if err != nil {
		t.Fatalf("LoadModules failed: %v", err)
	}

	mod := registry.Find("virtio_blk")
	closure := registry.Closure(mod)

	names := make(map[string]bool)
	for _, m := range closure {
		names[m.Name()] = true
	}
	for _, want := range []string{"virtio_blk", "virtio", "virtio_ring"} {
		if !names[want] {
			t.Errorf("closure missing %s (have %v)", want, names)
		}
	}
	if len(closure) != 3 {
		t.Errorf("expected closure of 3, got %d", len(closure))
	}

	// Dependencies come before the requesting module.
	if closure[len(closure)-1].Name() != "virtio_blk" {
		t.Errorf("requested module should be last: %v", closure)
	}
}

func TestModuleDependencyLine(t *testing.T) {
	registry, err := LoadModules(writeModuleIndex(t))
	if err != nil {
		t.Fatalf("LoadModules failed: %v", err)
	}
	mod := registry.Find("virtio_ring")
	want := "kernel/drivers/virtio/virtio_ring.ko: kernel/drivers/virtio/virtio.ko"
	if got := mod.DependencyLine(); got != want {
		t.Errorf("DependencyLine() = %q, want %q", got, want)
	}
}
