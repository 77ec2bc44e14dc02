package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Elektrobit/ebcl-build-tools/apt"
	"github.com/Elektrobit/ebcl-build-tools/compose"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
name: demo
arch: arm64
apt_repos:
  - apt_repo: http://ports.ubuntu.com/ubuntu-ports
    distro: jammy
    components: [main, universe]
    trust: unsigned-allowed
  - apt_repo: http://example.com/flat
packages:
  - busybox-static
  - util-linux (>= 2.37)
kernel: linux-image-generic
modules:
  - virtio_blk
root_device: /dev/vda2
devices:
  - name: console
    type: char
    major: 5
    minor: 1
host_files:
  - source: files/interfaces
    destination: /etc/network/interfaces
    mode: "644"
output_format: tar:xz
reproducible: true
hostname: demo-target
`)

	cfg, err := Load(path, "/tmp/out")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Name != "demo" || cfg.Arch != "arm64" {
		t.Errorf("identity wrong: %s %s", cfg.Name, cfg.Arch)
	}

	if len(cfg.Repos) != 2 {
		t.Fatalf("expected 2 repos, got %d", len(cfg.Repos))
	}
	if cfg.Repos[0].Suite != "jammy" || cfg.Repos[0].Trust != apt.TrustUnsignedAllowed {
		t.Errorf("repo 0 wrong: %+v", cfg.Repos[0])
	}
	if cfg.Repos[1].Suite != "" {
		t.Errorf("repo 1 should be flat: %+v", cfg.Repos[1])
	}

	if len(cfg.Packages) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(cfg.Packages))
	}
	if cfg.Packages[1].Name != "util-linux" || cfg.Packages[1].Version.Upstream != "2.37" {
		t.Errorf("package constraint not parsed: %+v", cfg.Packages[1])
	}

	if cfg.Kernel == nil || cfg.Kernel.Name != "linux-image-generic" {
		t.Errorf("kernel not parsed: %+v", cfg.Kernel)
	}

	if len(cfg.Devices) != 1 || cfg.Devices[0].Major != 5 || cfg.Devices[0].Mode != 0o200 {
		t.Errorf("device wrong: %+v", cfg.Devices)
	}

	if len(cfg.HostFiles) != 1 {
		t.Fatalf("expected 1 host file")
	}
	hf := cfg.HostFiles[0]
	if hf.Mode != 0o644 || hf.Destination != "/etc/network/interfaces" {
		t.Errorf("host file wrong: %+v", hf)
	}
	// Relative sources resolve against the config directory.
	if !filepath.IsAbs(hf.Source) {
		t.Errorf("source not resolved: %s", hf.Source)
	}

	if cfg.Format != compose.FormatTar || cfg.Compression != compose.CompressionXz {
		t.Errorf("output format wrong: %s %s", cfg.Format, cfg.Compression)
	}
	if !cfg.FormatSet || !cfg.Reproducible {
		t.Errorf("flags wrong: %v %v", cfg.FormatSet, cfg.Reproducible)
	}
	if cfg.Hostname != "demo-target" {
		t.Errorf("hostname wrong: %s", cfg.Hostname)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "arch: amd64\n")
	cfg, err := Load(path, "/tmp/out")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Format != compose.FormatTar || cfg.Compression != compose.CompressionNone {
		t.Errorf("default format wrong: %s %s", cfg.Format, cfg.Compression)
	}
	if cfg.FormatSet {
		t.Errorf("FormatSet should be false for the default")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string]string{
		"missing arch":   "packages: [vim]\n",
		"bad format":     "arch: amd64\noutput_format: iso\n",
		"bad package":    "arch: amd64\npackages: ['vim (?? 1)']\n",
		"bad device":     "arch: amd64\ndevices: [{name: x, type: loop}]\n",
		"repo sans url":  "arch: amd64\napt_repos: [{distro: jammy}]\n",
		"bad mode":       "arch: amd64\nhost_files: [{source: x, mode: xyz}]\n",
	}
	for name, content := range cases {
		path := writeConfig(t, content)
		_, err := Load(path, "/tmp/out")
		var invalid *InvalidConfiguration
		if !errors.As(err, &invalid) {
			t.Errorf("%s: expected InvalidConfiguration, got %v", name, err)
		}
	}
}

func TestLoadConfigIgnoresUnknownKeys(t *testing.T) {
	path := writeConfig(t, "arch: amd64\nsysroot_defaults: true\nscripts: [{name: config.sh}]\n")
	if _, err := Load(path, "/tmp/out"); err != nil {
		t.Fatalf("unknown keys must be ignored: %v", err)
	}
}

func TestRenderText(t *testing.T) {
	out, err := RenderText("init", "root={{.root}} mods={{range .mods}}{{.}} {{end}}",
		map[string]interface{}{"root": "/dev/vda2", "mods": []string{"virtio_blk"}})
	if err != nil {
		t.Fatalf("RenderText failed: %v", err)
	}
	if out != "root=/dev/vda2 mods=virtio_blk " {
		t.Errorf("unexpected render: %q", out)
	}

	// Plain content passes through untouched.
	plain, err := RenderText("plain", "#!/bin/sh\nexit 0\n", nil)
	if err != nil || plain != "#!/bin/sh\nexit 0\n" {
		t.Errorf("plain content mangled: %q %v", plain, err)
	}
}
