// Package initrd generates initial RAM filesystem images: a busybox
// userland, selected kernel modules, device nodes and a generated /init
// script, packed as a cpio (newc) archive.
package initrd

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Elektrobit/ebcl-build-tools/compose"
	"github.com/Elektrobit/ebcl-build-tools/deb"
	"github.com/Elektrobit/ebcl-build-tools/fetcher"
	"github.com/Elektrobit/ebcl-build-tools/manifest"
	"github.com/Elektrobit/ebcl-build-tools/proxy"
	"github.com/Elektrobit/ebcl-build-tools/stage"
)

// skeletonDirs are created in every initrd, mode 0755.
var skeletonDirs = []string{
	"proc", "sys", "dev", "sysroot", "var", "usr/bin",
	"tmp", "run", "root", "usr", "usr/sbin", "usr/lib", "etc",
}

// usrMergeLinks are the usual merged-usr compatibility symlinks.
var usrMergeLinks = map[string]string{
	"/lib":    "usr/lib",
	"/lib32":  "usr/lib32",
	"/lib64":  "usr/lib64",
	"/libx32": "usr/libx32",
	"/bin":    "usr/bin",
	"/sbin":   "usr/sbin",
}

// defaultInitTemplate is the fallback /init script. The module list and root
// device come from the configuration.
const defaultInitTemplate = `#!/bin/sh
mount -t proc proc /proc
mount -t sysfs sysfs /sys
mount -t devtmpfs devtmpfs /dev
{{range .mods}}modprobe {{.}}
{{end}}mount {{.root}} /sysroot
mount --move /dev /sysroot/dev
exec switch_root /sysroot /sbin/init
`

// Generator builds an initrd image from a config.
type Generator struct {
	cfg   *manifest.Config
	proxy *proxy.Proxy
	tree  *stage.Tree

	KeepStaging bool
	Listener    manifest.Listener
}

// New prepares the generator. A missing busybox entry defaults to the
// busybox-static package.
func New(cfg *manifest.Config) (*Generator, error) {
	cache, err := fetcher.OpenCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	tree, err := stage.NewTree(cache.StagingBase(), cache.BlobDir())
	if err != nil {
		return nil, err
	}

	if cfg.Busybox == nil {
		cfg.Busybox = &deb.PackageRef{Name: "busybox-static"}
	}
	if !cfg.FormatSet {
		cfg.Format = compose.FormatCpio
		cfg.Compression = compose.CompressionGzip
	}

	return &Generator{
		cfg:   cfg,
		proxy: proxy.New(fetcher.New(cache)),
		tree:  tree,
	}, nil
}

// Tree exposes the staging tree, mostly for tests.
func (g *Generator) Tree() *stage.Tree { return g.tree }

func (g *Generator) emit(e fmt.Stringer) {
	if g.Listener != nil {
		g.Listener(e)
	}
}

// Build produces the initrd image and returns its path.
func (g *Generator) Build(ctx context.Context) (string, error) {
	cfg := g.cfg

	if err := g.proxy.LoadRepos(ctx, cfg.Repos, cfg.Arch); err != nil {
		return "", err
	}

	if err := g.skeleton(); err != nil {
		return "", err
	}

	roots := append([]deb.PackageRef{*cfg.Busybox}, cfg.Packages...)
	set, err := g.proxy.Resolve(roots, cfg.Arch, cfg.Pins, cfg.Essential)
	if err != nil {
		return "", err
	}
	g.emit(manifest.EventInstallSetResolved{Roots: len(roots), Packages: len(set)})

	if _, err := g.proxy.Install(ctx, set, g.tree); err != nil {
		return "", err
	}
	if err := g.checkBusybox(); err != nil {
		return "", err
	}

	if cfg.BaseTarball != "" {
		if err := stage.ImportTarball(g.tree, cfg.BaseTarball, "base-tarball"); err != nil {
			return "", err
		}
	}

	requested, err := g.installModules(ctx)
	if err != nil {
		return "", err
	}

	for _, dev := range cfg.Devices {
		if err := g.addDevice(dev); err != nil {
			return "", err
		}
	}

	if err := stage.ApplyOverlays(g.tree, cfg.HostFiles); err != nil {
		return "", err
	}

	if err := g.writeInit(requested); err != nil {
		return "", err
	}

	out := filepath.Join(cfg.OutputPath, g.artifactName())
	opts := cfg.ComposeOptions()
	if err := compose.ComposeFile(g.tree, out, opts); err != nil {
		return "", err
	}
	g.emit(manifest.EventArtifactWritten{Path: out, Format: string(opts.Format), Reproducible: opts.Reproducible})
	return out, nil
}

// skeleton creates the directory layout and the usr-merge symlinks.
func (g *Generator) skeleton() error {
	for _, dir := range skeletonDirs {
		if err := stage.Mkdir(g.tree, "/"+dir, 0o755); err != nil {
			return err
		}
	}
	links := make([]string, 0, len(usrMergeLinks))
	for link := range usrMergeLinks {
		links = append(links, link)
	}
	sort.Strings(links)
	for _, link := range links {
		if err := stage.Symlink(g.tree, link, usrMergeLinks[link]); err != nil {
			return err
		}
	}
	return nil
}

// checkBusybox verifies the busybox binary landed in the tree.
func (g *Generator) checkBusybox() error {
	for _, p := range []string{"/bin/busybox", "/usr/bin/busybox"} {
		if e := g.tree.Lookup(p); e != nil {
			return nil
		}
	}
	return fmt.Errorf("busybox binary missing after package installation")
}

// installModules extracts the kernel package (or uses the configured modules
// folder), selects the requested modules plus dependencies, and copies them
// with a trimmed modules.dep. It returns the names of the requested,
// non-builtin modules for the init script.
func (g *Generator) installModules(ctx context.Context) ([]string, error) {
	cfg := g.cfg
	if len(cfg.Modules) == 0 {
		logrus.Info("no modules requested")
		return nil, nil
	}

	modsBase, cleanup, err := g.moduleSource(ctx)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}

	kver, err := g.kernelVersion(modsBase)
	if err != nil {
		return nil, err
	}
	logrus.WithField("version", kver).Info("using kernel version")

	modsDir := filepath.Join(modsBase, "lib", "modules", kver)
	registry, err := LoadModules(modsDir)
	if err != nil {
		return nil, err
	}

	var requested []string
	selected := make(map[string]*Module)
	for _, name := range cfg.Modules {
		mod := registry.Find(name)
		if mod == nil {
			return nil, &manifest.InvalidConfiguration{Msg: fmt.Sprintf("module %s not found", name)}
		}
		if mod.Builtin {
			logrus.WithField("module", mod.Name()).Info("module is built into the kernel")
			continue
		}
		requested = append(requested, mod.Name())
		for _, m := range registry.Closure(mod) {
			selected[m.Path] = m
		}
	}

	// /lib is a usr-merge symlink in the tree; modules live under the
	// real /usr/lib path.
	treeBase := path.Join("/usr/lib/modules", kver)
	var depLines []string
	paths := make([]string, 0, len(selected))
	for p := range selected {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		mod := selected[p]
		src := filepath.Join(modsDir, filepath.FromSlash(p))
		if err := g.copyModule(src, path.Join(treeBase, p)); err != nil {
			return nil, err
		}
		depLines = append(depLines, mod.DependencyLine())
	}

	dep := strings.Join(depLines, "\n") + "\n"
	if err := stage.WriteFile(g.tree, path.Join(treeBase, "modules.dep"), []byte(dep), 0o644, 0, 0); err != nil {
		return nil, err
	}
	return requested, nil
}

// moduleSource yields the directory containing lib/modules: the configured
// folder, or a scratch tree with the kernel package extracted.
func (g *Generator) moduleSource(ctx context.Context) (string, func(), error) {
	cfg := g.cfg
	if cfg.ModulesFolder != "" {
		logrus.WithField("folder", cfg.ModulesFolder).Info("using modules folder")
		return cfg.ModulesFolder, nil, nil
	}
	if cfg.Kernel == nil {
		return "", nil, &manifest.InvalidConfiguration{Msg: "modules requested but no kernel or modules_folder configured"}
	}

	scratch, err := stage.NewTree(g.proxy.Fetcher.Cache().StagingBase(), g.proxy.Fetcher.Cache().BlobDir())
	if err != nil {
		return "", nil, err
	}
	set, err := g.proxy.Resolve([]deb.PackageRef{*cfg.Kernel}, cfg.Arch, cfg.Pins, false)
	if err != nil {
		return "", nil, err
	}
	if _, err := g.proxy.Install(ctx, set, scratch); err != nil {
		return "", nil, err
	}
	return scratch.Root(), scratch.Cleanup, nil
}

// kernelVersion picks the last directory name under lib/modules in lexical
// string order; no configuration key overrides it.
func (g *Generator) kernelVersion(modsBase string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(modsBase, "lib", "modules"))
	if err != nil || len(entries) == 0 {
		return "", &manifest.InvalidConfiguration{Msg: "kernel version not found under lib/modules"}
	}
	versions := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	if len(versions) == 0 {
		return "", &manifest.InvalidConfiguration{Msg: "kernel version not found under lib/modules"}
	}
	sort.Strings(versions)
	return versions[len(versions)-1], nil
}

func (g *Generator) copyModule(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("reading module %s: %w", src, err)
	}
	defer f.Close()
	hash, size, err := g.tree.Blobs().Put(f)
	if err != nil {
		return err
	}
	return g.tree.Insert(&stage.FileEntry{
		Path:   dst,
		Kind:   stage.KindRegular,
		Mode:   0o644,
		Size:   size,
		Blob:   hash,
		Origin: "kernel-modules",
	})
}

// addDevice records a device node in the staging table.
func (g *Generator) addDevice(dev manifest.DeviceSpec) error {
	kind := stage.KindCharDevice
	if dev.Type == "block" {
		kind = stage.KindBlockDevice
	}
	return stage.Mknod(g.tree, path.Join("/dev", dev.Name), kind, dev.Major, dev.Minor, dev.Mode, dev.UID, dev.GID)
}

// writeInit renders the /init script from the configured template or the
// built-in default.
func (g *Generator) writeInit(modules []string) error {
	params := map[string]interface{}{
		"root": g.cfg.RootDevice,
		"mods": modules,
	}

	var content string
	var err error
	if g.cfg.Template != "" {
		content, err = manifest.RenderTemplate(g.cfg.Template, params)
	} else {
		content, err = manifest.RenderText("init", defaultInitTemplate, params)
	}
	if err != nil {
		return fmt.Errorf("rendering init script: %w", err)
	}
	return stage.WriteFile(g.tree, "/init", []byte(content), 0o755, 0, 0)
}

func (g *Generator) artifactName() string {
	name := g.cfg.Name
	if name == "" {
		name = "initrd"
	}
	return name + ".img" + g.cfg.Compression.Extension()
}

// Finalize removes the staging directory unless KeepStaging is set.
func (g *Generator) Finalize() {
	if g.KeepStaging {
		logrus.WithField("dir", g.tree.Root()).Info("keeping staging directory")
		return
	}
	g.tree.Cleanup()
}
