// Package boot generates boot payload archives: it extracts the kernel and
// boot packages into a scratch tree, collects the configured payload files
// (kernel images, device trees), and packs them as a tar.
package boot

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/Elektrobit/ebcl-build-tools/compose"
	"github.com/Elektrobit/ebcl-build-tools/fetcher"
	"github.com/Elektrobit/ebcl-build-tools/manifest"
	"github.com/Elektrobit/ebcl-build-tools/proxy"
	"github.com/Elektrobit/ebcl-build-tools/stage"
)

// defaultCollect is used when the config lists no payload globs.
var defaultCollect = []string{"boot/vmlinuz*", "boot/Image*", "boot/*.dtb", "boot/config*", "boot/initrd.img*"}

// Generator builds a boot archive from a config.
type Generator struct {
	cfg     *manifest.Config
	proxy   *proxy.Proxy
	scratch *stage.Tree
	out     *stage.Tree

	KeepStaging bool
	Listener    manifest.Listener
}

// New prepares a generator. The kernel package, when configured, is appended
// to the package list.
func New(cfg *manifest.Config) (*Generator, error) {
	cache, err := fetcher.OpenCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	scratch, err := stage.NewTree(cache.StagingBase(), cache.BlobDir())
	if err != nil {
		return nil, err
	}
	out, err := stage.NewTree(cache.StagingBase(), cache.BlobDir())
	if err != nil {
		return nil, err
	}

	if cfg.Kernel != nil {
		cfg.Packages = append(cfg.Packages, *cfg.Kernel)
	}
	if len(cfg.CollectFiles) == 0 {
		cfg.CollectFiles = defaultCollect
	}

	return &Generator{
		cfg:     cfg,
		proxy:   proxy.New(fetcher.New(cache)),
		scratch: scratch,
		out:     out,
	}, nil
}

func (g *Generator) emit(e fmt.Stringer) {
	if g.Listener != nil {
		g.Listener(e)
	}
}

// Build produces the boot archive and returns its path.
func (g *Generator) Build(ctx context.Context) (string, error) {
	cfg := g.cfg

	if len(cfg.Packages) == 0 {
		return "", &manifest.InvalidConfiguration{Msg: "boot generator needs packages or a kernel"}
	}

	if err := g.proxy.LoadRepos(ctx, cfg.Repos, cfg.Arch); err != nil {
		return "", err
	}

	set, err := g.proxy.Resolve(cfg.Packages, cfg.Arch, cfg.Pins, cfg.Essential)
	if err != nil {
		return "", err
	}
	g.emit(manifest.EventInstallSetResolved{Roots: len(cfg.Packages), Packages: len(set)})

	if _, err := g.proxy.Install(ctx, set, g.scratch); err != nil {
		return "", err
	}

	if cfg.BaseTarball != "" {
		if err := stage.ImportTarball(g.scratch, cfg.BaseTarball, "base-tarball"); err != nil {
			return "", err
		}
	}

	if err := g.collect(); err != nil {
		return "", err
	}

	if err := stage.ApplyOverlays(g.out, cfg.HostFiles); err != nil {
		return "", err
	}

	out := filepath.Join(cfg.OutputPath, g.artifactName())
	opts := cfg.ComposeOptions()
	if err := compose.ComposeFile(g.out, out, opts); err != nil {
		return "", err
	}
	g.emit(manifest.EventArtifactWritten{Path: out, Format: string(opts.Format), Reproducible: opts.Reproducible})
	return out, nil
}

// collect copies the payload files matching the configured globs from the
// scratch tree into the flat output tree.
func (g *Generator) collect() error {
	matched := make(map[string]*stage.FileEntry)

	err := g.scratch.Walk(func(e *stage.FileEntry) error {
		rel := e.Path[1:] // globs are written relative, "boot/vmlinuz*"
		for _, pattern := range g.cfg.CollectFiles {
			ok, err := path.Match(pattern, rel)
			if err != nil {
				return &manifest.InvalidConfiguration{Msg: fmt.Sprintf("invalid files pattern %q", pattern)}
			}
			if ok {
				matched[e.Path] = e
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		return fmt.Errorf("no boot payload matched %v", g.cfg.CollectFiles)
	}

	paths := make([]string, 0, len(matched))
	for p := range matched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		src := matched[p]
		entry := *src
		// Boot payloads land flat in the archive root, symlinks resolved
		// to their target content.
		if src.Kind == stage.KindSymlink {
			target := g.scratch.Lookup(resolveLink(src))
			if target == nil || target.Kind != stage.KindRegular {
				logrus.WithField("path", p).Warn("skipping dangling boot symlink")
				continue
			}
			entry = *target
		}
		entry.Path = "/" + path.Base(p)
		logrus.WithFields(logrus.Fields{"file": p, "as": entry.Path}).Info("collecting boot file")
		if err := g.out.Insert(&entry); err != nil {
			return err
		}
	}
	return nil
}

// resolveLink maps a symlink entry to the absolute path of its target.
func resolveLink(e *stage.FileEntry) string {
	if path.IsAbs(e.LinkTarget) {
		return e.LinkTarget
	}
	return path.Join(path.Dir(e.Path), e.LinkTarget)
}

func (g *Generator) artifactName() string {
	name := g.cfg.Name
	if name == "" {
		name = "boot"
	}
	return name + "." + string(g.cfg.Format) + g.cfg.Compression.Extension()
}

// Finalize removes the staging directories unless KeepStaging is set.
func (g *Generator) Finalize() {
	if g.KeepStaging {
		logrus.WithFields(logrus.Fields{
			"scratch": g.scratch.Root(),
			"output":  g.out.Root(),
		}).Info("keeping staging directories")
		return
	}
	g.scratch.Cleanup()
	g.out.Cleanup()
}
