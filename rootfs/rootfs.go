// Package rootfs generates root filesystem tarballs: it resolves the
// configured package list, extracts everything into a staging tree, applies
// host-file overlays, and composes the result.
package rootfs

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/Elektrobit/ebcl-build-tools/compose"
	"github.com/Elektrobit/ebcl-build-tools/deb"
	"github.com/Elektrobit/ebcl-build-tools/fetcher"
	"github.com/Elektrobit/ebcl-build-tools/manifest"
	"github.com/Elektrobit/ebcl-build-tools/proxy"
	"github.com/Elektrobit/ebcl-build-tools/stage"
)

// Generator builds a root filesystem artifact from a config.
type Generator struct {
	cfg   *manifest.Config
	proxy *proxy.Proxy
	tree  *stage.Tree

	// KeepStaging leaves the staging directory behind for inspection.
	KeepStaging bool
	// Listener receives build progress events; nil is fine.
	Listener manifest.Listener
}

// New prepares a generator: cache, fetcher and staging tree.
func New(cfg *manifest.Config) (*Generator, error) {
	cache, err := fetcher.OpenCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	tree, err := stage.NewTree(cache.StagingBase(), cache.BlobDir())
	if err != nil {
		return nil, err
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

// Build produces the rootfs artifact and returns its path.
func (g *Generator) Build(ctx context.Context) (string, error) {
	cfg := g.cfg

	if err := g.proxy.LoadRepos(ctx, cfg.Repos, cfg.Arch); err != nil {
		return "", err
	}
	for _, repo := range g.proxy.Repos {
		g.emit(manifest.EventRepositoryIndexed{
			Repo:     repo.Config.SourcesEntry(),
			Packages: repo.Len(),
			Signed:   repo.Signed.String(),
		})
	}

	if missing := g.proxy.Missing(cfg.Packages); len(missing) > 0 {
		return "", fmt.Errorf("packages not found in any repository: %v", missing)
	}

	set, err := g.proxy.Resolve(cfg.Packages, cfg.Arch, cfg.Pins, cfg.Essential)
	if err != nil {
		return "", err
	}
	g.emit(manifest.EventInstallSetResolved{Roots: len(cfg.Packages), Packages: len(set)})
	logrus.WithField("packages", len(set)).Info("install set resolved")

	if cfg.BaseTarball != "" {
		logrus.WithField("tarball", cfg.BaseTarball).Info("importing base tarball")
		if err := stage.ImportTarball(g.tree, cfg.BaseTarball, "base-tarball"); err != nil {
			return "", err
		}
	}

	controls, err := g.proxy.Install(ctx, set, g.tree)
	if err != nil {
		return "", err
	}
	for _, c := range set {
		control := controls[c.Name]
		g.emit(manifest.EventPackageUnpacked{
			Package:      c.Name,
			Version:      c.RawVersion,
			Architecture: c.Architecture,
			Scripts:      len(control.Scripts),
		})
	}
	g.reportScripts(controls)

	if err := stage.ApplyOverlays(g.tree, cfg.HostFiles); err != nil {
		return "", err
	}

	if cfg.Hostname != "" {
		if err := g.writeHostFiles(); err != nil {
			return "", err
		}
	}

	out := filepath.Join(cfg.OutputPath, g.artifactName())
	opts := cfg.ComposeOptions()
	if err := compose.ComposeFile(g.tree, out, opts); err != nil {
		return "", err
	}
	g.emit(manifest.EventArtifactWritten{Path: out, Format: string(opts.Format), Reproducible: opts.Reproducible})
	return out, nil
}

// reportScripts logs the maintainer scripts found in the install set. The
// core never runs them; an outer provisioning step decides.
func (g *Generator) reportScripts(controls map[string]*deb.ControlData) {
	var names []string
	for name, c := range controls {
		if len(c.Scripts) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		scripts := controls[name].Scripts
		kinds := make([]string, 0, len(scripts))
		for k := range scripts {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		logrus.WithFields(logrus.Fields{
			"package": name,
			"scripts": kinds,
		}).Info("maintainer scripts stored, not executed")
	}
}

// writeHostFiles emits /etc/hostname and /etc/hosts for the configured name.
func (g *Generator) writeHostFiles() error {
	cfg := g.cfg
	if err := stage.WriteFile(g.tree, "/etc/hostname", []byte(cfg.Hostname+"\n"), 0o644, 0, 0); err != nil {
		return err
	}
	fqdn := cfg.Hostname
	if cfg.Domain != "" {
		fqdn = cfg.Hostname + "." + cfg.Domain
	}
	hosts := fmt.Sprintf("127.0.0.1 localhost\n127.0.1.1 %s %s\n", fqdn, cfg.Hostname)
	return stage.WriteFile(g.tree, "/etc/hosts", []byte(hosts), 0o644, 0, 0)
}

func (g *Generator) artifactName() string {
	name := g.cfg.Name
	if name == "" {
		name = "root"
	}
	return name + "." + string(g.cfg.Format) + g.cfg.Compression.Extension()
}

// Finalize removes the staging directory unless KeepStaging is set.
func (g *Generator) Finalize() {
	if g.KeepStaging {
		logrus.WithField("dir", g.tree.Root()).Info("keeping staging directory")
		return
	}
	g.tree.Cleanup()
}
