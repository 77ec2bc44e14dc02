// Package proxy wires the core components together: it loads repository
// indexes, resolves package lists, and downloads and extracts the resulting
// install set into a staging tree with bounded parallelism.
package proxy

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Elektrobit/ebcl-build-tools/apt"
	"github.com/Elektrobit/ebcl-build-tools/deb"
	"github.com/Elektrobit/ebcl-build-tools/fetcher"
	"github.com/Elektrobit/ebcl-build-tools/resolver"
	"github.com/Elektrobit/ebcl-build-tools/stage"
)

// defaultNetWorkers bounds concurrent downloads; fetches are I/O bound and
// tolerate more parallelism than extraction.
const defaultNetWorkers = 8

// Proxy aggregates the configured repositories and serves package downloads
// and extraction against them.
type Proxy struct {
	Fetcher *fetcher.Fetcher
	Repos   []*apt.Repository

	// NetWorkers is the download parallelism (default 8); Workers the
	// extraction parallelism (default CPU count, minimum 1).
	NetWorkers int
	Workers    int
}

// New creates a Proxy over the given fetcher.
func New(f *fetcher.Fetcher) *Proxy {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	return &Proxy{
		Fetcher:    f,
		NetWorkers: defaultNetWorkers,
		Workers:    workers,
	}
}

// LoadRepos fetches and parses the indexes for all repo configs, in
// configuration order. Index loads run concurrently; the resulting priority
// order is the configuration order regardless of completion order.
func (p *Proxy) LoadRepos(ctx context.Context, configs []apt.RepoConfig, arch string) error {
	repos := make([]*apt.Repository, len(configs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.NetWorkers)
	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			repo, err := apt.LoadIndex(ctx, p.Fetcher, cfg, arch)
			if err != nil {
				return err
			}
			repos[i] = repo
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.Repos = append(p.Repos, repos...)
	for _, r := range p.Repos {
		logrus.WithField("repo", r.Config.SourcesEntry()).Debug("repository active")
	}
	return nil
}

// Resolve computes the install set for the given roots against the loaded
// repositories.
func (p *Proxy) Resolve(roots []deb.PackageRef, arch string, pins map[string]deb.Version, essential bool) (resolver.InstallSet, error) {
	return resolver.Resolve(resolver.Request{
		Roots:            roots,
		Arch:             arch,
		Repos:            p.Repos,
		Pins:             pins,
		IncludeEssential: essential,
	})
}

// Download fetches the archives of the install set into the cache and
// returns the local paths in set order.
func (p *Proxy) Download(ctx context.Context, set resolver.InstallSet) ([]string, error) {
	paths := make([]string, len(set))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.NetWorkers)
	for i, c := range set {
		i, c := i, c
		g.Go(func() error {
			path, err := p.Fetcher.Fetch(ctx, c.URL(), c.SHA256)
			if err != nil {
				return err
			}
			paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// Install downloads and extracts the install set into the staging tree and
// returns the control data of every package, keyed by name. Downloads and
// extraction are pipelined: each package unpacks as soon as its archive is
// verified, bounded by the extraction worker count.
func (p *Proxy) Install(ctx context.Context, set resolver.InstallSet, tree *stage.Tree) (map[string]*deb.ControlData, error) {
	replaces := replacesTable(set)

	controls := make(map[string]*deb.ControlData, len(set))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Workers)
	for _, c := range set {
		c := c
		g.Go(func() error {
			path, err := p.Fetcher.Fetch(ctx, c.URL(), c.SHA256)
			if err != nil {
				return err
			}

			logrus.WithField("package", c.String()).Info("unpacking")
			control, err := deb.Unpack(ctx, path, c.Info(), tree, replaces)
			if err != nil {
				return err
			}

			mu.Lock()
			controls[c.Name] = control
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return controls, nil
}

// Missing returns the requested roots that no loaded repository can name,
// used for early, friendlier failure reports.
func (p *Proxy) Missing(roots []deb.PackageRef) []string {
	var missing []string
	for _, ref := range roots {
		found := false
		for _, repo := range p.Repos {
			if len(repo.Get(ref.Name)) > 0 || len(repo.Providers(ref.Name)) > 0 {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, ref.Name)
		}
	}
	sort.Strings(missing)
	return missing
}

// replacesTable builds the Replaces lookup the collision policy consults.
func replacesTable(set resolver.InstallSet) deb.ReplacesFunc {
	table := make(map[string]map[string]bool, len(set))
	for _, c := range set {
		m := make(map[string]bool)
		for _, dep := range c.Replaces {
			for _, ref := range dep {
				m[ref.Name] = true
			}
		}
		table[c.Name] = m
	}
	return func(a, b string) bool {
		return table[a][b]
	}
}
