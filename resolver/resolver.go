// Package resolver computes a closed, deterministically ordered install set
// from a list of root package references and a prioritized list of repository
// indexes.
//
// The search is best-first with backtracking: for every reference the
// candidates are ranked by repository priority and version, alternatives of a
// dependency ("a | b") are tried left to right, and a conflict with an
// already chosen package rewinds the search to the last recorded alternative.
// Resolution is purely in-memory; nothing in here performs I/O.
package resolver

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/Elektrobit/ebcl-build-tools/apt"
	"github.com/Elektrobit/ebcl-build-tools/deb"
)

// Request is the input of a resolution run.
type Request struct {
	// Roots are the requested packages.
	Roots []deb.PackageRef
	// Arch is the target architecture ("amd64", "arm64", ...).
	Arch string
	// Repos are the loaded repository indexes in priority order; the
	// earlier repo wins ties.
	Repos []*apt.Repository
	// Pins forces exact versions for the named packages.
	Pins map[string]deb.Version
	// IncludeEssential seeds the frontier with every package flagged
	// Essential: yes in any repository.
	IncludeEssential bool
}

// InstallSet is the result of resolution: candidates in topological unpack
// order, dependencies before dependents.
type InstallSet []*apt.Candidate

// Resolve computes the install set for the request. The result is total and
// deterministic: the same request against the same indexes yields the same
// set in the same order.
func Resolve(req Request) (InstallSet, error) {
	s := &solver{req: req}

	st := newState()
	for _, ref := range req.Roots {
		st.frontier = append(st.frontier, work{dep: deb.Dependency{ref}})
	}
	if req.IncludeEssential {
		for _, name := range essentialNames(req.Repos) {
			st.frontier = append(st.frontier, work{dep: deb.Dependency{{Name: name}}})
		}
	}

	if err := s.run(st); err != nil {
		return nil, err
	}
	return s.unpackOrder(st)
}

// work is one frontier entry: a dependency (disjunction of alternatives) and
// the chain of package names that demanded it.
type work struct {
	dep   deb.Dependency
	chain []string
}

// selection is one chosen candidate with its provenance.
type selection struct {
	cand  *apt.Candidate
	prio  int
	chain []string
}

// state is the mutable search state. It is cloned at every backtrack point.
type state struct {
	chosen   map[string]*selection
	order    []string
	frontier []work
}

func newState() *state {
	return &state{chosen: make(map[string]*selection)}
}

func (st *state) clone() *state {
	c := &state{
		chosen:   make(map[string]*selection, len(st.chosen)),
		order:    append([]string(nil), st.order...),
		frontier: append([]work(nil), st.frontier...),
	}
	for k, v := range st.chosen {
		c.chosen[k] = v
	}
	return c
}

// btPoint records an untried tail of alternatives together with the state
// before the committed alternative.
type btPoint struct {
	st    *state
	alts  deb.Dependency
	chain []string
}

type solver struct {
	req     Request
	stack   []btPoint
	lastErr *UnsatisfiableError
}

// run drives the frontier to exhaustion, backtracking on dead ends.
func (s *solver) run(st *state) error {
	for len(st.frontier) > 0 {
		w := st.frontier[0]
		st.frontier = st.frontier[1:]

		if !s.tryAlternatives(st, w) {
			next, ok := s.backtrack()
			if !ok {
				return s.lastErr
			}
			*st = *next
		}
	}
	return nil
}

func (s *solver) backtrack() (*state, bool) {
	if len(s.stack) == 0 {
		return nil, false
	}
	bp := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	logrus.WithField("alternatives", bp.alts.String()).Debug("backtracking to recorded alternative")
	st := bp.st
	st.frontier = append([]work{{dep: bp.alts, chain: bp.chain}}, st.frontier...)
	return st, true
}

// tryAlternatives commits the first satisfiable alternative of the
// dependency, recording a backtrack point when untried alternatives remain.
func (s *solver) tryAlternatives(st *state, w work) bool {
	var rejected []RejectedCandidate

	for i, ref := range w.dep {
		if done, viable := s.satisfied(st, ref); done {
			return true
		} else if !viable {
			rejected = append(rejected, RejectedCandidate{
				Candidate: ref.Name,
				Repo:      "(already selected)",
				Reason:    fmt.Sprintf("selected version %s does not satisfy %s", st.chosen[ref.Name].cand.RawVersion, ref),
			})
			continue
		}

		cands, rej := s.candidatesFor(st, ref)
		rejected = append(rejected, rej...)

		for _, ranked := range cands {
			if reason := s.conflictWith(st, ranked.cand); reason != "" {
				rejected = append(rejected, RejectedCandidate{
					Candidate: ranked.cand.String(),
					Repo:      ranked.cand.Repo.Config.ID(),
					Reason:    reason,
				})
				continue
			}

			if i+1 < len(w.dep) {
				s.stack = append(s.stack, btPoint{st: st.clone(), alts: w.dep[i+1:], chain: w.chain})
			}
			s.commit(st, ranked, w.chain)
			return true
		}
	}

	ref := w.dep[0]
	s.lastErr = &UnsatisfiableError{
		Ref:        w.dep.String(),
		Chain:      append(append([]string(nil), w.chain...), ref.Name),
		Considered: rejected,
	}
	return false
}

// satisfied reports whether the reference is already met by the chosen set.
// The second result is false when the name is chosen at an incompatible
// version, which makes this alternative unusable.
func (s *solver) satisfied(st *state, ref deb.PackageRef) (done, viable bool) {
	if sel, ok := st.chosen[ref.Name]; ok {
		if ref.Matches(sel.cand.Version) {
			return true, false
		}
		return false, false
	}
	// A chosen package providing the virtual name satisfies an unversioned
	// reference; versioned references require a matching versioned Provides.
	for _, name := range st.order {
		for _, dep := range st.chosen[name].cand.Provides {
			for _, prov := range dep {
				if prov.Name != ref.Name {
					continue
				}
				if ref.Relation == "" {
					return true, false
				}
				if prov.Relation == deb.RelExact && ref.Matches(prov.Version) {
					return true, false
				}
			}
		}
	}
	return false, true
}

type ranked struct {
	cand *apt.Candidate
	prio int
}

// candidatesFor enumerates the candidates for a reference across all repos in
// priority order: real packages first, then providers of the virtual name.
// The result is sorted by (repo priority, version descending, filename).
func (s *solver) candidatesFor(st *state, ref deb.PackageRef) ([]ranked, []RejectedCandidate) {
	var out []ranked
	var rejected []RejectedCandidate

	reject := func(c *apt.Candidate, reason string) {
		rejected = append(rejected, RejectedCandidate{
			Candidate: c.String(),
			Repo:      c.Repo.Config.ID(),
			Reason:    reason,
		})
	}

	for prio, repo := range s.req.Repos {
		for _, c := range repo.Get(ref.Name) {
			if !s.archOK(c, ref) {
				reject(c, fmt.Sprintf("architecture %s does not match", c.Architecture))
				continue
			}
			if pin, ok := s.req.Pins[c.Name]; ok && !c.Version.Equal(pin) {
				reject(c, fmt.Sprintf("pinned to %s", pin))
				continue
			}
			if !ref.Matches(c.Version) {
				reject(c, fmt.Sprintf("version %s does not satisfy %s", c.RawVersion, ref))
				continue
			}
			out = append(out, ranked{cand: c, prio: prio})
		}
	}

	// Virtual packages: only unversioned references fall back to providers,
	// and only when no real package matched.
	if len(out) == 0 && ref.Relation == "" {
		for prio, repo := range s.req.Repos {
			for _, c := range repo.Providers(ref.Name) {
				if !s.archOK(c, deb.PackageRef{Name: c.Name}) {
					continue
				}
				out = append(out, ranked{cand: c, prio: prio})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].prio != out[j].prio {
			return out[i].prio < out[j].prio
		}
		if c := out[i].cand.Version.Compare(out[j].cand.Version); c != 0 {
			return c > 0
		}
		return out[i].cand.Filename < out[j].cand.Filename
	})
	return out, rejected
}

func (s *solver) archOK(c *apt.Candidate, ref deb.PackageRef) bool {
	if c.Architecture != s.req.Arch && c.Architecture != "all" {
		return false
	}
	switch ref.Arch {
	case "", "any", "native":
		return true
	}
	return c.Architecture == ref.Arch
}

// conflictWith checks the candidate against every chosen package in both
// directions. A Conflicts/Breaks on a chosen package is tolerated when the
// conflicting side pairs it with Replaces on the same name.
func (s *solver) conflictWith(st *state, c *apt.Candidate) string {
	for _, name := range st.order {
		other := st.chosen[name].cand
		if hits(c.Conflicts, other) || hits(c.Breaks, other) {
			if !c.DeclaresReplaces(other.Name) {
				return fmt.Sprintf("conflicts with selected %s", other)
			}
		}
		if hits(other.Conflicts, c) || hits(other.Breaks, c) {
			if !other.DeclaresReplaces(c.Name) {
				return fmt.Sprintf("selected %s conflicts with it", other)
			}
		}
	}
	return ""
}

// hits reports whether any reference of the relation matches the candidate.
func hits(rel []deb.Dependency, c *apt.Candidate) bool {
	for _, dep := range rel {
		for _, ref := range dep {
			if ref.Name == c.Name && ref.Matches(c.Version) {
				return true
			}
		}
	}
	return false
}

// commit adds the candidate to the chosen set and enqueues its Pre-Depends
// and Depends.
func (s *solver) commit(st *state, r ranked, chain []string) {
	sel := &selection{cand: r.cand, prio: r.prio, chain: chain}
	st.chosen[r.cand.Name] = sel
	st.order = append(st.order, r.cand.Name)

	childChain := append(append([]string(nil), chain...), r.cand.Name)
	for _, dep := range r.cand.PreDepends {
		st.frontier = append(st.frontier, work{dep: dep, chain: childChain})
	}
	for _, dep := range r.cand.Depends {
		st.frontier = append(st.frontier, work{dep: dep, chain: childChain})
	}
}

// essentialNames collects the names of all Essential: yes candidates across
// the repositories, sorted for determinism.
func essentialNames(repos []*apt.Repository) []string {
	seen := make(map[string]bool)
	var names []string
	for _, repo := range repos {
		repo.All(func(c *apt.Candidate) bool {
			if c.Essential && !seen[c.Name] {
				seen[c.Name] = true
				names = append(names, c.Name)
			}
			return true
		})
	}
	sort.Strings(names)
	return names
}

// unpackOrder topologically sorts the chosen set: Pre-Depends edges are
// strict, Depends edges are best effort. Depends cycles are broken by package
// name order with a warning; Pre-Depends cycles are fatal.
func (s *solver) unpackOrder(st *state) (InstallSet, error) {
	names := append([]string(nil), st.order...)
	sort.Strings(names)

	// provider resolves a dependency reference to the chosen package that
	// satisfies it, if any.
	provider := func(ref deb.PackageRef) string {
		if _, ok := st.chosen[ref.Name]; ok {
			return ref.Name
		}
		for _, name := range names {
			for _, dep := range st.chosen[name].cand.Provides {
				for _, prov := range dep {
					if prov.Name == ref.Name {
						return name
					}
				}
			}
		}
		return ""
	}

	in := make(map[string][]edge, len(names))
	for _, name := range names {
		in[name] = nil
	}
	addEdges := func(to string, deps []deb.Dependency, strict bool) {
		for _, dep := range deps {
			for _, ref := range dep {
				from := provider(ref)
				if from == "" || from == to {
					continue
				}
				in[to] = append(in[to], edge{from: from, strict: strict})
				break
			}
		}
	}
	for _, name := range names {
		c := st.chosen[name].cand
		addEdges(name, c.PreDepends, true)
		addEdges(name, c.Depends, false)
	}

	// A cycle in the strict subgraph is unbuildable.
	if cycle := strictCycle(names, in); len(cycle) > 0 {
		return nil, &PreDependsCycleError{Packages: cycle}
	}

	done := make(map[string]bool, len(names))
	var out InstallSet
	remaining := len(names)
	for remaining > 0 {
		progressed := false
		for _, name := range names {
			if done[name] {
				continue
			}
			ready := true
			for _, e := range in[name] {
				if !done[e.from] {
					ready = false
					break
				}
			}
			if ready {
				done[name] = true
				out = append(out, st.chosen[name].cand)
				remaining--
				progressed = true
				break
			}
		}
		if progressed {
			continue
		}

		// Depends cycle: release the smallest-name package whose strict
		// requirements are already met. One exists because the strict
		// subgraph is acyclic.
		for _, name := range names {
			if done[name] {
				continue
			}
			ok := true
			for _, e := range in[name] {
				if e.strict && !done[e.from] {
					ok = false
					break
				}
			}
			if ok {
				logrus.WithField("package", name).Warn("breaking Depends cycle by name order")
				done[name] = true
				out = append(out, st.chosen[name].cand)
				remaining--
				break
			}
		}
	}
	return out, nil
}

// edge is one dependency edge of the unpack graph; strict marks Pre-Depends.
type edge struct {
	from   string
	strict bool
}

// strictCycle finds a cycle in the Pre-Depends subgraph, returning the
// packages on it, or nil.
func strictCycle(names []string, in map[string][]edge) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(names))
	var stack []string

	var visit func(string) []string
	visit = func(n string) []string {
		color[n] = gray
		stack = append(stack, n)
		for _, e := range in[n] {
			if !e.strict {
				continue
			}
			switch color[e.from] {
			case gray:
				// Slice the cycle out of the visit stack.
				for i, s := range stack {
					if s == e.from {
						return append([]string(nil), stack[i:]...)
					}
				}
				return append([]string(nil), e.from, n)
			case white:
				if cycle := visit(e.from); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range names {
		if color[n] == white {
			if cycle := visit(n); cycle != nil {
				sort.Strings(cycle)
				return cycle
			}
		}
	}
	return nil
}
