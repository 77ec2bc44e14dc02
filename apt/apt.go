// Package apt discovers and parses Debian repository metadata: it fetches and
// verifies Release/InRelease files, locates the Packages indices for the
// requested components and architecture, and builds in-memory lookup tables
// of package candidates for the resolver.
package apt

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/Elektrobit/ebcl-build-tools/deb"
	"github.com/Elektrobit/ebcl-build-tools/fetcher"
)

// TrustPolicy states whether a repository must be signed.
type TrustPolicy string

const (
	// TrustSigned requires a verifiable signature over the release file.
	TrustSigned TrustPolicy = "signed"
	// TrustUnsignedAllowed accepts repositories without a signature.
	// A present-but-invalid signature is still fatal.
	TrustUnsignedAllowed TrustPolicy = "unsigned-allowed"
)

// RepoConfig defines a source APT repository to resolve packages from.
// It supports both:
//  1. Flat repositories: just a URL (Suite is empty), with Packages at the base.
//  2. Standard repositories: URL + Suite + Components (e.g., deb http://archive.ubuntu.com/ubuntu jammy main).
type RepoConfig struct {
	URL        string
	Suite      string
	Components []string
	// Arch overrides the build architecture for this repo (e.g. an
	// arch "all" only feed); empty means the build architecture.
	Arch string
	// Key is the ASCII-armored public key material for this repo.
	Key   string
	Trust TrustPolicy
}

// ID returns the identity string of the repository, composed of the URL,
// suite and components. It keys the index cache.
func (c RepoConfig) ID() string {
	if c.Suite == "" {
		return c.URL + "_flat"
	}
	return c.URL + "_" + c.Suite + "_" + strings.Join(c.Components, "_")
}

// SourcesEntry renders the repo as an apt sources.list line, used in logs and
// build reports.
func (c RepoConfig) SourcesEntry() string {
	if c.Suite == "" {
		return fmt.Sprintf("deb %s ./", c.URL)
	}
	return fmt.Sprintf("deb %s %s %s", c.URL, c.Suite, strings.Join(c.Components, " "))
}

// Candidate is one concrete entry from a parsed Packages index.
type Candidate struct {
	Name         string
	Architecture string
	Version      deb.Version
	// RawVersion is the version string exactly as the index states it.
	RawVersion string

	// Filename is the normalized relative path of the .deb under the repo
	// base URL.
	Filename string
	Size     int64
	SHA256   string

	Depends    []deb.Dependency
	PreDepends []deb.Dependency
	Provides   []deb.Dependency
	Conflicts  []deb.Dependency
	Breaks     []deb.Dependency
	Replaces   []deb.Dependency
	Essential  bool
	Priority   string

	// Fields keeps the full paragraph for callers that need more.
	Fields Paragraph

	// Repo points back to the repository the candidate came from.
	Repo *Repository
}

// URL returns the absolute download URL of the package archive.
func (c *Candidate) URL() string {
	return strings.TrimSuffix(c.Repo.Config.URL, "/") + "/" + c.Filename
}

// String renders the candidate as name:arch (version).
func (c *Candidate) String() string {
	return fmt.Sprintf("%s:%s (%s)", c.Name, c.Architecture, c.RawVersion)
}

// DeclaresReplaces reports whether the candidate declares Replaces on the
// named package.
func (c *Candidate) DeclaresReplaces(name string) bool {
	for _, dep := range c.Replaces {
		for _, ref := range dep {
			if ref.Name == name {
				return true
			}
		}
	}
	return false
}

// Info converts the candidate into the extractor's package descriptor.
func (c *Candidate) Info() deb.PackageInfo {
	return deb.PackageInfo{
		Name:     c.Name,
		Version:  c.Version,
		Replaces: c.Replaces,
	}
}

// Repository is the loaded index of one APT repository: candidates by name
// and by provided virtual name.
type Repository struct {
	Config RepoConfig
	// Flat is set when the repo has no dists/ hierarchy.
	Flat bool
	// Signed records the verification outcome of the release file.
	Signed VerifyResult

	byName     map[string][]*Candidate
	byProvides map[string][]*Candidate
}

// Get returns the candidates for a package name, newest version first.
func (r *Repository) Get(name string) []*Candidate {
	return r.byName[name]
}

// Providers returns the candidates that declare Provides on the virtual name.
func (r *Repository) Providers(virtual string) []*Candidate {
	return r.byProvides[virtual]
}

// Names returns all package names in the index, sorted.
func (r *Repository) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All calls fn for every candidate, grouped by sorted name, newest first,
// until fn returns false.
func (r *Repository) All(fn func(*Candidate) bool) {
	for _, name := range r.Names() {
		for _, c := range r.byName[name] {
			if !fn(c) {
				return
			}
		}
	}
}

// Len returns the number of candidates in the index.
func (r *Repository) Len() int {
	n := 0
	for _, cs := range r.byName {
		n += len(cs)
	}
	return n
}

// NewRepository creates an empty index for the config; ParsePackages fills
// it. LoadIndex is the usual entry point and does both.
func NewRepository(cfg RepoConfig) *Repository {
	if cfg.Trust == "" {
		cfg.Trust = TrustSigned
	}
	return &Repository{
		Config:     cfg,
		byName:     make(map[string][]*Candidate),
		byProvides: make(map[string][]*Candidate),
	}
}

// packagesCompressions lists the index variants in preference order: the best
// compression first, plain last.
var packagesCompressions = []string{".xz", ".gz", ""}

// LoadIndex fetches and parses the repository metadata for the given config
// and architecture. The sequence is: fetch InRelease (falling back to
// Release + Release.gpg), verify per trust policy, locate the Packages file
// per component with the preferred compression, verify its hash against the
// release listing, and parse it into candidates. Repositories lacking the
// dists/ hierarchy are loaded as flat, single-component repos.
func LoadIndex(ctx context.Context, f *fetcher.Fetcher, cfg RepoConfig, arch string) (*Repository, error) {
	if cfg.Trust == "" {
		cfg.Trust = TrustSigned
	}
	if cfg.Arch != "" {
		arch = cfg.Arch
	}

	repo := NewRepository(cfg)
	repo.Flat = cfg.Suite == ""

	kr, err := LoadKeyring(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("keyring of %s: %w", cfg.ID(), err)
	}

	base := strings.TrimSuffix(cfg.URL, "/")
	metaBase := base
	if cfg.Suite != "" {
		metaBase = base + "/dists/" + cfg.Suite
	}

	release, result, err := loadRelease(ctx, f, metaBase, kr)
	if err != nil {
		var notFound *fetcher.NotFoundError
		if cfg.Suite != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("loading release of %s: %w", cfg.ID(), err)
		}
		// No release file at all: a bare flat repository. The trust
		// policy governs acceptance below.
		release, result = nil, Unsigned
	}
	repo.Signed = result

	switch result {
	case Invalid:
		return nil, &SignatureInvalidError{Repo: cfg.ID(), Err: fmt.Errorf("release signature did not verify")}
	case Unsigned:
		if cfg.Trust != TrustUnsignedAllowed {
			return nil, &UnsignedRepoError{Repo: cfg.ID()}
		}
	}

	log := logrus.WithFields(logrus.Fields{"repo": cfg.ID(), "arch": arch})

	if repo.Flat {
		if err := repo.loadPackages(ctx, f, base, "", release, arch); err != nil {
			return nil, err
		}
		log.WithField("packages", repo.Len()).Info("flat repository indexed")
		return repo, nil
	}

	components := cfg.Components
	if len(components) == 0 {
		components = []string{"main"}
	}
	declared := release.Components()
	for _, component := range components {
		if len(declared) > 0 && !contains(declared, component) {
			log.WithField("component", component).Warn("component not declared by release file")
			continue
		}
		prefix := component + "/binary-" + arch + "/"
		if err := repo.loadPackages(ctx, f, metaBase, prefix, release, arch); err != nil {
			return nil, err
		}
	}

	log.WithField("packages", repo.Len()).Info("repository indexed")
	return repo, nil
}

// loadRelease fetches InRelease, or Release plus its detached signature, and
// verifies against the keyring. An Invalid result is reported through the
// result value, not the error.
func loadRelease(ctx context.Context, f *fetcher.Fetcher, metaBase string, kr openpgp.EntityList) (*ReleaseInfo, VerifyResult, error) {
	var notFound *fetcher.NotFoundError

	data, err := f.FetchBytes(ctx, metaBase+"/InRelease", "")
	if err == nil {
		content, result, verr := VerifyInRelease(data, kr)
		if result == Invalid {
			logrus.WithField("url", metaBase+"/InRelease").WithError(verr).Error("invalid signature")
			return nil, Invalid, nil
		}
		release, perr := ParseRelease(content)
		return release, result, perr
	}
	if !errors.As(err, &notFound) {
		return nil, Unsigned, err
	}

	content, err := f.FetchBytes(ctx, metaBase+"/Release", "")
	if err != nil {
		return nil, Unsigned, err
	}

	result := Unsigned
	sig, err := f.FetchBytes(ctx, metaBase+"/Release.gpg", "")
	if err == nil {
		var verr error
		result, verr = VerifyDetached(content, sig, kr)
		if result == Invalid {
			logrus.WithField("url", metaBase+"/Release.gpg").WithError(verr).Error("invalid signature")
			return nil, Invalid, nil
		}
	} else if !errors.As(err, &notFound) {
		return nil, Unsigned, err
	}

	release, perr := ParseRelease(content)
	return release, result, perr
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// sha256Pattern validates the hash field of a candidate.
var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// loadPackages locates, fetches, decompresses and parses one Packages file.
// prefix is the release-relative directory ("main/binary-amd64/"), empty for
// flat repos. The decompressed content is cached keyed by repo, prefix, arch
// and the hash the release file advertises, because mirrors can diverge for
// one URL.
func (r *Repository) loadPackages(ctx context.Context, f *fetcher.Fetcher, urlBase, prefix string, release *ReleaseInfo, arch string) error {
	var (
		relPath string
		entry   ReleaseEntry
		listed  bool
	)
	if release != nil {
		for _, ext := range packagesCompressions {
			p := prefix + "Packages" + ext
			if e, ok := release.Entry(p); ok {
				relPath, entry, listed = p, e, true
				break
			}
		}
	}
	if relPath == "" {
		relPath = prefix + "Packages.xz"
	}

	cacheKey := []string{r.Config.ID(), prefix, arch}
	if data, ok := f.Cache().Index(entry.SHA256, cacheKey...); ok {
		logrus.WithField("repo", r.Config.ID()).Debug("using cached package index")
		return r.ParsePackages(bytes.NewReader(data), arch)
	}

	url := urlBase + "/" + relPath
	raw, err := f.FetchBytes(ctx, url, entry.SHA256)
	if err != nil {
		var notFound *fetcher.NotFoundError
		if errors.As(err, &notFound) && !listed {
			// Probe the remaining compression variants.
			for _, ext := range []string{".gz", ""} {
				relPath = prefix + "Packages" + ext
				url = urlBase + "/" + relPath
				raw, err = f.FetchBytes(ctx, url, "")
				if err == nil {
					break
				}
			}
		}
		if err != nil {
			return fmt.Errorf("fetching package index of %s: %w", r.Config.ID(), err)
		}
	}

	content, err := decompressIndex(relPath, raw)
	if err != nil {
		return fmt.Errorf("decompressing %s: %w", url, err)
	}

	if err := r.ParsePackages(bytes.NewReader(content), arch); err != nil {
		return err
	}
	if err := f.Cache().PutIndex(content, url, entry.SHA256, cacheKey...); err != nil {
		logrus.WithError(err).Warn("caching package index failed")
	}
	return nil
}

// decompressIndex expands a Packages file per its path extension.
func decompressIndex(path string, data []byte) ([]byte, error) {
	switch {
	case strings.HasSuffix(path, ".xz"):
		xr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(xr)
	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)
	default:
		return data, nil
	}
}

// ParsePackages converts Packages content into candidates and fills the
// lookup tables. Candidates of a foreign architecture (neither the build
// architecture nor "all") are skipped.
func (r *Repository) ParsePackages(reader io.Reader, arch string) error {
	paragraphs, err := parseParagraphs(reader)
	if err != nil {
		return fmt.Errorf("scanning package index of %s: %w", r.Config.ID(), err)
	}

	for _, p := range paragraphs {
		c, err := r.candidateFromParagraph(p)
		if err != nil {
			return err
		}
		if c.Architecture != arch && c.Architecture != "all" {
			continue
		}
		r.byName[c.Name] = append(r.byName[c.Name], c)
		for _, dep := range c.Provides {
			for _, ref := range dep {
				r.byProvides[ref.Name] = append(r.byProvides[ref.Name], c)
			}
		}
	}

	// Newest version first; equal versions tie-break on the smaller
	// filename so lookups stay deterministic.
	for _, cs := range r.byName {
		sort.SliceStable(cs, func(i, j int) bool {
			if c := cs[i].Version.Compare(cs[j].Version); c != 0 {
				return c > 0
			}
			return cs[i].Filename < cs[j].Filename
		})
	}
	return nil
}

func (r *Repository) candidateFromParagraph(p Paragraph) (*Candidate, error) {
	fail := func(err error) (*Candidate, error) {
		return nil, &ControlParseError{Repo: r.Config.ID(), Paragraph: renderParagraph(p), Err: err}
	}

	name := p.Get("Package")
	if name == "" {
		return fail(fmt.Errorf("paragraph without Package field"))
	}

	version, err := deb.ParseVersion(p.Get("Version"))
	if err != nil {
		return fail(fmt.Errorf("package %s: %w", name, err))
	}

	filename := p.Get("Filename")
	if filename == "" {
		return fail(fmt.Errorf("package %s has no Filename", name))
	}
	filename = strings.TrimPrefix(filename, "./")
	if strings.HasPrefix(filename, "/") || strings.Contains(filename, "..") {
		return fail(fmt.Errorf("package %s has unsafe filename %q", name, filename))
	}

	sha := strings.ToLower(p.Get("SHA256"))
	if !sha256Pattern.MatchString(sha) {
		return fail(fmt.Errorf("package %s has invalid SHA256 %q", name, p.Get("SHA256")))
	}

	size, _ := strconv.ParseInt(p.Get("Size"), 10, 64)

	c := &Candidate{
		Name:         name,
		Architecture: p.Get("Architecture"),
		Version:      version,
		RawVersion:   p.Get("Version"),
		Filename:     filename,
		Size:         size,
		SHA256:       sha,
		Essential:    p.Get("Essential") == "yes",
		Priority:     p.Get("Priority"),
		Fields:       p,
		Repo:         r,
	}

	relations := []struct {
		field string
		dst   *[]deb.Dependency
	}{
		{"Depends", &c.Depends},
		{"Pre-Depends", &c.PreDepends},
		{"Provides", &c.Provides},
		{"Conflicts", &c.Conflicts},
		{"Breaks", &c.Breaks},
		{"Replaces", &c.Replaces},
	}
	for _, rel := range relations {
		value := p.Get(rel.field)
		if value == "" {
			continue
		}
		deps, err := deb.ParseDepends(value)
		if err != nil {
			return fail(fmt.Errorf("package %s, field %s: %w", name, rel.field, err))
		}
		*rel.dst = deps
	}

	return c, nil
}

// renderParagraph reconstructs a stanza for error messages.
func renderParagraph(p Paragraph) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, p[k])
	}
	return b.String()
}
