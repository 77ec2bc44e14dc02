package resolver

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Elektrobit/ebcl-build-tools/apt"
	"github.com/Elektrobit/ebcl-build-tools/deb"
)

// stanza renders one Packages paragraph for test repositories.
func stanza(name, version string, fields map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Package: %s\nVersion: %s\n", name, version)
	if _, ok := fields["Architecture"]; !ok {
		b.WriteString("Architecture: amd64\n")
	}
	for k, v := range fields {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	fmt.Fprintf(&b, "Filename: pool/%s_%s.deb\nSize: 10\nSHA256: %s\n\n",
		name, version, strings.Repeat("0", 64))
	return b.String()
}

func testRepo(t *testing.T, url string, stanzas ...string) *apt.Repository {
	t.Helper()
	repo := apt.NewRepository(apt.RepoConfig{URL: url, Suite: "test", Trust: apt.TrustUnsignedAllowed})
	err := repo.ParsePackages(strings.NewReader(strings.Join(stanzas, "")), "amd64")
	require.NoError(t, err)
	return repo
}

func names(set InstallSet) []string {
	out := make([]string, len(set))
	for i, c := range set {
		out[i] = c.Name
	}
	return out
}

func roots(refs ...string) []deb.PackageRef {
	out := make([]deb.PackageRef, len(refs))
	for i, r := range refs {
		ref, err := deb.ParseRef(r)
		if err != nil {
			panic(err)
		}
		out[i] = ref
	}
	return out
}

func TestResolveSimple(t *testing.T) {
	repo := testRepo(t, "http://a",
		stanza("A", "1.0", map[string]string{"Depends": "B (>= 1)"}),
		stanza("B", "1.0", nil),
		stanza("B", "2.0", nil),
	)

	set, err := Resolve(Request{Roots: roots("A"), Arch: "amd64", Repos: []*apt.Repository{repo}})
	require.NoError(t, err)

	// Dependency before dependent, highest version selected.
	require.Equal(t, []string{"B", "A"}, names(set))
	assert.Equal(t, "2.0", set[0].RawVersion)
}

func TestResolveVirtualTieBreak(t *testing.T) {
	repoA := testRepo(t, "http://a",
		stanza("depends-on-mta", "1.0", map[string]string{"Depends": "mail-transport-agent"}),
		stanza("postfix", "3.6", map[string]string{"Provides": "mail-transport-agent"}),
	)
	repoB := testRepo(t, "http://b",
		stanza("exim4", "4.95", map[string]string{"Provides": "mail-transport-agent"}),
	)

	set, err := Resolve(Request{
		Roots: roots("depends-on-mta"),
		Arch:  "amd64",
		Repos: []*apt.Repository{repoA, repoB},
	})
	require.NoError(t, err)

	// The provider from the earlier repo wins.
	assert.Contains(t, names(set), "postfix")
	assert.NotContains(t, names(set), "exim4")
}

func TestResolvePrefersChosenProvider(t *testing.T) {
	repo := testRepo(t, "http://a",
		stanza("app", "1.0", map[string]string{"Depends": "exim4, mail-transport-agent"}),
		stanza("postfix", "3.6", map[string]string{"Provides": "mail-transport-agent"}),
		stanza("exim4", "4.95", map[string]string{"Provides": "mail-transport-agent"}),
	)

	set, err := Resolve(Request{Roots: roots("app"), Arch: "amd64", Repos: []*apt.Repository{repo}})
	require.NoError(t, err)

	// exim4 is already chosen when the virtual dependency is processed, so
	// no second provider is pulled in.
	assert.NotContains(t, names(set), "postfix")
}

func TestResolveAlternativeBacktracking(t *testing.T) {
	// The first alternative conflicts with a root; the resolver must fall
	// back to the second.
	repo := testRepo(t, "http://a",
		stanza("root1", "1.0", map[string]string{"Conflicts": "optionA"}),
		stanza("root2", "1.0", map[string]string{"Depends": "optionA | optionB"}),
		stanza("optionA", "1.0", nil),
		stanza("optionB", "1.0", nil),
	)

	set, err := Resolve(Request{Roots: roots("root1", "root2"), Arch: "amd64", Repos: []*apt.Repository{repo}})
	require.NoError(t, err)
	assert.Contains(t, names(set), "optionB")
	assert.NotContains(t, names(set), "optionA")
}

func TestResolveBacktracksCommittedChoice(t *testing.T) {
	// optionA is committed first, then late-conflicting breaker forces the
	// search back to the recorded alternative.
	repo := testRepo(t, "http://a",
		stanza("root", "1.0", map[string]string{"Depends": "optionA | optionB, breaker"}),
		stanza("optionA", "1.0", nil),
		stanza("optionB", "1.0", nil),
		stanza("breaker", "1.0", map[string]string{"Conflicts": "optionA"}),
	)

	set, err := Resolve(Request{Roots: roots("root"), Arch: "amd64", Repos: []*apt.Repository{repo}})
	require.NoError(t, err)
	assert.Contains(t, names(set), "optionB")
	assert.Contains(t, names(set), "breaker")
	assert.NotContains(t, names(set), "optionA")
}

func TestResolveVersionConstraintChain(t *testing.T) {
	repo := testRepo(t, "http://a",
		stanza("app", "1.0", map[string]string{"Depends": "lib (>= 2.0)"}),
		stanza("lib", "1.0", nil),
		stanza("lib", "2.5", nil),
		stanza("lib", "3.0~rc1", nil),
	)

	set, err := Resolve(Request{Roots: roots("app"), Arch: "amd64", Repos: []*apt.Repository{repo}})
	require.NoError(t, err)
	// 3.0~rc1 is newest and satisfies the constraint.
	require.Equal(t, "lib", set[0].Name)
	assert.Equal(t, "3.0~rc1", set[0].RawVersion)
}

func TestResolvePins(t *testing.T) {
	repo := testRepo(t, "http://a",
		stanza("lib", "1.0", nil),
		stanza("lib", "2.0", nil),
	)

	set, err := Resolve(Request{
		Roots: roots("lib"),
		Arch:  "amd64",
		Repos: []*apt.Repository{repo},
		Pins:  map[string]deb.Version{"lib": deb.MustParseVersion("1.0")},
	})
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, "1.0", set[0].RawVersion)
}

func TestResolveRepoPriority(t *testing.T) {
	// The earlier repo wins even though a later repo offers a higher
	// version; versions only decide within a repo rank.
	repoA := testRepo(t, "http://a", stanza("lib", "1.0", nil))
	repoB := testRepo(t, "http://b", stanza("lib", "2.0", nil))

	set, err := Resolve(Request{Roots: roots("lib"), Arch: "amd64", Repos: []*apt.Repository{repoA, repoB}})
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, "1.0", set[0].RawVersion)
	assert.Equal(t, "http://a", set[0].Repo.Config.URL)
}

func TestResolveUnsatisfiable(t *testing.T) {
	repo := testRepo(t, "http://a",
		stanza("app", "1.0", map[string]string{"Depends": "lib (>= 5.0)"}),
		stanza("lib", "1.0", nil),
	)

	_, err := Resolve(Request{Roots: roots("app"), Arch: "amd64", Repos: []*apt.Repository{repo}})
	var unsat *UnsatisfiableError
	require.ErrorAs(t, err, &unsat)

	// The chain runs root -> leaf and the rejection names the version.
	assert.Equal(t, []string{"app", "lib"}, unsat.Chain)
	require.NotEmpty(t, unsat.Considered)
	assert.Contains(t, unsat.Considered[0].Reason, "does not satisfy")
}

func TestResolveEssential(t *testing.T) {
	repo := testRepo(t, "http://a",
		stanza("app", "1.0", nil),
		stanza("base-files", "12", map[string]string{"Essential": "yes"}),
	)

	set, err := Resolve(Request{Roots: roots("app"), Arch: "amd64", Repos: []*apt.Repository{repo}, IncludeEssential: true})
	require.NoError(t, err)
	assert.Contains(t, names(set), "base-files")

	set, err = Resolve(Request{Roots: roots("app"), Arch: "amd64", Repos: []*apt.Repository{repo}})
	require.NoError(t, err)
	assert.NotContains(t, names(set), "base-files")
}

func TestResolveDeterministic(t *testing.T) {
	repo := testRepo(t, "http://a",
		stanza("a", "1.0", map[string]string{"Depends": "c, b"}),
		stanza("b", "1.0", map[string]string{"Depends": "d"}),
		stanza("c", "1.0", map[string]string{"Depends": "d"}),
		stanza("d", "1.0", nil),
	)

	req := Request{Roots: roots("a"), Arch: "amd64", Repos: []*apt.Repository{repo}}
	first, err := Resolve(req)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, names(first), names(again), "resolution must be deterministic")
	}

	// Dependencies precede dependents.
	pos := make(map[string]int)
	for i, n := range names(first) {
		pos[n] = i
	}
	assert.Less(t, pos["d"], pos["b"])
	assert.Less(t, pos["d"], pos["c"])
	assert.Less(t, pos["b"], pos["a"])
	assert.Less(t, pos["c"], pos["a"])
}

func TestResolveDependsCycleBrokenByName(t *testing.T) {
	repo := testRepo(t, "http://a",
		stanza("x", "1.0", map[string]string{"Depends": "y"}),
		stanza("y", "1.0", map[string]string{"Depends": "x"}),
	)

	set, err := Resolve(Request{Roots: roots("x"), Arch: "amd64", Repos: []*apt.Repository{repo}})
	require.NoError(t, err)
	// Cycle broken by name order: x before y.
	assert.Equal(t, []string{"x", "y"}, names(set))
}

func TestResolvePreDependsCycleFatal(t *testing.T) {
	repo := testRepo(t, "http://a",
		stanza("x", "1.0", map[string]string{"Pre-Depends": "y"}),
		stanza("y", "1.0", map[string]string{"Pre-Depends": "x"}),
	)

	_, err := Resolve(Request{Roots: roots("x"), Arch: "amd64", Repos: []*apt.Repository{repo}})
	var cycle *PreDependsCycleError
	require.ErrorAs(t, err, &cycle)
	assert.ElementsMatch(t, []string{"x", "y"}, cycle.Packages)
}

func TestResolveConflictsUnsatisfiable(t *testing.T) {
	repo := testRepo(t, "http://a",
		stanza("a", "1.0", map[string]string{"Conflicts": "b"}),
		stanza("b", "1.0", nil),
	)

	_, err := Resolve(Request{Roots: roots("a", "b"), Arch: "amd64", Repos: []*apt.Repository{repo}})
	var unsat *UnsatisfiableError
	require.ErrorAs(t, err, &unsat)
}

func TestResolveReplacesOverridesConflict(t *testing.T) {
	repo := testRepo(t, "http://a",
		stanza("new-tool", "2.0", map[string]string{"Conflicts": "old-tool", "Replaces": "old-tool"}),
		stanza("old-tool", "1.0", nil),
	)

	set, err := Resolve(Request{Roots: roots("old-tool", "new-tool"), Arch: "amd64", Repos: []*apt.Repository{repo}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old-tool", "new-tool"}, names(set))
}

func TestResolveArchQualifier(t *testing.T) {
	repo := apt.NewRepository(apt.RepoConfig{URL: "http://a", Suite: "test", Trust: apt.TrustUnsignedAllowed})
	content := stanza("tool", "1.0", map[string]string{"Architecture": "all"}) +
		stanza("native", "1.0", nil)
	require.NoError(t, repo.ParsePackages(strings.NewReader(content), "amd64"))

	// arch "all" candidates satisfy a native request.
	set, err := Resolve(Request{Roots: roots("tool", "native"), Arch: "amd64", Repos: []*apt.Repository{repo}})
	require.NoError(t, err)
	assert.Len(t, set, 2)
}
