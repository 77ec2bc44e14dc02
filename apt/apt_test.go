package apt

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/Elektrobit/ebcl-build-tools/fetcher"
)

const testPackages = `Package: hello
Version: 1.0-1
Architecture: amd64
Depends: libc6 (>= 2.34)
Filename: pool/main/h/hello/hello_1.0-1_amd64.deb
Size: 1234
SHA256: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa

Package: hello
Version: 2.0-1
Architecture: amd64
Filename: pool/main/h/hello/hello_2.0-1_amd64.deb
Size: 1234
SHA256: bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb

Package: mta
Version: 1.0
Architecture: amd64
Provides: mail-transport-agent
Filename: pool/main/m/mta/mta_1.0_amd64.deb
Size: 10
SHA256: cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc

Package: other-arch
Version: 1.0
Architecture: riscv64
Filename: pool/main/o/other/other_1.0_riscv64.deb
Size: 10
SHA256: dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd
`

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func xzBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = xw.Write(data)
	require.NoError(t, err)
	require.NoError(t, xw.Close())
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// releaseFor renders a Release file listing the given files.
func releaseFor(files map[string][]byte) []byte {
	var b bytes.Buffer
	b.WriteString("Origin: Test\nSuite: jammy\nComponents: main\nArchitectures: amd64\nSHA256:\n")
	for path, data := range files {
		fmt.Fprintf(&b, " %s %d %s\n", sha256Hex(data), len(data), path)
	}
	return b.Bytes()
}

func newTestFetcher(t *testing.T) *fetcher.Fetcher {
	t.Helper()
	cache, err := fetcher.OpenCache(t.TempDir())
	require.NoError(t, err)
	return fetcher.New(cache)
}

// newKey creates a signing key and returns it with its armored public form.
func newKey(t *testing.T) (*openpgp.Entity, string) {
	t.Helper()
	entity, err := openpgp.NewEntity("Test Repo", "", "repo@example.com", nil)
	require.NoError(t, err)

	var pub bytes.Buffer
	w, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())
	return entity, pub.String()
}

func clearsignBytes(t *testing.T, entity *openpgp.Entity, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, entity.PrivateKey, nil)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestLoadIndexSignedRepo(t *testing.T) {
	entity, pubKey := newKey(t)

	packagesGz := gzipBytes(t, []byte(testPackages))
	release := releaseFor(map[string][]byte{
		"main/binary-amd64/Packages.gz": packagesGz,
	})
	inRelease := clearsignBytes(t, entity, release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dists/jammy/InRelease":
			w.Write(inRelease)
		case "/dists/jammy/main/binary-amd64/Packages.gz":
			w.Write(packagesGz)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	repo, err := LoadIndex(context.Background(), newTestFetcher(t), RepoConfig{
		URL:        srv.URL,
		Suite:      "jammy",
		Components: []string{"main"},
		Key:        pubKey,
		Trust:      TrustSigned,
	}, "amd64")
	require.NoError(t, err)

	assert.Equal(t, Verified, repo.Signed)
	assert.False(t, repo.Flat)
	assert.Equal(t, 3, repo.Len())

	// Newest version first.
	hellos := repo.Get("hello")
	require.Len(t, hellos, 2)
	assert.Equal(t, "2.0-1", hellos[0].RawVersion)
	assert.Equal(t, "1.0-1", hellos[1].RawVersion)
	assert.Equal(t, srv.URL+"/pool/main/h/hello/hello_2.0-1_amd64.deb", hellos[0].URL())

	// Dependencies are parsed.
	require.Len(t, hellos[1].Depends, 1)
	assert.Equal(t, "libc6", hellos[1].Depends[0][0].Name)

	// Provides index.
	providers := repo.Providers("mail-transport-agent")
	require.Len(t, providers, 1)
	assert.Equal(t, "mta", providers[0].Name)

	// Foreign architectures are filtered out.
	assert.Empty(t, repo.Get("other-arch"))
}

func TestLoadIndexUnsignedPolicy(t *testing.T) {
	packagesGz := gzipBytes(t, []byte(testPackages))
	release := releaseFor(map[string][]byte{
		"main/binary-amd64/Packages.gz": packagesGz,
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dists/jammy/Release":
			w.Write(release)
		case "/dists/jammy/main/binary-amd64/Packages.gz":
			w.Write(packagesGz)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := RepoConfig{URL: srv.URL, Suite: "jammy", Components: []string{"main"}}

	// Default policy rejects the unsigned repo.
	_, err := LoadIndex(context.Background(), newTestFetcher(t), cfg, "amd64")
	var unsigned *UnsignedRepoError
	require.ErrorAs(t, err, &unsigned)

	// Explicitly allowing it works.
	cfg.Trust = TrustUnsignedAllowed
	repo, err := LoadIndex(context.Background(), newTestFetcher(t), cfg, "amd64")
	require.NoError(t, err)
	assert.Equal(t, Unsigned, repo.Signed)
	assert.Equal(t, 3, repo.Len())
}

func TestLoadIndexInvalidSignatureFatal(t *testing.T) {
	entity, _ := newKey(t)
	_, otherPub := newKey(t)

	packagesGz := gzipBytes(t, []byte(testPackages))
	release := releaseFor(map[string][]byte{
		"main/binary-amd64/Packages.gz": packagesGz,
	})
	inRelease := clearsignBytes(t, entity, release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dists/jammy/InRelease" {
			w.Write(inRelease)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	// Signed by one key, verified against another: fatal even with the
	// permissive trust policy.
	_, err := LoadIndex(context.Background(), newTestFetcher(t), RepoConfig{
		URL:   srv.URL,
		Suite: "jammy",
		Key:   otherPub,
		Trust: TrustUnsignedAllowed,
	}, "amd64")
	var invalid *SignatureInvalidError
	require.ErrorAs(t, err, &invalid)
}

func TestLoadIndexFlatRepo(t *testing.T) {
	entity, pubKey := newKey(t)

	packagesXz := xzBytes(t, []byte(testPackages))
	release := releaseFor(map[string][]byte{
		"Packages.xz": packagesXz,
	})
	inRelease := clearsignBytes(t, entity, release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/InRelease":
			w.Write(inRelease)
		case "/Packages.xz":
			w.Write(packagesXz)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	repo, err := LoadIndex(context.Background(), newTestFetcher(t), RepoConfig{
		URL:   srv.URL,
		Key:   pubKey,
		Trust: TrustSigned,
	}, "amd64")
	require.NoError(t, err)

	assert.True(t, repo.Flat)
	assert.Equal(t, Verified, repo.Signed)
	assert.Equal(t, 3, repo.Len())
	assert.Len(t, repo.Get("hello"), 2)
}

func TestLoadIndexBareFlatRepo(t *testing.T) {
	packagesXz := xzBytes(t, []byte(testPackages))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/Packages.xz" {
			w.Write(packagesXz)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	// Without any release file the repo is unsigned by definition.
	cfg := RepoConfig{URL: srv.URL}
	_, err := LoadIndex(context.Background(), newTestFetcher(t), cfg, "amd64")
	var unsigned *UnsignedRepoError
	require.ErrorAs(t, err, &unsigned)

	cfg.Trust = TrustUnsignedAllowed
	repo, err := LoadIndex(context.Background(), newTestFetcher(t), cfg, "amd64")
	require.NoError(t, err)
	assert.True(t, repo.Flat)
	assert.Equal(t, 3, repo.Len())
}

func TestLoadIndexChecksumMismatch(t *testing.T) {
	packagesGz := gzipBytes(t, []byte(testPackages))
	release := releaseFor(map[string][]byte{
		"main/binary-amd64/Packages.gz": []byte("not the real content"),
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dists/jammy/Release":
			w.Write(release)
		case "/dists/jammy/main/binary-amd64/Packages.gz":
			w.Write(packagesGz)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	_, err := LoadIndex(context.Background(), newTestFetcher(t), RepoConfig{
		URL:        srv.URL,
		Suite:      "jammy",
		Components: []string{"main"},
		Trust:      TrustUnsignedAllowed,
	}, "amd64")
	var integrity *fetcher.IntegrityError
	require.ErrorAs(t, err, &integrity)
}

func TestCandidateValidation(t *testing.T) {
	repo := NewRepository(RepoConfig{URL: "http://example.com", Suite: "jammy"})

	bad := []string{
		"Package: x\nVersion: 1.0\nArchitecture: amd64\nFilename: pool/../../escape\nSHA256: " + strings.Repeat("a", 64) + "\n",
		"Package: x\nVersion: 1.0\nArchitecture: amd64\nFilename: pool/x.deb\nSHA256: nothex\n",
		"Package: x\nVersion: 1.0\nArchitecture: amd64\nSHA256: " + strings.Repeat("a", 64) + "\n",
	}
	for _, content := range bad {
		err := repo.ParsePackages(strings.NewReader(content), "amd64")
		var parseErr *ControlParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("expected ControlParseError for %q, got %v", content, err)
		}
	}
}

func TestRepoConfigID(t *testing.T) {
	cfg := RepoConfig{URL: "http://example.com/ubuntu", Suite: "jammy", Components: []string{"main", "universe"}}
	assert.Equal(t, "http://example.com/ubuntu_jammy_main_universe", cfg.ID())
	assert.Equal(t, "deb http://example.com/ubuntu jammy main universe", cfg.SourcesEntry())

	flat := RepoConfig{URL: "http://example.com/flat"}
	assert.Equal(t, "http://example.com/flat_flat", flat.ID())
}
