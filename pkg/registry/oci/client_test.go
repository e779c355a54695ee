package oci

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/registry"
)

// fakeRegistry is a minimal distribution server backed by maps. It rejects
// manifests referencing blobs it doesn't have, like a real registry would,
// which is what makes the push-atomicity tests meaningful.
type fakeRegistry struct {
	t *testing.T

	mu        sync.Mutex
	blobs     map[digest.Digest][]byte
	manifests map[string][]byte
	uploads   map[string]bool
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	return &fakeRegistry{
		t:         t,
		blobs:     map[digest.Digest][]byte{},
		manifests: map[string][]byte{},
		uploads:   map[string]bool{},
	}
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v2/test/bundle")
	switch {
	case strings.HasPrefix(path, "/manifests/"):
		f.serveManifest(w, r, strings.TrimPrefix(path, "/manifests/"))
	case path == "/blobs/uploads/":
		id := fmt.Sprintf("upload-%d", len(f.uploads))
		f.uploads[id] = true
		w.Header().Set("Location", "/v2/test/bundle/blobs/uploads/"+id)
		w.WriteHeader(http.StatusAccepted)
	case strings.HasPrefix(path, "/blobs/uploads/"):
		contents, err := io.ReadAll(r.Body)
		require.NoError(f.t, err)

		// Registries commonly refuse monolithic uploads without a declared
		// length, so a chunked PUT here is a client bug.
		require.Equal(f.t, int64(len(contents)), r.ContentLength,
			"blob PUT must declare its content length")

		f.blobs[digest.FromBytes(contents)] = contents
		w.WriteHeader(http.StatusCreated)
	case strings.HasPrefix(path, "/blobs/"):
		f.serveBlob(w, r, digest.Digest(strings.TrimPrefix(path, "/blobs/")))
	case path == "/tags/list":
		var tags []string
		for ref := range f.manifests {
			if !strings.HasPrefix(ref, "sha256:") {
				tags = append(tags, ref)
			}
		}
		fmt.Fprintf(w, `{"name": "test/bundle", "tags": [%s]}`, quoteJoin(tags))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRegistry) serveManifest(w http.ResponseWriter, r *http.Request, ref string) {
	if r.Method == http.MethodPut {
		payload, err := io.ReadAll(r.Body)
		require.NoError(f.t, err)

		// A real registry refuses manifests whose blobs haven't been
		// uploaded. Enforcing that here is the push-atomicity check.
		man, err := parseManifest(payload)
		require.NoError(f.t, err)
		_, ok := f.blobs[man.Config.Digest]
		require.True(f.t, ok, "manifest PUT before config blob upload")
		for _, layer := range man.Layers {
			_, ok := f.blobs[layer.Digest]
			require.True(f.t, ok, "manifest PUT before layer blob upload")
		}

		f.manifests[ref] = payload
		f.manifests[digest.FromBytes(payload).String()] = payload
		w.WriteHeader(http.StatusCreated)
		return
	}

	payload, ok := f.manifests[ref]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Docker-Content-Digest", digest.FromBytes(payload).String())
	w.Header().Set("Content-Type", mediaTypeManifest)
	if r.Method == http.MethodGet {
		w.Write(payload)
	}
}

func (f *fakeRegistry) serveBlob(w http.ResponseWriter, r *http.Request, blobDigest digest.Digest) {
	contents, ok := f.blobs[blobDigest]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method == http.MethodGet {
		w.Write(contents)
	}
}

func quoteJoin(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}
	return strings.Join(quoted, ", ")
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	client, err := New(registry.Endpoint{
		URL:        server.URL,
		Repository: "test/bundle",
	}, clockwork.NewRealClock())
	require.NoError(t, err)
	return client
}

// writeRepo writes files into a temp dir and returns their LocalFiles and an
// index built from them. Contents longer than the inline threshold are blob
// storage; everything here is short, so pad is used to force blobs.
func writeRepo(t *testing.T, files map[string]string) ([]bundle.LocalFile, *bundle.Index) {
	dir := t.TempDir()

	var local []bundle.LocalFile
	for path, contents := range files {
		target := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
		require.NoError(t, os.WriteFile(target, []byte(contents), 0644))
		local = append(local, bundle.LocalFile{
			FileInfo: bundle.FileInfo{
				Path:   path,
				Digest: digest.FromString(contents),
				Size:   int64(len(contents)),
			},
			ContentsPath: target,
		})
	}

	idx, err := bundle.BuildIndex(time.Unix(1500000000, 0), bundle.Tool{Name: "mops"},
		local, nil)
	require.NoError(t, err)
	return local, idx
}

func TestPushAndPull(t *testing.T) {
	server := httptest.NewServer(newFakeRegistry(t))
	defer server.Close()
	client := newTestClient(t, server)
	ctx := context.Background()

	bigFile := strings.Repeat("training data\n", 1000)
	local, idx := writeRepo(t, map[string]string{
		"model/run.py":   "print('hello')\n",
		"data/train.csv": bigFile,
	})

	manifestDigest, err := client.PushFiles(ctx, "v1.0", local, idx)
	require.NoError(t, err)

	resolved, err := client.CurrentTagDigest(ctx, "v1.0")
	require.NoError(t, err)
	assert.Equal(t, manifestDigest, resolved)

	remote, err := client.RemoteState(ctx, "v1.0")
	require.NoError(t, err)
	assert.Equal(t, manifestDigest, remote.ManifestDigest)
	assert.Len(t, remote.Files, 2)
	assert.Equal(t, digest.FromString(bigFile), remote.Files["data/train.csv"].Digest)

	fetched, err := client.GetIndex(ctx, manifestDigest)
	require.NoError(t, err)
	assert.Equal(t, idx.Files, fetched.Files)

	outputDir := t.TempDir()
	err = client.PullSelected(ctx, fetched, []string{"model/run.py", "data/train.csv"},
		outputDir)
	require.NoError(t, err)

	pulled, err := os.ReadFile(filepath.Join(outputDir, "data", "train.csv"))
	require.NoError(t, err)
	assert.Equal(t, bigFile, string(pulled))

	pulled, err = os.ReadFile(filepath.Join(outputDir, "model", "run.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hello')\n", string(pulled))

	tags, err := client.ListTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.0"}, tags)
}

func TestCurrentTagDigestNotFound(t *testing.T) {
	server := httptest.NewServer(newFakeRegistry(t))
	defer server.Close()
	client := newTestClient(t, server)

	_, err := client.CurrentTagDigest(context.Background(), "missing")
	assert.Equal(t, errors.TagNotFound{Tag: "missing"}, errors.RootCause(err))
}

func TestPushSkipsExistingBlobs(t *testing.T) {
	fake := newFakeRegistry(t)
	server := httptest.NewServer(fake)
	defer server.Close()
	client := newTestClient(t, server)
	ctx := context.Background()

	contents := strings.Repeat("weights", 1000)
	local, idx := writeRepo(t, map[string]string{"weights.bin": contents})

	_, err := client.PushFiles(ctx, "v1", local, idx)
	require.NoError(t, err)

	uploadsAfterFirst := len(fake.uploads)
	_, err = client.PushFiles(ctx, "v2", local, idx)
	require.NoError(t, err)

	// The second push reuses the file blob, so only new upload sessions are
	// for nothing: the blob HEAD says it's already there.
	assert.Equal(t, uploadsAfterFirst, len(fake.uploads))
}

func TestPullUnsafePathWritesNothing(t *testing.T) {
	server := httptest.NewServer(newFakeRegistry(t))
	defer server.Close()
	client := newTestClient(t, server)

	idx := &bundle.Index{
		Created: "2017-07-14T02:40:00Z",
		Files: map[string]bundle.FileEntry{
			"../../etc/passwd": {
				Digest:  digest.FromString("pwned"),
				Size:    5,
				Storage: bundle.StorageBlob,
			},
		},
	}

	outputDir := t.TempDir()
	err := client.PullSelected(context.Background(), idx,
		[]string{"../../etc/passwd"}, outputDir)
	require.Error(t, err)
	assert.IsType(t, errors.UnsafePath{}, errors.RootCause(err))

	entries, readErr := os.ReadDir(outputDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestPullDigestMismatch(t *testing.T) {
	fake := newFakeRegistry(t)
	server := httptest.NewServer(fake)
	defer server.Close()
	client := newTestClient(t, server)
	ctx := context.Background()

	contents := strings.Repeat("data", 2000)
	local, idx := writeRepo(t, map[string]string{"data.bin": contents})
	_, err := client.PushFiles(ctx, "v1", local, idx)
	require.NoError(t, err)

	// Corrupt the blob in place. The declared digest no longer matches.
	fake.mu.Lock()
	fake.blobs[digest.FromString(contents)] = []byte("corrupted")
	fake.mu.Unlock()

	outputDir := t.TempDir()
	err = client.PullSelected(ctx, idx, []string{"data.bin"}, outputDir)
	require.Error(t, err)
	assert.IsType(t, errors.DigestMismatch{}, errors.RootCause(err))

	_, statErr := os.Stat(filepath.Join(outputDir, "data.bin"))
	assert.True(t, os.IsNotExist(statErr))
}
