package bundle

import (
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

var testTool = Tool{Name: "mops", Version: "0.3.0"}

func writeAndHash(t *testing.T, path string, contents []byte) LocalFile {
	require.NoError(t, afero.WriteFile(fs, path, contents, 0644))
	fileDigest, size, err := HashFile(path)
	require.NoError(t, err)
	return LocalFile{
		FileInfo: FileInfo{
			Path:   path[len("/repo/"):],
			Digest: fileDigest,
			Size:   size,
		},
		ContentsPath: path,
	}
}

func TestBuildIndex(t *testing.T) {
	fs = afero.NewMemMapFs()

	small := writeAndHash(t, "/repo/config.yaml", []byte("threshold: 0.75\n"))
	large := writeAndHash(t, "/repo/model.bin", make([]byte, InlineThreshold+1))

	created := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	idx, err := BuildIndex(created, testTool,
		[]LocalFile{small, large}, map[string]string{"run": "42"})
	require.NoError(t, err)

	assert.Equal(t, "2024-03-15T10:30:00Z", idx.Created)
	assert.Equal(t, testTool, idx.Tool)
	assert.Equal(t, map[string]string{"run": "42"}, idx.Metadata)

	smallEntry := idx.Files["config.yaml"]
	assert.Equal(t, StorageInline, smallEntry.Storage)
	assert.Equal(t, []byte("threshold: 0.75\n"), smallEntry.Data)
	assert.Equal(t, small.Digest, smallEntry.Digest)

	largeEntry := idx.Files["model.bin"]
	assert.Equal(t, StorageBlob, largeEntry.Storage)
	assert.Nil(t, largeEntry.Data)
	assert.Equal(t, large.Digest, largeEntry.Digest)
}

func TestBuildIndexFileChanged(t *testing.T) {
	fs = afero.NewMemMapFs()

	small := writeAndHash(t, "/repo/config.yaml", []byte("threshold: 0.75\n"))
	require.NoError(t, afero.WriteFile(
		fs, "/repo/config.yaml", []byte("threshold: 0.9\n"), 0644))

	_, err := BuildIndex(time.Now(), testTool, []LocalFile{small}, nil)
	assert.Equal(t, errors.ErrFileChanged, errors.RootCause(err))
}

func TestIndexRoundTrip(t *testing.T) {
	fs = afero.NewMemMapFs()

	small := writeAndHash(t, "/repo/params.json", []byte(`{"seed": 7}`))
	idx, err := BuildIndex(time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC),
		testTool, []LocalFile{small}, nil)
	require.NoError(t, err)

	encoded, err := idx.Encode()
	require.NoError(t, err)

	decoded, err := DecodeIndex(encoded)
	require.NoError(t, err)
	assert.Equal(t, idx, decoded)

	// The canonical encoding is deterministic, so the digest is too.
	firstDigest, err := idx.Digest()
	require.NoError(t, err)
	secondDigest, err := decoded.Digest()
	require.NoError(t, err)
	assert.Equal(t, firstDigest, secondDigest)
}

func TestDecodeIndexRejectsCorruptEntries(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "MissingCreated",
			body: `{"tool": {"name": "mops"}, "files": {}}`,
		},
		{
			name: "BadDigest",
			body: `{"created": "2024-03-15T10:30:00Z", "tool": {"name": "mops"},
				"files": {"a.txt": {"digest": "not-a-digest", "size": 1, "storage": "blob"}}}`,
		},
		{
			name: "UnknownStorage",
			body: `{"created": "2024-03-15T10:30:00Z", "tool": {"name": "mops"},
				"files": {"a.txt": {"digest": "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", "size": 11, "storage": "carrier-pigeon"}}}`,
		},
		{
			name: "InlineSizeMismatch",
			body: `{"created": "2024-03-15T10:30:00Z", "tool": {"name": "mops"},
				"files": {"a.txt": {"digest": "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", "size": 99, "storage": "inline", "data": "aGVsbG8gd29ybGQ="}}}`,
		},
		{
			name: "InlineDataTampered",
			body: `{"created": "2024-03-15T10:30:00Z", "tool": {"name": "mops"},
				"files": {"a.txt": {"digest": "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", "size": 11, "storage": "inline", "data": "aGVsbG8gV09STEQ="}}}`,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			_, err := DecodeIndex([]byte(test.body))
			assert.Error(t, err)
		})
	}
}

func TestRemoteStateFromIndex(t *testing.T) {
	idx := &Index{
		Created: "2024-03-15T10:30:00Z",
		Files: map[string]FileEntry{
			"a.txt": {Digest: "sha256:aaaa", Size: 3, Storage: StorageBlob},
			"b.txt": {Digest: "sha256:bbbb", Size: 5, Storage: StorageBlob},
		},
	}

	state := RemoteStateFromIndex(digest.Digest("sha256:manifest"), idx)
	assert.Equal(t, digest.Digest("sha256:manifest"), state.ManifestDigest)
	assert.Equal(t, map[string]FileInfo{
		"a.txt": {Path: "a.txt", Digest: "sha256:aaaa", Size: 3},
		"b.txt": {Path: "b.txt", Digest: "sha256:bbbb", Size: 5},
	}, state.Files)
}
