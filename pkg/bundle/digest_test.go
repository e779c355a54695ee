package bundle

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

func TestHashFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(
		fs, "/repo/greeting.txt", []byte("hello world"), 0644))

	digest, size, err := HashFile("/repo/greeting.txt")
	require.NoError(t, err)
	assert.Equal(t,
		"sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		digest.String())
	assert.Equal(t, int64(11), size)

	// Same contents at another path hash identically.
	require.NoError(t, afero.WriteFile(
		fs, "/repo/copy.txt", []byte("hello world"), 0644))
	copyDigest, _, err := HashFile("/repo/copy.txt")
	require.NoError(t, err)
	assert.Equal(t, digest, copyDigest)
}

func TestHashFileNotFound(t *testing.T) {
	fs = afero.NewMemMapFs()

	_, _, err := HashFile("/repo/nope.txt")
	assert.Equal(t, errors.FileNotFound{Path: "/repo/nope.txt"}, err)
}
