package bundle

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackedSetRoundTrip(t *testing.T) {
	fs = afero.NewMemMapFs()

	set := NewTrackedSet()
	assert.True(t, set.Add("src/model.py"))
	assert.True(t, set.Add("data/cases.csv"))
	assert.False(t, set.Add("src/model.py"), "double add should report no change")
	require.NoError(t, set.Save("/repo"))

	// The file is sorted, one path per line.
	contents, err := afero.ReadFile(fs, "/repo/.mops/tracked")
	require.NoError(t, err)
	assert.Equal(t, "data/cases.csv\nsrc/model.py\n", string(contents))

	loaded, err := LoadTracked("/repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"data/cases.csv", "src/model.py"}, loaded.Paths())
	assert.True(t, loaded.Contains("src/model.py"))
	assert.False(t, loaded.Contains("src/other.py"))
}

func TestLoadTrackedMissing(t *testing.T) {
	fs = afero.NewMemMapFs()

	set, err := LoadTracked("/repo")
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())
}

func TestTrackedSetRemove(t *testing.T) {
	fs = afero.NewMemMapFs()

	set := NewTrackedSet()
	set.Add("a.txt")
	assert.True(t, set.Remove("a.txt"))
	assert.False(t, set.Remove("a.txt"), "removing twice should report no change")
	require.NoError(t, set.Save("/repo"))

	loaded, err := LoadTracked("/repo")
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Len())
}

func TestLoadTrackedSkipsBlankLines(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/.mops/tracked",
		[]byte("a.txt\n\n  \nb.txt\n"), 0644))

	set, err := LoadTracked("/repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, set.Paths())
}
