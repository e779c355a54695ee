package push

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/util"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/config"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/registry/registrytest"
)

// setupRepo writes a repository with the given tracked files and returns a
// pusher wired to the fake registry.
func setupRepo(t *testing.T, fake *registrytest.Fake, files map[string]string) pusher {
	root := t.TempDir()

	tracked := bundle.NewTrackedSet()
	for path, contents := range files {
		target := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
		require.NoError(t, os.WriteFile(target, []byte(contents), 0644))
		tracked.Add(path)
	}
	require.NoError(t, tracked.Save(root))

	return pusher{
		workspace: util.Workspace{
			Root: root,
			Bundle: config.Bundle{
				Name:       "demo",
				Registry:   "ghcr.io/example/demo",
				DefaultTag: "latest",
				Layers: map[string][]string{
					"code": {"src"},
					"data": {"data"},
				},
				Roles: map[string][]string{
					"scorer": {"code"},
				},
			},
		},
		client:  fake,
		clock:   clockwork.NewFakeClock(),
		tag:     "v1.0",
		workers: 2,
	}
}

func TestPushNewTag(t *testing.T) {
	fake := registrytest.NewFake()
	p := setupRepo(t, fake, map[string]string{
		"src/run.py":     "print('hi')\n",
		"data/train.csv": "a,b\n1,2\n",
	})

	require.NoError(t, p.pushOnce(context.Background()))
	require.Equal(t, 1, fake.PushCount)

	manifestDigest, ok := fake.Tags["v1.0"]
	require.True(t, ok)
	idx := fake.Indexes[manifestDigest]
	assert.Len(t, idx.Files, 2)
	assert.Equal(t, "demo", idx.Metadata["bundle"])

	// The sync state records every tracked file.
	state := bundle.LoadSyncState(p.workspace.Root)
	assert.Len(t, state.LastSyncedFiles, 2)
	assert.Equal(t, "v1.0", state.Tag)
	assert.Equal(t, manifestDigest, state.ManifestDigest)
}

func TestPushIdempotent(t *testing.T) {
	fake := registrytest.NewFake()
	p := setupRepo(t, fake, map[string]string{
		"src/run.py": "print('hi')\n",
	})
	ctx := context.Background()

	require.NoError(t, p.pushOnce(ctx))
	first := fake.Tags["v1.0"]

	// Nothing changed: the second push is a no-op that leaves the manifest
	// digest alone and doesn't call PushFiles at all.
	require.NoError(t, p.pushOnce(ctx))
	assert.Equal(t, 1, fake.PushCount)
	assert.Equal(t, first, fake.Tags["v1.0"])
}

func TestPushOnlyChangedFiles(t *testing.T) {
	fake := registrytest.NewFake()
	p := setupRepo(t, fake, map[string]string{
		"src/run.py":     "print('hi')\n",
		"data/train.csv": "a,b\n1,2\n",
	})
	ctx := context.Background()

	require.NoError(t, p.pushOnce(ctx))
	firstIndex := fake.Indexes[fake.Tags["v1.0"]]

	require.NoError(t, os.WriteFile(
		filepath.Join(p.workspace.Root, "src", "run.py"),
		[]byte("print('changed')\n"), 0644))
	require.NoError(t, p.pushOnce(ctx))

	secondIndex := fake.Indexes[fake.Tags["v1.0"]]
	assert.NotEqual(t, firstIndex.Files["src/run.py"].Digest,
		secondIndex.Files["src/run.py"].Digest)
	assert.Equal(t, firstIndex.Files["data/train.csv"].Digest,
		secondIndex.Files["data/train.csv"].Digest)
}

func TestPushRoleScoped(t *testing.T) {
	fake := registrytest.NewFake()
	p := setupRepo(t, fake, map[string]string{
		"src/run.py":     "print('hi')\n",
		"data/train.csv": "a,b\n1,2\n",
	})
	ctx := context.Background()

	// Publish the full bundle, then push a changed scorer role on top of it.
	require.NoError(t, p.pushOnce(ctx))
	fullIndex := fake.Indexes[fake.Tags["v1.0"]]

	require.NoError(t, os.WriteFile(
		filepath.Join(p.workspace.Root, "src", "run.py"),
		[]byte("print('changed')\n"), 0644))
	p.role = "scorer"
	require.NoError(t, p.pushOnce(ctx))

	// The role's files are replaced; the other layer's entries are carried
	// into the new manifest untouched.
	idx := fake.Indexes[fake.Tags["v1.0"]]
	require.Len(t, idx.Files, 2)
	assert.NotEqual(t, fullIndex.Files["src/run.py"].Digest,
		idx.Files["src/run.py"].Digest)
	assert.Equal(t, fullIndex.Files["data/train.csv"],
		idx.Files["data/train.csv"])
}

func TestPushRoleScopedNewTag(t *testing.T) {
	fake := registrytest.NewFake()
	p := setupRepo(t, fake, map[string]string{
		"src/run.py":     "print('hi')\n",
		"data/train.csv": "a,b\n1,2\n",
	})
	p.role = "scorer"

	require.NoError(t, p.pushOnce(context.Background()))

	// No existing manifest to carry from, so the tag holds just the role.
	idx := fake.Indexes[fake.Tags["v1.0"]]
	require.Len(t, idx.Files, 1)
	_, ok := idx.Files["src/run.py"]
	assert.True(t, ok)
}

func TestPushRoleScopedInSync(t *testing.T) {
	fake := registrytest.NewFake()
	p := setupRepo(t, fake, map[string]string{
		"src/run.py":     "print('hi')\n",
		"data/train.csv": "a,b\n1,2\n",
	})
	ctx := context.Background()

	require.NoError(t, p.pushOnce(ctx))
	first := fake.Tags["v1.0"]

	// An unchanged role push is a no-op even though the unscoped files are
	// invisible to it.
	p.role = "scorer"
	require.NoError(t, p.pushOnce(ctx))
	assert.Equal(t, 1, fake.PushCount)
	assert.Equal(t, first, fake.Tags["v1.0"])
}

func TestPushUnknownRole(t *testing.T) {
	fake := registrytest.NewFake()
	p := setupRepo(t, fake, map[string]string{"src/run.py": "x"})
	p.role = "nonexistent"

	err := p.pushOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, fake.PushCount)
}

func TestPushNothingTracked(t *testing.T) {
	fake := registrytest.NewFake()
	p := setupRepo(t, fake, nil)

	err := p.pushOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, fake.PushCount)
}
