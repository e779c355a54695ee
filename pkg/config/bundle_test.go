package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

const bundleRoot = "/repo"

var bundlePath = filepath.Join(bundleRoot, BundleConfigFileName)

type parseBundleTest struct {
	name      string
	config    string
	expConfig Bundle
	expError  error
}

func (test parseBundleTest) run(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(bundleRoot, 0755))
	require.NoError(t, afero.WriteFile(fs, bundlePath, []byte(test.config), 0644))

	config, err := ParseBundle(bundleRoot)
	require.Equal(t, test.expError, err)
	if test.expError == nil {
		assert.Equal(t, test.expConfig, config)
	}
}

func TestParseBundle(t *testing.T) {
	tests := []parseBundleTest{
		{
			name: "Minimal",
			config: "name: measles-abm\n" +
				"registry: ghcr.io/example/measles-abm\n",
			expConfig: Bundle{
				Version:    SupportedBundleConfigVersion,
				Name:       "measles-abm",
				Registry:   "ghcr.io/example/measles-abm",
				DefaultTag: "latest",
			},
		},
		{
			name: "Full",
			config: "version: v1alpha1\n" +
				"name: measles-abm\n" +
				"registry: registry.example.com/modelops/measles-abm\n" +
				"defaultTag: stable\n" +
				"layers:\n" +
				"  code:\n" +
				"    - src\n" +
				"    - scripts/\n" +
				"  data:\n" +
				"    - ./data\n" +
				"roles:\n" +
				"  trainer:\n" +
				"    - code\n" +
				"    - data\n" +
				"  scorer:\n" +
				"    - code\n",
			expConfig: Bundle{
				Version:    "v1alpha1",
				Name:       "measles-abm",
				Registry:   "registry.example.com/modelops/measles-abm",
				DefaultTag: "stable",
				Layers: map[string][]string{
					// Prefixes are normalized during validation.
					"code": {"src", "scripts"},
					"data": {"data"},
				},
				Roles: map[string][]string{
					"trainer": {"code", "data"},
					"scorer":  {"code"},
				},
			},
		},
		{
			name:     "MissingName",
			config:   "registry: ghcr.io/example/measles-abm\n",
			expError: errors.MissingFieldError{Field: "name"},
		},
		{
			name:     "MissingRegistry",
			config:   "name: measles-abm\n",
			expError: errors.MissingFieldError{Field: "registry"},
		},
		{
			name: "RegistryWithTag",
			config: "name: measles-abm\n" +
				"registry: ghcr.io/example/measles-abm:v1\n",
			expError: errors.NewFriendlyError("The registry %q in %s must not "+
				"include a tag or digest. Tags are chosen per push and pull.",
				"ghcr.io/example/measles-abm:v1", bundlePath),
		},
		{
			name: "RegistryWithDigest",
			config: "name: measles-abm\n" +
				"registry: ghcr.io/example/measles-abm@sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9\n",
			expError: errors.NewFriendlyError("The registry %q in %s must not "+
				"include a tag or digest. Tags are chosen per push and pull.",
				"ghcr.io/example/measles-abm@sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
				bundlePath),
		},
		{
			name: "IncompatibleVersion",
			config: "version: v2\n" +
				"name: measles-abm\n" +
				"registry: ghcr.io/example/measles-abm\n",
			expError: errors.WithContext(incompatibleVersionError{
				path:   bundlePath,
				exp:    SupportedBundleConfigVersion,
				actual: "v2",
			}, "parse"),
		},
		{
			name: "ExtraFields",
			config: "name: measles-abm\n" +
				"registry: ghcr.io/example/measles-abm\n" +
				"extra: fields\n",
			expError: errors.WithContext(
				errors.NewFriendlyError(parseConfigErrTemplate, bundlePath,
					errors.New("error unmarshaling JSON: while decoding JSON: "+
						`json: unknown field "extra"`)),
				"parse"),
		},
		{
			name: "BadLayerName",
			config: "name: measles-abm\n" +
				"registry: ghcr.io/example/measles-abm\n" +
				"layers:\n" +
				"  Code:\n" +
				"    - src\n",
			expError: errors.NewFriendlyError("The layer name %q in %s is "+
				"invalid. Layer names must match %s.", "Code", bundlePath,
				layerNameRegex),
		},
		{
			name: "LayerEscapesRoot",
			config: "name: measles-abm\n" +
				"registry: ghcr.io/example/measles-abm\n" +
				"layers:\n" +
				"  data:\n" +
				"    - ../shared\n",
			expError: errors.WithContext(errors.UnsafePath{
				Path:   "../shared",
				Reason: "path traversal",
			}, "layer data"),
		},
		{
			name: "RoleReferencesUnknownLayer",
			config: "name: measles-abm\n" +
				"registry: ghcr.io/example/measles-abm\n" +
				"layers:\n" +
				"  code:\n" +
				"    - src\n" +
				"roles:\n" +
				"  trainer:\n" +
				"    - code\n" +
				"    - data\n",
			expError: errors.NewFriendlyError("The role %q in %s references "+
				"the layer %q, which is not defined.", "trainer", bundlePath,
				"data"),
		},
	}

	for _, test := range tests {
		t.Run(test.name, test.run)
	}
}

func TestParseBundleMissingFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(bundleRoot, 0755))

	_, err := ParseBundle(bundleRoot)
	require.Error(t, err)
	assert.Contains(t, errors.GetPrintableMessage(err), "No mops.yaml found")
}

func TestScope(t *testing.T) {
	config := Bundle{
		Name:     "measles-abm",
		Registry: "ghcr.io/example/measles-abm",
		Layers: map[string][]string{
			"code": {"src", "scripts"},
			"data": {"data"},
		},
		Roles: map[string][]string{
			"trainer": {"code", "data"},
			"scorer":  {"code"},
		},
	}

	paths := []string{
		"data/cases.csv",
		"mops.yaml",
		"scripts/run.sh",
		"src/model.py",
		"srcmore/not-code.py",
	}

	scoped, err := config.Scope("scorer", paths)
	require.NoError(t, err)
	assert.Equal(t, []string{"scripts/run.sh", "src/model.py"}, scoped)

	scoped, err = config.Scope("trainer", paths)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"data/cases.csv", "scripts/run.sh", "src/model.py",
	}, scoped)

	// No role means no filtering.
	scoped, err = config.Scope("", paths)
	require.NoError(t, err)
	assert.Equal(t, paths, scoped)

	_, err = config.Scope("oracle", paths)
	assert.Equal(t, errors.NewFriendlyError("The role %q is not defined in %s. "+
		"Available roles: %s.", "oracle", BundleConfigFileName,
		"scorer, trainer"), err)
}
