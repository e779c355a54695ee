package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/config"
)

func TestEndpoint(t *testing.T) {
	bundleCfg := config.Bundle{
		Name:     "measles-abm",
		Registry: "ghcr.io/example/measles-abm",
	}

	// The registry domain and repository come from the bundle config when
	// the environment doesn't override the URL.
	endpoint, err := Endpoint(bundleCfg, config.Environment{Kind: config.EnvironmentKindOCI})
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io", endpoint.URL)
	assert.Equal(t, "example/measles-abm", endpoint.Repository)

	// An explicit URL wins, e.g. pointing the same repository at a mirror.
	endpoint, err = Endpoint(bundleCfg, config.Environment{
		Kind: config.EnvironmentKindOCI,
		URL:  "https://mirror.internal:5000",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.internal:5000", endpoint.URL)

	// S3 environments carry the bucket settings through and reuse the
	// repository path as the object key prefix.
	endpoint, err = Endpoint(bundleCfg, config.Environment{
		Kind:      config.EnvironmentKindS3,
		Endpoint:  "minio.internal:9000",
		Bucket:    "bundles",
		AccessKey: "key",
		SecretKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "minio.internal:9000", endpoint.S3Endpoint)
	assert.Equal(t, "bundles", endpoint.Bucket)
	assert.Equal(t, "example/measles-abm", endpoint.Repository)
}

func TestEndpointDockerHubShortName(t *testing.T) {
	// Short names normalize the way docker does, so the repository path
	// gains the library/ prefix and the domain is docker.io.
	endpoint, err := Endpoint(config.Bundle{
		Name:     "demo",
		Registry: "example/demo",
	}, config.Environment{})
	require.NoError(t, err)
	assert.Equal(t, "docker.io", endpoint.URL)
	assert.Equal(t, "example/demo", endpoint.Repository)
}
