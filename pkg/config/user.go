package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

const (
	// UserConfigPath is the default path to the mops user config.
	UserConfigPath = "~/.mops.yaml"

	// DefaultCachePath is where pulled bundles are materialized when the
	// user config doesn't say otherwise.
	DefaultCachePath = "~/.mops/cache"

	// EnvironmentVariable overrides the pinned environment for a single
	// invocation.
	EnvironmentVariable = "MOPS_ENV"

	// SupportedUserConfigVersion is the supported version of the mops user
	// config for the current binary.
	SupportedUserConfigVersion = "v1alpha1"

	// EnvironmentKindOCI is a registry speaking the OCI distribution API.
	EnvironmentKindOCI = "oci"

	// EnvironmentKindS3 is an S3-compatible object store.
	EnvironmentKindS3 = "s3"
)

// User contains the machine-level configuration: named registry
// environments, which one is pinned, and where the bundle cache lives.
type User struct {
	Version string `json:"version,omitempty"`

	// Environment is the pinned environment name. The MOPS_ENV variable
	// overrides it per invocation.
	Environment string `json:"environment,omitempty"`

	// Environments maps names to registry access settings.
	Environments map[string]Environment `json:"environments,omitempty"`

	// CachePath overrides the default bundle cache location.
	CachePath string `json:"cachePath,omitempty"`
}

// Environment describes how to reach one registry backend.
type Environment struct {
	// Kind is "oci" or "s3". An empty kind means "oci".
	Kind string `json:"kind,omitempty"`

	// URL is the OCI registry base URL, e.g. https://ghcr.io. When empty,
	// it's derived from the bundle's registry reference.
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Endpoint is the S3 host, e.g. s3.amazonaws.com or minio.internal:9000.
	Endpoint  string `json:"endpoint,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`

	// Insecure disables TLS. Meant for local development registries.
	Insecure bool `json:"insecure,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseUser attempts to parse the User config stored in the default path. A
// missing config file isn't an error: the zero User resolves to an anonymous
// registry environment, which is all public registries need.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: SupportedUserConfigVersion}
	if err := parseConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return User{Version: SupportedUserConfigVersion}, nil
		}
		return User{}, errors.WithContext(err, "parse")
	}

	for name, env := range config.Environments {
		if err := validateEnvironment(name, env, path); err != nil {
			return User{}, err
		}
	}
	return config, nil
}

func validateEnvironment(name string, env Environment, path string) error {
	switch env.Kind {
	case "", EnvironmentKindOCI:
		return nil
	case EnvironmentKindS3:
		if env.Bucket == "" || env.Endpoint == "" {
			return errors.NewFriendlyError("The environment %q in %s uses the "+
				"s3 kind, which requires both an endpoint and a bucket.",
				name, path)
		}
		return nil
	default:
		return errors.NewFriendlyError("The environment %q in %s has the "+
			"unknown kind %q. Supported kinds: %s, %s.",
			name, path, env.Kind, EnvironmentKindOCI, EnvironmentKindS3)
	}
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0600); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// ResolveEnvironment picks the environment for this invocation: the MOPS_ENV
// variable wins, then the pinned environment, then an anonymous OCI
// environment. The returned name is empty for the anonymous default.
func (u User) ResolveEnvironment() (Environment, string, error) {
	name := os.Getenv(EnvironmentVariable)
	if name == "" {
		name = u.Environment
	}
	if name == "" {
		return Environment{Kind: EnvironmentKindOCI}, "", nil
	}

	env, ok := u.Environments[name]
	if !ok {
		var available []string
		for envName := range u.Environments {
			available = append(available, envName)
		}
		sort.Strings(available)

		hint := "No environments are defined."
		if len(available) > 0 {
			hint = fmt.Sprintf("Available environments: %s.",
				strings.Join(available, ", "))
		}
		return Environment{}, "", errors.NewFriendlyError(
			"The environment %q is not defined in %s. %s",
			name, UserConfigPath, hint)
	}

	if env.Kind == "" {
		env.Kind = EnvironmentKindOCI
	}
	return env, name, nil
}

// ResolveCachePath returns the expanded bundle cache root.
func (u User) ResolveCachePath() (string, error) {
	path := u.CachePath
	if path == "" {
		path = DefaultCachePath
	}

	expanded, err := homedirExpand(path)
	if err != nil {
		return "", errors.WithContext(err, "expand cache path")
	}
	return expanded, nil
}

// Get the path to the user's global mops configuration. This path is
// expanded, so it can be directly passed to file operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}
