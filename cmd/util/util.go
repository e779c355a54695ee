// Package util holds the glue shared by the CLI commands: fatal error
// rendering, project root discovery, and registry client construction from
// the resolved configuration.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/docker/distribution/reference"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/config"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/registry"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/registry/oci"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/registry/s3"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// HandleFatalError prints the user-facing message for err and exits. Only
// the top of the CLI calls it; everything below returns errors.
func HandleFatalError(err error) {
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	os.Exit(1)
}

// HandlePanic converts a panic into a bug-report request rather than a bare
// stack trace. It's installed by main via defer.
func HandlePanic() {
	if r := recover(); r != nil {
		fmt.Fprintf(os.Stderr, "mops hit an unexpected error: %v\n\n"+
			"This is a bug. Please report it at "+
			"https://github.com/InstituteforDiseaseModeling/modelops-bundle/issues "+
			"along with the trace below.\n\n%s", r, debug.Stack())
		os.Exit(1)
	}
}

// FindRoot walks up from the working directory to the nearest directory
// containing the bundle config, which is the repository root every
// repo-relative path hangs off.
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", errors.WithContext(err, "get working directory")
	}

	for {
		exists, err := afero.Exists(fs, filepath.Join(dir, config.BundleConfigFileName))
		if err != nil {
			return "", errors.WithContext(err, "stat bundle config")
		}
		if exists {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewFriendlyError("No %s found in this directory "+
				"or any parent.\nRun mops from inside a bundle repository.",
				config.BundleConfigFileName)
		}
		dir = parent
	}
}

// Endpoint combines the bundle's registry coordinate with the resolved
// environment's access settings.
func Endpoint(bundleCfg config.Bundle, env config.Environment) (registry.Endpoint, error) {
	endpoint := registry.Endpoint{
		Username:   env.Username,
		Password:   env.Password,
		S3Endpoint: env.Endpoint,
		Bucket:     env.Bucket,
		AccessKey:  env.AccessKey,
		SecretKey:  env.SecretKey,
		Insecure:   env.Insecure,
	}

	named, err := bundleCfg.Reference()
	if err != nil {
		return registry.Endpoint{}, err
	}
	endpoint.Repository = reference.Path(named)

	if env.Kind == config.EnvironmentKindS3 {
		return endpoint, nil
	}

	endpoint.URL = env.URL
	if endpoint.URL == "" {
		endpoint.URL = reference.Domain(named)
	}
	return endpoint, nil
}

// NewRegistryClient builds the registry client for this invocation from the
// bundle config and the resolved environment.
func NewRegistryClient(bundleCfg config.Bundle, env config.Environment,
	clock clockwork.Clock) (registry.Client, error) {

	endpoint, err := Endpoint(bundleCfg, env)
	if err != nil {
		return nil, err
	}

	switch env.Kind {
	case config.EnvironmentKindS3:
		return s3.New(endpoint, clock)
	default:
		return oci.New(endpoint, clock)
	}
}

// Workspace is everything an invocation needs: the repository root, the
// validated bundle config, and the resolved registry environment.
type Workspace struct {
	Root    string
	Bundle  config.Bundle
	User    config.User
	Env     config.Environment
	EnvName string
}

// LoadWorkspace locates the repository and resolves its configuration. The
// returned Bundle and Environment are fully validated; nothing downstream
// re-checks their invariants.
func LoadWorkspace() (Workspace, error) {
	root, err := FindRoot()
	if err != nil {
		return Workspace{}, err
	}

	bundleCfg, err := config.ParseBundle(root)
	if err != nil {
		return Workspace{}, errors.WithContext(err, "parse bundle config")
	}

	userCfg, err := config.ParseUser()
	if err != nil {
		return Workspace{}, errors.WithContext(err, "parse user config")
	}

	env, envName, err := userCfg.ResolveEnvironment()
	if err != nil {
		return Workspace{}, err
	}

	return Workspace{
		Root:    root,
		Bundle:  bundleCfg,
		User:    userCfg,
		Env:     env,
		EnvName: envName,
	}, nil
}

// RegistryClient builds the registry client for this workspace.
func (w Workspace) RegistryClient(clock clockwork.Clock) (registry.Client, error) {
	return NewRegistryClient(w.Bundle, w.Env, clock)
}

// Tag resolves the tag for an invocation: the explicit flag if given,
// otherwise the bundle's default.
func (w Workspace) Tag(flag string) string {
	if flag != "" {
		return flag
	}
	return w.Bundle.DefaultTag
}

// CacheRoot resolves the bundle cache root from the user config.
func CacheRoot() (string, error) {
	userCfg, err := config.ParseUser()
	if err != nil {
		return "", errors.WithContext(err, "parse user config")
	}
	return userCfg.ResolveCachePath()
}

// LogMissing warns about tracked paths that don't exist locally. Missing
// files don't fail a scan; they just can't be part of a push.
func LogMissing(missing []string) {
	for _, path := range missing {
		log.WithField("path", path).Warn("Tracked file is missing locally")
	}
}
