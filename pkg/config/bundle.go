package config

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/docker/distribution/reference"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/pathsafe"
)

const (
	// BundleConfigFileName is the name of the per-repository bundle config.
	BundleConfigFileName = "mops.yaml"

	// SupportedBundleConfigVersion is the bundle config version this binary
	// understands.
	SupportedBundleConfigVersion = "v1alpha1"

	// DefaultTag is used when neither the config nor the command line names
	// a tag.
	DefaultTag = "latest"
)

// layerNameRegex restricts layer names so they can double as path components
// and CLI arguments.
var layerNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Bundle is the per-repository configuration, stored at the repository root.
type Bundle struct {
	Version string `json:"version,omitempty"`

	// Name identifies the bundle. It's recorded in pushed manifests.
	Name string `json:"name"`

	// Registry is the registry coordinate bundles sync against, without a
	// tag or digest. Tags are chosen per push and pull.
	Registry string `json:"registry"`

	// DefaultTag overrides the built-in default tag.
	DefaultTag string `json:"defaultTag,omitempty"`

	// Layers group repo paths under a name, e.g. "code" or "data". Each
	// entry lists path prefixes relative to the repository root.
	Layers map[string][]string `json:"layers,omitempty"`

	// Roles name the layer combinations different consumers pull, e.g. a
	// "scorer" that needs code but not training data.
	Roles map[string][]string `json:"roles,omitempty"`
}

func (b Bundle) getVersion() string {
	return b.Version
}

// ParseBundle reads and validates the bundle config in the given repository
// root.
func ParseBundle(root string) (Bundle, error) {
	path := filepath.Join(root, BundleConfigFileName)

	config := Bundle{Version: SupportedBundleConfigVersion}
	if err := parseConfig(path, &config, SupportedBundleConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Bundle{}, errors.NewFriendlyError("No %s found in %q.\n"+
				"Create one with at least a name and a registry. For example:\n\n"+
				"    name: measles-abm\n"+
				"    registry: ghcr.io/example/measles-abm",
				BundleConfigFileName, root)
		}
		return Bundle{}, errors.WithContext(err, "parse")
	}

	if config.DefaultTag == "" {
		config.DefaultTag = DefaultTag
	}

	if err := config.validate(path); err != nil {
		return Bundle{}, err
	}
	return config, nil
}

func (b *Bundle) validate(path string) error {
	if b.Name == "" {
		return errors.MissingFieldError{Field: "name"}
	}
	if b.Registry == "" {
		return errors.MissingFieldError{Field: "registry"}
	}

	named, err := reference.ParseNormalizedNamed(b.Registry)
	if err != nil {
		return errors.NewFriendlyError("The registry %q in %s is not a valid "+
			"registry reference: %s", b.Registry, path, err)
	}
	if !reference.IsNameOnly(named) {
		return errors.NewFriendlyError("The registry %q in %s must not include "+
			"a tag or digest. Tags are chosen per push and pull.", b.Registry, path)
	}

	for name, prefixes := range b.Layers {
		if !layerNameRegex.MatchString(name) {
			return errors.NewFriendlyError("The layer name %q in %s is invalid. "+
				"Layer names must match %s.", name, path, layerNameRegex)
		}

		cleaned := make([]string, 0, len(prefixes))
		for _, prefix := range prefixes {
			safe, err := pathsafe.Clean(prefix)
			if err != nil {
				return errors.WithContext(err, "layer "+name)
			}
			cleaned = append(cleaned, safe)
		}
		b.Layers[name] = cleaned
	}

	for role, layers := range b.Roles {
		for _, layer := range layers {
			if _, ok := b.Layers[layer]; !ok {
				return errors.NewFriendlyError("The role %q in %s references "+
					"the layer %q, which is not defined.", role, path, layer)
			}
		}
	}
	return nil
}

// Reference returns the parsed registry coordinate.
func (b Bundle) Reference() (reference.Named, error) {
	named, err := reference.ParseNormalizedNamed(b.Registry)
	if err != nil {
		return nil, errors.WithContext(err, "parse registry reference")
	}
	return named, nil
}

// Scope filters paths down to those belonging to the named role. An empty
// role means no filtering.
func (b Bundle) Scope(role string, paths []string) ([]string, error) {
	if role == "" {
		return paths, nil
	}

	layers, ok := b.Roles[role]
	if !ok {
		var available []string
		for name := range b.Roles {
			available = append(available, name)
		}
		sort.Strings(available)
		return nil, errors.NewFriendlyError("The role %q is not defined in %s. "+
			"Available roles: %s.", role, BundleConfigFileName,
			strings.Join(available, ", "))
	}

	var prefixes []string
	for _, layer := range layers {
		prefixes = append(prefixes, b.Layers[layer]...)
	}

	var scoped []string
	for _, path := range paths {
		for _, prefix := range prefixes {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				scoped = append(scoped, path)
				break
			}
		}
	}
	return scoped, nil
}
