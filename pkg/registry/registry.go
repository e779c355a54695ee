// Package registry defines the client interface bundle pushes and pulls go
// through, plus transport helpers shared by its implementations. The OCI and
// S3 backends live in subpackages; everything above them programs against
// Client.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
)

// Client syncs bundles against one repository in one registry.
type Client interface {
	// CurrentTagDigest resolves a tag to the manifest digest it points at.
	// A missing tag returns errors.TagNotFound, never a transport error.
	CurrentTagDigest(ctx context.Context, tag string) (digest.Digest, error)

	// RemoteState fetches the manifest a tag points at and flattens it into
	// the state push plans diff against.
	RemoteState(ctx context.Context, tag string) (*bundle.RemoteState, error)

	// GetIndex fetches the index for a manifest digest. Implementations
	// verify the payload hashes to what was asked for before decoding it.
	GetIndex(ctx context.Context, manifestDigest digest.Digest) (*bundle.Index, error)

	// PushFiles uploads the files' blobs and then publishes index under
	// tag, returning the new manifest digest. The tag moves only after
	// every blob upload succeeded; a failed push never leaves the tag
	// pointing at a partial bundle.
	PushFiles(ctx context.Context, tag string, files []bundle.LocalFile,
		index *bundle.Index) (digest.Digest, error)

	// PullSelected downloads the named index entries into outputDir. Every
	// path is validated before anything is written, and every file is
	// verified against its digest before it lands at its final name.
	PullSelected(ctx context.Context, index *bundle.Index, paths []string,
		outputDir string) error

	// ListTags returns the repository's tags in sorted order.
	ListTags(ctx context.Context) ([]string, error)
}

// Endpoint says how to reach one registry and which repository within it.
type Endpoint struct {
	// URL is the base URL for OCI registries, e.g. https://ghcr.io.
	URL string

	// Repository is the repository within the registry, e.g.
	// "example/measles-abm". S3 backends use it as the object key prefix.
	Repository string

	Username string
	Password string

	// S3Endpoint is the S3 host, e.g. s3.amazonaws.com.
	S3Endpoint string
	Bucket     string
	AccessKey  string
	SecretKey  string

	// Insecure disables TLS. Meant for local development registries.
	Insecure bool

	// Workers bounds concurrent blob transfers. Zero means the default.
	Workers int
}

// StatusError is a non-2xx response from a registry.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (err StatusError) Error() string {
	body := strings.TrimSpace(err.Body)
	if body == "" {
		return fmt.Sprintf("%s: registry responded with %d", err.Op, err.StatusCode)
	}
	return fmt.Sprintf("%s: registry responded with %d: %s", err.Op, err.StatusCode, body)
}

// temporary reports whether the response indicates a condition that might
// clear up on its own.
func (err StatusError) temporary() bool {
	return err.StatusCode == http.StatusRequestTimeout ||
		err.StatusCode == http.StatusTooManyRequests ||
		err.StatusCode >= 500
}
