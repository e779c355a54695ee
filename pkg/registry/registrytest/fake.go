// Package registrytest provides an in-memory registry.Client for tests of
// the push planner, the repository cache, and the CLI commands. It mirrors
// the semantics the real adapters promise: missing tags are TagNotFound,
// pulled files are digest-verified, and unsafe manifest paths never touch
// the filesystem.
package registrytest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/pathsafe"
)

// Fake is an in-memory registry. The maps and counters are exported so tests
// can seed state and assert on traffic directly.
type Fake struct {
	mu sync.Mutex

	// Tags maps tag names to the manifest digest they point at.
	Tags map[string]digest.Digest

	// Indexes maps manifest digests to their decoded indexes.
	Indexes map[digest.Digest]*bundle.Index

	// Blobs maps content digests to contents. Tests can corrupt an entry to
	// exercise integrity failures.
	Blobs map[digest.Digest][]byte

	// PushCount and PullCount count PushFiles calls and individual blob
	// downloads respectively.
	PushCount int
	PullCount int

	// Err, when set, is returned by every call. It simulates an unreachable
	// registry.
	Err error
}

// NewFake returns an empty fake registry.
func NewFake() *Fake {
	return &Fake{
		Tags:    map[string]digest.Digest{},
		Indexes: map[digest.Digest]*bundle.Index{},
		Blobs:   map[digest.Digest][]byte{},
	}
}

// SeedTag publishes an index under a tag, as if a producer had pushed it.
// Blob contents are provided by the contents map, keyed by path.
func (f *Fake) SeedTag(tag string, idx *bundle.Index, contents map[string][]byte) (digest.Digest, error) {
	manifestDigest, err := idx.Digest()
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for path, entry := range idx.Files {
		if entry.Storage == bundle.StorageBlob {
			f.Blobs[entry.Digest] = contents[path]
		}
	}
	f.Indexes[manifestDigest] = idx
	f.Tags[tag] = manifestDigest
	return manifestDigest, nil
}

// CurrentTagDigest implements registry.Client.
func (f *Fake) CurrentTagDigest(_ context.Context, tag string) (digest.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}

	manifestDigest, ok := f.Tags[tag]
	if !ok {
		return "", errors.TagNotFound{Tag: tag}
	}
	return manifestDigest, nil
}

// RemoteState implements registry.Client.
func (f *Fake) RemoteState(ctx context.Context, tag string) (*bundle.RemoteState, error) {
	manifestDigest, err := f.CurrentTagDigest(ctx, tag)
	if err != nil {
		return nil, err
	}

	idx, err := f.GetIndex(ctx, manifestDigest)
	if err != nil {
		return nil, err
	}
	return bundle.RemoteStateFromIndex(manifestDigest, idx), nil
}

// GetIndex implements registry.Client.
func (f *Fake) GetIndex(_ context.Context, manifestDigest digest.Digest) (*bundle.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}

	idx, ok := f.Indexes[manifestDigest]
	if !ok {
		return nil, errors.New("no index for digest " + manifestDigest.String())
	}
	return idx, nil
}

// PushFiles implements registry.Client.
func (f *Fake) PushFiles(_ context.Context, tag string, files []bundle.LocalFile,
	idx *bundle.Index) (digest.Digest, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	f.PushCount++
	if f.Err != nil {
		return "", f.Err
	}

	blobs := map[digest.Digest][]byte{}
	for _, file := range files {
		entry, ok := idx.Files[file.Path]
		if !ok || entry.Storage != bundle.StorageBlob {
			continue
		}
		contents, err := os.ReadFile(file.ContentsPath)
		if err != nil {
			return "", errors.WithContext(err, "read "+file.Path)
		}
		if actual := digest.FromBytes(contents); actual != file.Digest {
			return "", errors.WithContext(errors.ErrFileChanged, "upload "+file.Path)
		}
		blobs[file.Digest] = contents
	}

	manifestDigest, err := idx.Digest()
	if err != nil {
		return "", err
	}

	// The tag moves only once everything else is in place, matching the
	// atomicity the real adapters provide.
	for blobDigest, contents := range blobs {
		f.Blobs[blobDigest] = contents
	}
	f.Indexes[manifestDigest] = idx
	f.Tags[tag] = manifestDigest
	return manifestDigest, nil
}

// PullSelected implements registry.Client.
func (f *Fake) PullSelected(_ context.Context, idx *bundle.Index, paths []string,
	outputDir string) error {

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}

	// Validate every path before writing anything, so a poisoned manifest
	// can't get half its files onto disk before the bad entry is noticed.
	targets := make(map[string]string, len(paths))
	for _, path := range paths {
		target, err := pathsafe.Resolve(outputDir, path)
		if err != nil {
			return err
		}
		targets[path] = target
	}

	for _, path := range paths {
		entry, ok := idx.Files[path]
		if !ok {
			return errors.FileNotFound{Path: path}
		}

		var contents []byte
		switch entry.Storage {
		case bundle.StorageInline:
			contents = entry.Data
		case bundle.StorageBlob:
			blob, ok := f.Blobs[entry.Digest]
			if !ok {
				return errors.New("no blob for digest " + entry.Digest.String())
			}
			f.PullCount++
			contents = blob
		}

		if actual := digest.FromBytes(contents); actual != entry.Digest {
			return errors.DigestMismatch{
				Path:     path,
				Expected: entry.Digest.String(),
				Actual:   actual.String(),
			}
		}

		target := targets[path]
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errors.WithContext(err, "create directory")
		}
		if err := os.WriteFile(target, contents, 0644); err != nil {
			return errors.WithContext(err, "write "+path)
		}
	}
	return nil
}

// ListTags implements registry.Client.
func (f *Fake) ListTags(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}

	tags := make([]string, 0, len(f.Tags))
	for tag := range f.Tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}
