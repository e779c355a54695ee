// Package repository is the local content-addressed cache for pulled
// bundles. Blobs are stored once by digest and shared across bundles; each
// bundle additionally gets a materialized directory laid out like the
// original repository, with a marker file that's written only after every
// file is in place. The marker is the sole signal that a directory is
// usable: files without it are the leftovers of an interrupted pull and are
// thrown away, never reused.
package repository

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/pathsafe"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/registry"
)

// MarkerFile marks a materialized bundle directory as complete. Deleting it
// (or the directory) forces a clean re-materialization on the next call.
const MarkerFile = ".mops-complete"

// indexCacheSize bounds the in-process index memo. Indexes are small; this
// only saves re-reading them within one invocation.
const indexCacheSize = 32

// State is where a bundle digest is in the materialization lifecycle.
type State string

const (
	// StateAbsent means nothing usable is on disk for the digest.
	StateAbsent State = "absent"

	// StateMaterializing means a directory exists without the completion
	// marker: a pull is in flight, or a previous one was interrupted.
	StateMaterializing State = "materializing"

	// StateComplete means the marker exists and the directory is usable.
	StateComplete State = "complete"
)

// Repository is the cache rooted at one directory. Methods are safe to call
// from concurrent processes: a racing pull either finds the marker and
// reuses the directory, or redundantly re-downloads into the same state.
type Repository struct {
	root    string
	client  registry.Client
	indexes *lru.Cache[digest.Digest, *bundle.Index]
}

// New opens the cache rooted at root. The client may be nil, in which case
// only fully cached bundles can be ensured.
func New(root string, client registry.Client) (*Repository, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.WithContext(err, "create cache root")
	}

	indexes, err := lru.New[digest.Digest, *bundle.Index](indexCacheSize)
	if err != nil {
		return nil, errors.WithContext(err, "create index cache")
	}
	return &Repository{root: root, client: client, indexes: indexes}, nil
}

func (r *Repository) bundleDir(manifestDigest digest.Digest) string {
	return filepath.Join(r.root, "bundles",
		manifestDigest.Algorithm().String(), manifestDigest.Encoded())
}

func (r *Repository) blobPath(blobDigest digest.Digest) string {
	return filepath.Join(r.root, "blobs",
		blobDigest.Algorithm().String(), blobDigest.Encoded())
}

func (r *Repository) indexPath(manifestDigest digest.Digest) string {
	return filepath.Join(r.root, "indexes",
		manifestDigest.Algorithm().String(), manifestDigest.Encoded())
}

// DigestState reports the cache state for a manifest digest.
func (r *Repository) DigestState(manifestDigest digest.Digest) State {
	dir := r.bundleDir(manifestDigest)
	if _, err := os.Stat(filepath.Join(dir, MarkerFile)); err == nil {
		return StateComplete
	}
	if _, err := os.Stat(dir); err == nil {
		return StateMaterializing
	}
	return StateAbsent
}

// EnsureLocal makes the bundle named by manifestDigest fully materialized
// under the cache and returns its index and directory. Complete bundles
// return immediately. Blobs already in the local store are reconstructed
// without network access; only genuinely missing content is pulled.
func (r *Repository) EnsureLocal(ctx context.Context, manifestDigest digest.Digest) (
	*bundle.Index, string, error) {

	dir := r.bundleDir(manifestDigest)

	switch r.DigestState(manifestDigest) {
	case StateComplete:
		idx, err := r.loadIndex(ctx, manifestDigest)
		if err != nil {
			return nil, "", err
		}
		return idx, dir, nil
	case StateMaterializing:
		// Leftovers of an interrupted pull. Partial directories are never
		// trusted, so start over from nothing.
		log.WithField("digest", manifestDigest.String()).
			Debug("Discarding incomplete materialization")
		if err := os.RemoveAll(dir); err != nil {
			return nil, "", errors.WithContext(err, "remove incomplete bundle")
		}
	}

	idx, err := r.loadIndex(ctx, manifestDigest)
	if err != nil {
		return nil, "", err
	}

	if err := r.materialize(ctx, idx, dir); err != nil {
		return nil, "", err
	}

	// The marker goes last. If the process dies anywhere above, the next
	// call finds a directory without it and re-materializes.
	if err := writeFileAtomic(filepath.Join(dir, MarkerFile), []byte{}); err != nil {
		return nil, "", errors.WithContext(err, "write completion marker")
	}
	return idx, dir, nil
}

func (r *Repository) materialize(ctx context.Context, idx *bundle.Index, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.WithContext(err, "create bundle directory")
	}

	// Validate every path before writing any file. An index with one bad
	// path is rejected whole.
	targets := make(map[string]string, len(idx.Files))
	for _, path := range idx.Paths() {
		target, err := pathsafe.Resolve(dir, path)
		if err != nil {
			return err
		}
		targets[path] = target
	}

	var missing []string
	for _, path := range idx.Paths() {
		entry := idx.Files[path]
		target := targets[path]
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errors.WithContext(err, "create directory")
		}

		if entry.Storage == bundle.StorageInline {
			// Inline data was digest-verified when the index was decoded.
			if err := writeFileAtomic(target, entry.Data); err != nil {
				return errors.WithContext(err, fmt.Sprintf("write %q", path))
			}
			continue
		}

		ok, err := r.restoreFromBlobStore(entry.Digest, target)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("restore %q", path))
		}
		if !ok {
			missing = append(missing, path)
		}
	}

	if len(missing) > 0 {
		if r.client == nil {
			return errors.New("bundle content is not cached and no registry is configured")
		}
		if err := r.client.PullSelected(ctx, idx, missing, dir); err != nil {
			return err
		}

		// Feed the freshly pulled files into the blob store so later
		// bundles sharing them skip the network.
		for _, path := range missing {
			if err := r.storeBlob(idx.Files[path].Digest, targets[path]); err != nil {
				return errors.WithContext(err, fmt.Sprintf("store blob for %q", path))
			}
		}
	}
	return nil
}

// restoreFromBlobStore copies a cached blob to target, verifying its
// contents still hash correctly. A corrupt cached blob is deleted and
// reported as a miss rather than propagated.
func (r *Repository) restoreFromBlobStore(blobDigest digest.Digest, target string) (bool, error) {
	blobPath := r.blobPath(blobDigest)
	source, err := os.Open(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WithContext(err, "open blob")
	}
	defer source.Close()

	if err := copyFileAtomic(target, source, blobDigest); err != nil {
		if _, ok := errors.RootCause(err).(errors.DigestMismatch); ok {
			log.WithField("digest", blobDigest.String()).
				Warn("Discarding corrupt cached blob")
			os.Remove(blobPath)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// storeBlob copies a verified file into the blob store.
func (r *Repository) storeBlob(blobDigest digest.Digest, source string) error {
	blobPath := r.blobPath(blobDigest)
	if _, err := os.Stat(blobPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		return errors.WithContext(err, "create blob directory")
	}

	f, err := os.Open(source)
	if err != nil {
		return errors.WithContext(err, "open source")
	}
	defer f.Close()
	return copyFileAtomic(blobPath, f, blobDigest)
}

// loadIndex resolves the index for a manifest digest: in-process memo, then
// the on-disk copy, then the registry. Network fetches are persisted so the
// next invocation is offline.
func (r *Repository) loadIndex(ctx context.Context, manifestDigest digest.Digest) (
	*bundle.Index, error) {

	if idx, ok := r.indexes.Get(manifestDigest); ok {
		return idx, nil
	}

	indexPath := r.indexPath(manifestDigest)
	if payload, err := os.ReadFile(indexPath); err == nil {
		idx, err := bundle.DecodeIndex(payload)
		if err == nil {
			r.indexes.Add(manifestDigest, idx)
			return idx, nil
		}
		// A corrupt cached index is re-fetched, not fatal.
		log.WithError(err).Debug("Discarding corrupt cached index")
		os.Remove(indexPath)
	}

	if r.client == nil {
		return nil, errors.New("bundle index is not cached and no registry is configured")
	}

	idx, err := r.client.GetIndex(ctx, manifestDigest)
	if err != nil {
		return nil, err
	}

	payload, err := idx.Encode()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0755); err != nil {
		return nil, errors.WithContext(err, "create index directory")
	}
	if err := writeFileAtomic(indexPath, payload); err != nil {
		return nil, errors.WithContext(err, "cache index")
	}

	r.indexes.Add(manifestDigest, idx)
	return idx, nil
}

// Export copies the named index entries from the local store into
// outputDir. It never touches the network; callers ensure the bundle is
// materialized first. Every path is validated before any write.
func (r *Repository) Export(idx *bundle.Index, paths []string, outputDir string) error {
	targets := make(map[string]string, len(paths))
	for _, path := range paths {
		target, err := pathsafe.Resolve(outputDir, path)
		if err != nil {
			return err
		}
		if _, ok := idx.Files[path]; !ok {
			return errors.FileNotFound{Path: path}
		}
		targets[path] = target
	}

	for _, path := range paths {
		entry := idx.Files[path]
		target := targets[path]
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errors.WithContext(err, "create directory")
		}

		if entry.Storage == bundle.StorageInline {
			if err := writeFileAtomic(target, entry.Data); err != nil {
				return errors.WithContext(err, fmt.Sprintf("write %q", path))
			}
			continue
		}

		ok, err := r.restoreFromBlobStore(entry.Digest, target)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("export %q", path))
		}
		if !ok {
			return errors.WithContext(
				errors.FileNotFound{Path: path}, "blob is not cached")
		}
	}
	return nil
}

// GCStats reports what a GC pass removed.
type GCStats struct {
	BundlesRemoved int
	BlobsRemoved   int
}

// GC removes materialized bundles whose manifest digest isn't in keep, then
// removes blobs no kept bundle references. Bundles still materializing are
// removed too since their content is unusable anyway.
func (r *Repository) GC(ctx context.Context, keep []digest.Digest) (GCStats, error) {
	keepSet := make(map[digest.Digest]bool, len(keep))
	for _, manifestDigest := range keep {
		keepSet[manifestDigest] = true
	}

	var stats GCStats
	referenced := map[digest.Digest]bool{}
	for _, manifestDigest := range r.listDigests("bundles") {
		if !keepSet[manifestDigest] {
			if err := os.RemoveAll(r.bundleDir(manifestDigest)); err != nil {
				return stats, errors.WithContext(err, "remove bundle")
			}
			os.Remove(r.indexPath(manifestDigest))
			r.indexes.Remove(manifestDigest)
			stats.BundlesRemoved++
			continue
		}

		idx, err := r.loadIndex(ctx, manifestDigest)
		if err != nil {
			return stats, errors.WithContext(err,
				fmt.Sprintf("load index for kept bundle %s", manifestDigest))
		}
		for _, entry := range idx.Files {
			referenced[entry.Digest] = true
		}
	}

	for _, blobDigest := range r.listDigests("blobs") {
		if referenced[blobDigest] {
			continue
		}
		if err := os.Remove(r.blobPath(blobDigest)); err != nil {
			return stats, errors.WithContext(err, "remove blob")
		}
		stats.BlobsRemoved++
	}
	return stats, nil
}

// listDigests returns the digests stored under one of the cache's
// <kind>/<algorithm>/<hex> trees. Entries that don't parse as digests are
// ignored.
func (r *Repository) listDigests(kind string) []digest.Digest {
	var digests []digest.Digest
	algorithms, err := os.ReadDir(filepath.Join(r.root, kind))
	if err != nil {
		return nil
	}

	for _, algorithm := range algorithms {
		entries, err := os.ReadDir(filepath.Join(r.root, kind, algorithm.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			parsed := digest.Digest(algorithm.Name() + ":" + entry.Name())
			if parsed.Validate() == nil {
				digests = append(digests, parsed)
			}
		}
	}

	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })
	return digests
}

// writeFileAtomic writes data via a temp file and rename.
func writeFileAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".mops-tmp-")
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WithContext(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.WithContext(err, "close temp file")
	}
	return os.Rename(tmp.Name(), target)
}

// copyFileAtomic streams contents into target via a temp file, verifying
// the digest before the rename. A mismatch leaves nothing at target.
func copyFileAtomic(target string, contents io.Reader, expected digest.Digest) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".mops-tmp-")
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	digester := expected.Algorithm().Digester()
	if _, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), contents); err != nil {
		tmp.Close()
		return errors.WithContext(err, "copy")
	}
	if err := tmp.Close(); err != nil {
		return errors.WithContext(err, "close temp file")
	}

	if actual := digester.Digest(); actual != expected {
		return errors.DigestMismatch{
			Path:     target,
			Expected: expected.String(),
			Actual:   actual.String(),
		}
	}
	return os.Rename(tmp.Name(), target)
}
