package bundle

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

// InlineThreshold is the size in bytes at or below which file contents are
// embedded directly in the index instead of being stored as separate blobs.
// Small config files and scripts round-trip in a single manifest fetch this
// way.
const InlineThreshold = 4096

// Storage says where a file's contents live.
type Storage string

const (
	// StorageInline means the contents are embedded in the index entry.
	StorageInline Storage = "inline"

	// StorageBlob means the contents are stored as a separate blob,
	// addressed by digest.
	StorageBlob Storage = "blob"
)

// FileEntry describes one file in an index.
type FileEntry struct {
	Digest  digest.Digest `json:"digest"`
	Size    int64         `json:"size"`
	Storage Storage       `json:"storage"`

	// Data holds the contents for inline entries. The JSON encoding is
	// base64.
	Data []byte `json:"data,omitempty"`
}

// Tool records which producer wrote a bundle. It's informational only --
// consumers warn on version skew rather than refusing to pull.
type Tool struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Revision string `json:"revision,omitempty"`
	Dirty    bool   `json:"dirty,omitempty"`
}

// Index is the manifest describing a complete bundle: every tracked file's
// path, digest, and storage location, plus provenance metadata.
type Index struct {
	Created  string               `json:"created"`
	Tool     Tool                 `json:"tool"`
	Files    map[string]FileEntry `json:"files"`
	Metadata map[string]string    `json:"metadata,omitempty"`
}

// BuildIndex assembles the index for a push. Files at or below
// InlineThreshold are embedded; everything else is referenced by digest.
func BuildIndex(created time.Time, tool Tool, files []LocalFile,
	metadata map[string]string) (*Index, error) {

	entries := make(map[string]FileEntry, len(files))
	for _, f := range files {
		entry := FileEntry{
			Digest:  f.Digest,
			Size:    f.Size,
			Storage: StorageBlob,
		}

		if f.Size <= InlineThreshold {
			data, err := afero.ReadFile(fs, f.ContentsPath)
			if err != nil {
				return nil, errors.WithContext(err, fmt.Sprintf("read %q", f.Path))
			}

			// The file may have been modified after it was hashed.
			if digest.FromBytes(data) != f.Digest {
				return nil, errors.WithContext(errors.ErrFileChanged, fmt.Sprintf("inline %q", f.Path))
			}

			entry.Storage = StorageInline
			entry.Data = data
		}

		entries[f.Path] = entry
	}

	return &Index{
		Created:  created.UTC().Format(time.RFC3339),
		Tool:     tool,
		Files:    entries,
		Metadata: metadata,
	}, nil
}

// Encode returns the canonical JSON encoding of the index. encoding/json
// sorts map keys, so the same index always encodes to the same bytes, and
// therefore the same digest.
func (idx *Index) Encode() ([]byte, error) {
	encoded, err := json.Marshal(idx)
	if err != nil {
		return nil, errors.WithContext(err, "marshal index")
	}
	return encoded, nil
}

// Digest returns the content digest of the canonical encoding.
func (idx *Index) Digest() (digest.Digest, error) {
	encoded, err := idx.Encode()
	if err != nil {
		return "", err
	}
	return digest.FromBytes(encoded), nil
}

// DecodeIndex parses and validates an index downloaded from a registry. The
// entries' digests must parse and inline data must hash to its declared
// digest. Entry paths are NOT validated here; writers must check them with
// pathsafe before touching the filesystem.
func DecodeIndex(data []byte) (*Index, error) {
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, errors.WithContext(err, "unmarshal index")
	}

	if idx.Created == "" {
		return nil, errors.MissingFieldError{Field: "created"}
	}

	for path, entry := range idx.Files {
		if err := entry.Digest.Validate(); err != nil {
			return nil, errors.WithContext(err, fmt.Sprintf("entry %q", path))
		}

		switch entry.Storage {
		case StorageInline:
			if int64(len(entry.Data)) != entry.Size {
				return nil, fmt.Errorf("entry %q: inline data is %d bytes, expected %d",
					path, len(entry.Data), entry.Size)
			}
			if actual := digest.FromBytes(entry.Data); actual != entry.Digest {
				return nil, errors.DigestMismatch{
					Path:     path,
					Expected: entry.Digest.String(),
					Actual:   actual.String(),
				}
			}
		case StorageBlob:
		default:
			return nil, fmt.Errorf("entry %q: unknown storage %q", path, entry.Storage)
		}
	}
	return &idx, nil
}

// Paths returns the sorted paths in the index.
func (idx *Index) Paths() []string {
	paths := make([]string, 0, len(idx.Files))
	for path := range idx.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// TotalSize returns the sum of all entry sizes.
func (idx *Index) TotalSize() int64 {
	var total int64
	for _, entry := range idx.Files {
		total += entry.Size
	}
	return total
}

// RemoteState is a snapshot of what a tag currently holds: the manifest
// digest the tag points at, and the content digest of every file in it.
type RemoteState struct {
	ManifestDigest digest.Digest
	Files          map[string]FileInfo
}

// RemoteStateFromIndex flattens an index into the path to content map that
// push plans diff against.
func RemoteStateFromIndex(manifestDigest digest.Digest, idx *Index) *RemoteState {
	files := make(map[string]FileInfo, len(idx.Files))
	for path, entry := range idx.Files {
		files[path] = FileInfo{Path: path, Digest: entry.Digest, Size: entry.Size}
	}
	return &RemoteState{ManifestDigest: manifestDigest, Files: files}
}
