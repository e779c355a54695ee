package bundle

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

// SyncState records what this working tree last pushed or pulled. It's an
// optimization hint for status reporting; the registry remains the source of
// truth for what a tag holds, so a stale or missing state file can never
// cause wrong sync decisions.
type SyncState struct {
	// LastSync is when the last successful push or pull finished, RFC 3339.
	LastSync string `json:"lastSync,omitempty"`

	// Tag is the tag the last sync targeted.
	Tag string `json:"tag,omitempty"`

	// ManifestDigest is the manifest digest of the last sync.
	ManifestDigest digest.Digest `json:"manifestDigest,omitempty"`

	// LastSyncedFiles maps each path to the content digest it had at the
	// last sync.
	LastSyncedFiles map[string]digest.Digest `json:"lastSyncedFiles"`
}

// StateFromFiles builds the state to record after a successful sync.
func StateFromFiles(tag string, manifestDigest digest.Digest, at time.Time,
	files []LocalFile) SyncState {

	synced := make(map[string]digest.Digest, len(files))
	for _, f := range files {
		synced[f.Path] = f.Digest
	}
	return SyncState{
		LastSync:        at.UTC().Format(time.RFC3339),
		Tag:             tag,
		ManifestDigest:  manifestDigest,
		LastSyncedFiles: synced,
	}
}

// LoadSyncState reads the sync state from root's state directory. Missing or
// corrupt state is treated as empty, never as an error -- the state is
// advisory.
func LoadSyncState(root string) SyncState {
	path := filepath.Join(root, StateDir, syncStateFile)
	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		return SyncState{}
	}

	var state SyncState
	if err := json.Unmarshal(contents, &state); err != nil {
		log.WithError(err).Debug("Ignoring corrupt sync state")
		return SyncState{}
	}
	return state
}

// Save writes the sync state via a temp file and rename.
func (state SyncState) Save(root string) error {
	dir := filepath.Join(root, StateDir)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.WithContext(err, "create state directory")
	}

	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.WithContext(err, "marshal sync state")
	}

	return writeFileAtomic(dir, filepath.Join(dir, syncStateFile), encoded, 0644)
}

// Classify buckets a tracked file for status reporting, comparing the
// file's current digest against the digest at the last sync.
func (state SyncState) Classify(f FileInfo) FileStatus {
	last, ok := state.LastSyncedFiles[f.Path]
	if !ok {
		return StatusNew
	}
	if last != f.Digest {
		return StatusModified
	}
	return StatusSynced
}

// FileStatus classifies a tracked file relative to the last sync.
type FileStatus string

const (
	// StatusNew means the file has never been synced.
	StatusNew FileStatus = "new"

	// StatusModified means the contents changed since the last sync.
	StatusModified FileStatus = "modified"

	// StatusSynced means the contents match the last sync.
	StatusSynced FileStatus = "synced"

	// StatusMissing means the file is tracked but absent locally.
	StatusMissing FileStatus = "missing"
)
