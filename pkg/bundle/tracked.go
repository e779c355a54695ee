package bundle

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

const (
	// StateDir is the per-repository state directory.
	StateDir = ".mops"

	trackedFile   = "tracked"
	syncStateFile = "syncstate"
)

// TrackedSet is the explicit list of files that belong to the bundle.
// Membership is by path; tracked paths are pushed and diffed regardless of
// what the ignore engine says about them.
type TrackedSet struct {
	paths map[string]bool
}

// NewTrackedSet returns an empty tracked set.
func NewTrackedSet() *TrackedSet {
	return &TrackedSet{paths: map[string]bool{}}
}

// LoadTracked reads the tracked set from root's state directory. A missing
// file means nothing is tracked yet.
func LoadTracked(root string) (*TrackedSet, error) {
	set := NewTrackedSet()

	path := filepath.Join(root, StateDir, trackedFile)
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, errors.WithContext(err, "stat tracked file")
	}
	if !exists {
		return set, nil
	}

	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.WithContext(err, "read tracked file")
	}

	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		set.paths[line] = true
	}
	return set, nil
}

// Save writes the tracked set to root's state directory. The file is one
// sorted path per line, written via a temp file and rename so a crash never
// leaves it half written.
func (set *TrackedSet) Save(root string) error {
	dir := filepath.Join(root, StateDir)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.WithContext(err, "create state directory")
	}

	var contents strings.Builder
	for _, path := range set.Paths() {
		contents.WriteString(path)
		contents.WriteString("\n")
	}

	return writeFileAtomic(dir, filepath.Join(dir, trackedFile),
		[]byte(contents.String()), 0644)
}

// Add inserts a path and returns whether it was newly added.
func (set *TrackedSet) Add(path string) bool {
	if set.paths[path] {
		return false
	}
	set.paths[path] = true
	return true
}

// Remove deletes a path and returns whether it was present.
func (set *TrackedSet) Remove(path string) bool {
	if !set.paths[path] {
		return false
	}
	delete(set.paths, path)
	return true
}

// Contains returns whether the path is tracked.
func (set *TrackedSet) Contains(path string) bool {
	return set.paths[path]
}

// Paths returns the tracked paths in sorted order.
func (set *TrackedSet) Paths() []string {
	paths := make([]string, 0, len(set.paths))
	for path := range set.paths {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of tracked paths.
func (set *TrackedSet) Len() int {
	return len(set.paths)
}

// writeFileAtomic writes data to a temp file in dir and renames it over
// path.
func writeFileAtomic(dir, path string, data []byte, perm os.FileMode) error {
	tmp, err := afero.TempFile(fs, dir, ".tmp-")
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(tmp.Name())
		return errors.WithContext(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmp.Name())
		return errors.WithContext(err, "close temp file")
	}

	if err := fs.Chmod(tmp.Name(), perm); err != nil {
		fs.Remove(tmp.Name())
		return errors.WithContext(err, "chmod temp file")
	}

	if err := fs.Rename(tmp.Name(), path); err != nil {
		fs.Remove(tmp.Name())
		return errors.WithContext(err, "rename temp file")
	}
	return nil
}
