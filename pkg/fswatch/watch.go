// Package fswatch watches a bundle repository for file changes, feeding the
// re-push loop of `mops push --watch`.
package fswatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/ignore"
)

var fs = afero.NewOsFs()

// Watch watches root and every traversable directory beneath it. It sends
// an event on the returned channel whenever a file within the watched
// directories changes. Directories the ignore engine refuses to traverse
// are not watched, so churn in build caches never triggers a push.
//
// Directories created after the watch starts aren't picked up; callers pair
// the channel with a periodic poll.
func Watch(root string, eng *ignore.Engine) (chan struct{}, error) {
	pathsToWatch, err := getPathsToWatch(root, eng)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handles for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}
	return combineUpdates(watcher.Events), nil
}

// combineUpdates coalesces bursts of filesystem events into single
// notifications so that one save touching many files causes one push.
func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

func getPathsToWatch(root string, eng *ignore.Engine) (paths []string, err error) {
	if _, err := fs.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}

	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}
		if !fi.IsDir() {
			return nil
		}
		if path != root && !eng.ShouldTraverse(filepath.Base(path)) {
			return filepath.SkipDir
		}

		// Watching the directory is enough to see changes to the files
		// within it.
		paths = append(paths, path)
		return nil
	})
	return paths, err
}
