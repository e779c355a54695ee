package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/ignore"
)

// DefaultWorkers bounds how many files are hashed or transferred at once
// when the caller doesn't say otherwise.
const DefaultWorkers = 8

// ScanTracked digests every tracked file under root. Hashing runs on a
// bounded worker pool since bundles routinely mix thousands of small files
// with multi-gigabyte artifacts. Tracked paths that don't exist locally are
// returned in missing rather than failing the scan; callers decide whether
// that's fatal.
func ScanTracked(ctx context.Context, root string, tracked *TrackedSet,
	workers int) (files []LocalFile, missing []string, err error) {

	paths := tracked.Paths()
	if len(paths) == 0 {
		return nil, nil, nil
	}

	if workers <= 0 {
		workers = DefaultWorkers
	}
	if len(paths) < workers {
		workers = len(paths)
	}

	results := make([]LocalFile, len(paths))
	absent := make([]bool, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			contentsPath := filepath.Join(root, filepath.FromSlash(path))
			digest, size, err := HashFile(contentsPath)
			if err != nil {
				if _, ok := errors.RootCause(err).(errors.FileNotFound); ok {
					absent[i] = true
					return nil
				}
				return errors.WithContext(err, fmt.Sprintf("hash %q", path))
			}

			results[i] = LocalFile{
				FileInfo:     FileInfo{Path: path, Digest: digest, Size: size},
				ContentsPath: contentsPath,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for i, path := range paths {
		if absent[i] {
			missing = append(missing, path)
			continue
		}
		files = append(files, results[i])
	}
	return files, missing, nil
}

// WalkCandidates lists the files under root that are eligible for tracking,
// as sorted repo-relative paths. Directories the engine refuses to traverse
// are skipped entirely, even when includeIgnored is set.
func WalkCandidates(root string, eng *ignore.Engine, includeIgnored bool) ([]string, error) {
	var candidates []string
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if info.IsDir() {
			if !eng.ShouldTraverse(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		if !includeIgnored && eng.IsIgnored(rel) {
			return nil
		}
		candidates = append(candidates, rel)
		return nil
	})
	if err != nil {
		return nil, errors.WithContext(err, "walk repository")
	}
	return candidates, nil
}
