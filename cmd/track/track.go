package track

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/util"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/ignore"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/pathsafe"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// New creates a new `track` command.
func New() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "track [paths...]",
		Short: "Add files to the bundle's tracked set.",
		Long: "Add files to the bundle's tracked set. Tracked files are\n" +
			"pushed and diffed regardless of ignore rules. Tracking a\n" +
			"directory tracks the non-ignored files beneath it.",
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args, all); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVar(&all, "all", false,
		"Track every non-ignored file in the repository.")
	return cmd
}

func run(args []string, all bool) error {
	if len(args) == 0 && !all {
		return errors.NewFriendlyError("Nothing to track.\n" +
			"Name paths to track, or pass --all to track every non-ignored file.")
	}

	root, err := util.FindRoot()
	if err != nil {
		return err
	}

	tracked, err := bundle.LoadTracked(root)
	if err != nil {
		return errors.WithContext(err, "load tracked set")
	}

	eng, err := ignore.Load(root)
	if err != nil {
		return errors.WithContext(err, "load ignore rules")
	}

	var candidates []string
	if all {
		candidates, err = bundle.WalkCandidates(root, eng, false)
		if err != nil {
			return err
		}
	} else {
		for _, arg := range args {
			expanded, err := expand(root, arg, eng)
			if err != nil {
				return err
			}
			candidates = append(candidates, expanded...)
		}
	}

	added := 0
	for _, path := range candidates {
		if tracked.Add(path) {
			added++
			log.WithField("path", path).Debug("Tracking file")
		}
	}

	if err := tracked.Save(root); err != nil {
		return errors.WithContext(err, "save tracked set")
	}

	fmt.Printf("Tracking %d new file(s). %d file(s) tracked in total.\n",
		added, tracked.Len())
	return nil
}

// expand converts one command line argument into repo-relative paths. File
// arguments track exactly that file, even an ignored one -- naming a path
// explicitly beats any ignore rule. Directory arguments track the
// non-ignored files beneath them.
func expand(root, arg string, eng *ignore.Engine) ([]string, error) {
	rel, err := relativize(root, arg)
	if err != nil {
		return nil, err
	}

	target := filepath.Join(root, filepath.FromSlash(rel))
	info, err := fs.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: arg}
		}
		return nil, errors.WithContext(err, "stat")
	}

	if !info.IsDir() {
		return []string{rel}, nil
	}

	var paths []string
	err = afero.Walk(fs, target, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		subRel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		subRel = filepath.ToSlash(subRel)

		if info.IsDir() {
			if path != target && !eng.ShouldTraverse(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if eng.IsIgnored(subRel) {
			return nil
		}
		paths = append(paths, subRel)
		return nil
	})
	if err != nil {
		return nil, errors.WithContext(err, fmt.Sprintf("walk %q", arg))
	}
	return paths, nil
}

// relativize maps a command line path (relative to the working directory or
// absolute) to its canonical repo-relative form.
func relativize(root, arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", errors.WithContext(err, "resolve path")
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", errors.WithContext(err, "resolve path")
	}
	return pathsafe.Clean(filepath.ToSlash(rel))
}
