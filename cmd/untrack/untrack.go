package untrack

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/util"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/pathsafe"
)

// New creates a new `untrack` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "untrack <paths...>",
		Short: "Remove files from the bundle's tracked set.",
		Long: "Remove files from the bundle's tracked set. The files\n" +
			"themselves are never touched; they just stop being pushed.",
		Args: cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run(args []string) error {
	root, err := util.FindRoot()
	if err != nil {
		return err
	}

	tracked, err := bundle.LoadTracked(root)
	if err != nil {
		return errors.WithContext(err, "load tracked set")
	}

	removed := 0
	for _, arg := range args {
		rel, err := relativize(root, arg)
		if err != nil {
			return err
		}
		if tracked.Remove(rel) {
			removed++
		} else {
			log.WithField("path", rel).Warn("Path isn't tracked")
		}
	}

	if err := tracked.Save(root); err != nil {
		return errors.WithContext(err, "save tracked set")
	}

	fmt.Printf("Untracked %d file(s). %d file(s) tracked in total.\n",
		removed, tracked.Len())
	return nil
}

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
