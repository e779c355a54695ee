package gc

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/util"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/repository"
)

// New creates a new `gc` command.
func New() *cobra.Command {
	var keepTags []string
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Prune the local bundle cache.",
		Long: "Prune the local bundle cache. Bundles reachable from the\n" +
			"registry's current tags (or from --keep-tags when given) are\n" +
			"kept; everything else, and any blob no kept bundle references,\n" +
			"is removed.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(keepTags); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringSliceVar(&keepTags, "keep-tags", nil,
		"Keep only bundles these tags point at. Defaults to all current tags.")
	return cmd
}

func run(keepTags []string) error {
	workspace, err := util.LoadWorkspace()
	if err != nil {
		return err
	}

	client, err := workspace.RegistryClient(clockwork.NewRealClock())
	if err != nil {
		return err
	}
	ctx := context.Background()

	if len(keepTags) == 0 {
		keepTags, err = client.ListTags(ctx)
		if err != nil {
			return errors.WithContext(err, "list tags")
		}
	}

	var keep []digest.Digest
	for _, tag := range keepTags {
		manifestDigest, err := client.CurrentTagDigest(ctx, tag)
		if err != nil {
			if _, ok := errors.RootCause(err).(errors.TagNotFound); ok {
				log.WithField("tag", tag).Warn("Tag doesn't exist; not keeping anything for it")
				continue
			}
			return errors.WithContext(err, "resolve tag")
		}
		keep = append(keep, manifestDigest)
	}

	cacheRoot, err := util.CacheRoot()
	if err != nil {
		return err
	}
	repo, err := repository.New(cacheRoot, client)
	if err != nil {
		return errors.WithContext(err, "open cache")
	}

	stats, err := repo.GC(ctx, keep)
	if err != nil {
		return errors.WithContext(err, "collect garbage")
	}

	fmt.Printf("Removed %d bundle(s) and %d blob(s). Kept %d bundle(s).\n",
		stats.BundlesRemoved, stats.BlobsRemoved, len(keep))
	return nil
}
