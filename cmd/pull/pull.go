package pull

import (
	"context"
	"fmt"

	goversion "github.com/hashicorp/go-version"
	"github.com/jonboulle/clockwork"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/util"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/registry"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/repository"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/version"
)

// New creates a new `pull` command.
func New() *cobra.Command {
	var tag, digestFlag, role, output string
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Materialize a bundle version locally.",
		Long: "Materialize a bundle version locally. Without --output the\n" +
			"bundle lands in the shared cache and its path is printed;\n" +
			"repeated pulls of unchanged content do no network transfers.\n" +
			"With --output the selected files are written to the given\n" +
			"directory instead.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(tag, digestFlag, role, output); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Tag to pull. Defaults to the bundle's default tag.")
	cmd.Flags().StringVar(&digestFlag, "digest", "",
		"Exact manifest digest to pull instead of resolving a tag.")
	cmd.Flags().StringVar(&role, "role", "", "Pull only the layers this role may access.")
	cmd.Flags().StringVar(&output, "output", "",
		"Write the files into this directory instead of the cache.")
	return cmd
}

func run(tagFlag, digestFlag, role, output string) error {
	workspace, err := util.LoadWorkspace()
	if err != nil {
		return err
	}

	client, err := workspace.RegistryClient(clockwork.NewRealClock())
	if err != nil {
		return err
	}
	ctx := context.Background()

	manifestDigest, err := resolveDigest(ctx, client, workspace, tagFlag, digestFlag)
	if err != nil {
		return err
	}

	cacheRoot, err := util.CacheRoot()
	if err != nil {
		return err
	}
	repo, err := repository.New(cacheRoot, client)
	if err != nil {
		return errors.WithContext(err, "open cache")
	}

	idx, dir, err := repo.EnsureLocal(ctx, manifestDigest)
	if err != nil {
		return errors.WithContext(err, "materialize bundle")
	}
	warnOnNewerTool(idx.Tool)

	if output == "" {
		if role != "" {
			return errors.NewFriendlyError("Role-scoped pulls need --output: " +
				"the shared cache always holds complete bundles.")
		}
		fmt.Printf("Bundle %s is materialized at:\n%s\n", manifestDigest, dir)
		return nil
	}

	paths := idx.Paths()
	if role != "" {
		paths, err = workspace.Bundle.Scope(role, paths)
		if err != nil {
			return err
		}
	}

	// The cache is already materialized, so the files come from the local
	// blob store rather than another network transfer.
	if err := repo.Export(idx, paths, output); err != nil {
		return errors.WithContext(err, "write files")
	}

	fmt.Printf("Pulled %d file(s) from %s into %q.\n", len(paths),
		manifestDigest, output)
	return nil
}

func resolveDigest(ctx context.Context, client registry.Client,
	workspace util.Workspace, tagFlag, digestFlag string) (digest.Digest, error) {

	if digestFlag != "" {
		manifestDigest, err := digest.Parse(digestFlag)
		if err != nil {
			return "", errors.WithContext(err, "parse digest")
		}
		return manifestDigest, nil
	}

	tag := workspace.Tag(tagFlag)
	manifestDigest, err := client.CurrentTagDigest(ctx, tag)
	if err != nil {
		if _, ok := errors.RootCause(err).(errors.TagNotFound); ok {
			return "", errors.NewFriendlyError("The tag %q doesn't exist in "+
				"the registry.\nList available tags with `mops tags`.", tag)
		}
		return "", errors.WithContext(err, "resolve tag")
	}
	return manifestDigest, nil
}

// warnOnNewerTool logs when the bundle was produced by a newer mops than
// this one. Version skew is never fatal; the formats are forward
// compatible until a config version bump says otherwise.
func warnOnNewerTool(tool bundle.Tool) {
	if tool.Version == "" || version.Version == version.EmptyValue {
		return
	}

	produced, err := goversion.NewVersion(tool.Version)
	if err != nil {
		return
	}
	current, err := goversion.NewVersion(version.Version)
	if err != nil {
		return
	}
	if produced.GreaterThan(current) {
		log.Warnf("This bundle was pushed by mops %s, which is newer than "+
			"this binary (%s). Consider upgrading.", tool.Version, version.Version)
	}
}
