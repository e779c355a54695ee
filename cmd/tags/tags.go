package tags

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/util"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

// New creates a new `tags` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List the bundle's tags in the registry.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run() error {
	workspace, err := util.LoadWorkspace()
	if err != nil {
		return err
	}

	client, err := workspace.RegistryClient(clockwork.NewRealClock())
	if err != nil {
		return err
	}

	tags, err := client.ListTags(context.Background())
	if err != nil {
		return errors.WithContext(err, "list tags")
	}

	if len(tags) == 0 {
		fmt.Println("No tags yet. Push one with `mops push`.")
		return nil
	}
	for _, tag := range tags {
		fmt.Println(tag)
	}
	return nil
}
