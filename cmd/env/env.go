package env

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/util"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/config"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

// New creates a new `env` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "env [name]",
		Short: "Show or pin the registry environment.",
		Long: "Show the configured registry environments, or pin one as the\n" +
			"default for future invocations. The MOPS_ENV variable overrides\n" +
			"the pinned environment for a single invocation.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			var err error
			if len(args) == 0 {
				err = show()
			} else {
				err = pin(args[0])
			}
			if err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func show() error {
	userCfg, err := config.ParseUser()
	if err != nil {
		return errors.WithContext(err, "parse user config")
	}

	_, current, err := userCfg.ResolveEnvironment()
	if err != nil {
		return err
	}

	if len(userCfg.Environments) == 0 {
		fmt.Printf("No environments are defined in %s.\n"+
			"Anonymous registry access is used.\n", config.UserConfigPath)
		return nil
	}

	var names []string
	for name := range userCfg.Environments {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "NAME\tKIND\tTARGET")
	for _, name := range names {
		environment := userCfg.Environments[name]
		marker := ""
		if name == current {
			marker = " *"
		}

		kind := environment.Kind
		if kind == "" {
			kind = config.EnvironmentKindOCI
		}
		target := environment.URL
		if kind == config.EnvironmentKindS3 {
			target = environment.Endpoint + "/" + environment.Bucket
		}
		fmt.Fprintf(table, "%s%s\t%s\t%s\n", name, marker, kind, target)
	}
	return table.Flush()
}

func pin(name string) error {
	userCfg, err := config.ParseUser()
	if err != nil {
		return errors.WithContext(err, "parse user config")
	}

	if _, ok := userCfg.Environments[name]; !ok {
		return errors.NewFriendlyError("The environment %q is not defined in %s.\n"+
			"Add it there before pinning it.", name, config.UserConfigPath)
	}

	userCfg.Environment = name
	if err := config.WriteUser(userCfg); err != nil {
		return errors.WithContext(err, "write user config")
	}

	fmt.Printf("Pinned environment %q.\n", name)
	return nil
}
