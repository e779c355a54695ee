package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	envCmd "github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/env"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/gc"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/pull"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/push"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/status"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/tags"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/track"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/untrack"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/util"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "MOPS_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "mops",
		Short:        "Sync bundles of model code and data with a registry.",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		envCmd.New(),
		gc.New(),
		pull.New(),
		push.New(),
		status.New(),
		tags.New(),
		track.New(),
		untrack.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
