package status

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/buger/goterm"
	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/util"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

// New creates a new `status` command.
func New() *cobra.Command {
	var tag string
	var remote bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sync state of every tracked file.",
		Long: "Show the sync state of every tracked file. By default the\n" +
			"comparison is against the locally recorded sync state; --remote\n" +
			"compares against what the registry currently holds.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(tag, remote); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Tag to compare against with --remote.")
	cmd.Flags().BoolVar(&remote, "remote", false,
		"Compare against the registry instead of the local sync state.")
	return cmd
}

func run(tagFlag string, remote bool) error {
	workspace, err := util.LoadWorkspace()
	if err != nil {
		return err
	}
	ctx := context.Background()

	tracked, err := bundle.LoadTracked(workspace.Root)
	if err != nil {
		return errors.WithContext(err, "load tracked set")
	}
	if tracked.Len() == 0 {
		fmt.Println("No files are tracked. Track some with `mops track`.")
		return nil
	}

	files, missing, err := bundle.ScanTracked(ctx, workspace.Root, tracked,
		bundle.DefaultWorkers)
	if err != nil {
		return errors.WithContext(err, "scan tracked files")
	}

	classify, header, err := classifier(ctx, workspace, tagFlag, remote)
	if err != nil {
		return err
	}

	fmt.Println(header)
	table := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "PATH\tSTATE\tSIZE")
	for _, f := range files {
		fmt.Fprintf(table, "%s\t%s\t%s\n", f.Path, colored(classify(f.FileInfo)),
			humanize.Bytes(uint64(f.Size)))
	}
	for _, path := range missing {
		fmt.Fprintf(table, "%s\t%s\t\n", path, colored(bundle.StatusMissing))
	}
	return table.Flush()
}

// classifier picks the baseline tracked files are compared against: the
// advisory local sync state, or a live read of the registry.
func classifier(ctx context.Context, workspace util.Workspace, tagFlag string,
	remote bool) (func(bundle.FileInfo) bundle.FileStatus, string, error) {

	if !remote {
		state := bundle.LoadSyncState(workspace.Root)
		header := "Compared against the last sync."
		if state.LastSync != "" {
			header = fmt.Sprintf("Compared against the last sync (%s, tag %q).",
				state.LastSync, state.Tag)
		}
		return state.Classify, header, nil
	}

	client, err := workspace.RegistryClient(clockwork.NewRealClock())
	if err != nil {
		return nil, "", err
	}

	tag := workspace.Tag(tagFlag)
	remoteState, err := client.RemoteState(ctx, tag)
	if err != nil {
		if _, ok := errors.RootCause(err).(errors.TagNotFound); ok {
			// No remote baseline: everything is new.
			return func(bundle.FileInfo) bundle.FileStatus {
				return bundle.StatusNew
			}, fmt.Sprintf("The tag %q doesn't exist yet.", tag), nil
		}
		return nil, "", errors.WithContext(err, "read remote state")
	}

	return func(f bundle.FileInfo) bundle.FileStatus {
		remoteFile, ok := remoteState.Files[f.Path]
		if !ok {
			return bundle.StatusNew
		}
		if remoteFile.Digest != f.Digest {
			return bundle.StatusModified
		}
		return bundle.StatusSynced
	}, fmt.Sprintf("Compared against tag %q (%s).", tag,
		remoteState.ManifestDigest), nil
}

func colored(status bundle.FileStatus) string {
	switch status {
	case bundle.StatusSynced:
		return goterm.Color(string(status), goterm.GREEN)
	case bundle.StatusModified:
		return goterm.Color(string(status), goterm.YELLOW)
	case bundle.StatusMissing:
		return goterm.Color(string(status), goterm.RED)
	default:
		return goterm.Color(string(status), goterm.CYAN)
	}
}
