package push

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/cmd/util"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/fswatch"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/ignore"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/registry"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/vcs"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/version"
)

// pollSeconds is how often the watch loop re-checks the filesystem even
// without an event, catching changes in directories created after the watch
// started.
const pollSeconds = 15

// New creates a new `push` command.
func New() *cobra.Command {
	var tag, role string
	var workers int
	var watch bool
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload the tracked files as a new bundle version.",
		Long: "Upload the tracked files as a new bundle version under a tag.\n" +
			"Only files whose content differs from the current remote bundle\n" +
			"are transferred.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(tag, role, workers, watch); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Tag to push. Defaults to the bundle's default tag.")
	cmd.Flags().StringVar(&role, "role", "", "Push only the layers this role may access.")
	cmd.Flags().IntVar(&workers, "workers", bundle.DefaultWorkers,
		"Concurrent hash and upload workers.")
	cmd.Flags().BoolVar(&watch, "watch", false, "Push again whenever tracked files change.")
	return cmd
}

func run(tagFlag, role string, workers int, watch bool) error {
	workspace, err := util.LoadWorkspace()
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	client, err := workspace.RegistryClient(clock)
	if err != nil {
		return err
	}

	pusher := pusher{
		workspace: workspace,
		client:    client,
		clock:     clock,
		tag:       workspace.Tag(tagFlag),
		role:      role,
		workers:   workers,
	}

	if !watch {
		return pusher.pushOnce(context.Background())
	}

	eng, err := ignore.Load(workspace.Root)
	if err != nil {
		return errors.WithContext(err, "load ignore rules")
	}

	fileWatcher, err := fswatch.Watch(workspace.Root, eng)
	if err != nil {
		if strings.Contains(errors.RootCause(err).Error(), "too many open files") {
			log.Warnf("Too many files to watch for changes. "+
				"Falling back to polling every %d seconds.", pollSeconds)
			fileWatcher = nil
		} else {
			return errors.WithContext(err, "watch files")
		}
	}

	ticker := time.NewTicker(pollSeconds * time.Second)
	defer ticker.Stop()
	for {
		if err := pusher.pushOnce(context.Background()); err != nil {
			// In watch mode a failed push isn't fatal. The next change or
			// tick retries.
			log.WithError(err).Error("Push failed")
		}

		select {
		case <-fileWatcher:
		case <-ticker.C:
		}
	}
}

type pusher struct {
	workspace util.Workspace
	client    registry.Client
	clock     clockwork.Clock
	tag       string
	role      string
	workers   int
}

func (p pusher) pushOnce(ctx context.Context) error {
	tracked, err := bundle.LoadTracked(p.workspace.Root)
	if err != nil {
		return errors.WithContext(err, "load tracked set")
	}
	if tracked.Len() == 0 {
		return errors.NewFriendlyError("No files are tracked.\n" +
			"Track some with `mops track` before pushing.")
	}

	scoped := tracked
	if p.role != "" {
		scopedPaths, err := p.workspace.Bundle.Scope(p.role, tracked.Paths())
		if err != nil {
			return err
		}
		scoped = bundle.NewTrackedSet()
		for _, path := range scopedPaths {
			scoped.Add(path)
		}
	}

	files, missing, err := bundle.ScanTracked(ctx, p.workspace.Root, scoped, p.workers)
	if err != nil {
		return errors.WithContext(err, "scan tracked files")
	}
	util.LogMissing(missing)

	remote, err := p.client.RemoteState(ctx, p.tag)
	if err != nil {
		if _, ok := errors.RootCause(err).(errors.TagNotFound); ok {
			// New tag: no baseline, everything uploads.
			remote = nil
		} else {
			return errors.WithContext(err, "read remote state")
		}
	}

	// A role push replaces only the role's slice of the manifest. The diff
	// runs against the role's view of the remote; everything outside the
	// role's layers is carried into the new index untouched.
	preserved, remoteView, err := p.carryUnscoped(ctx, remote)
	if err != nil {
		return err
	}

	plan := bundle.PlanPush(files, remoteView)
	if plan.InSync {
		fmt.Printf("Everything up to date. %s is at %s.\n",
			p.tag, remoteView.ManifestDigest)
		p.saveState(remoteView.ManifestDigest, files)
		return nil
	}

	tool := bundle.Tool{Name: version.Tool, Version: version.Version}
	if revision, dirty, ok := vcs.Describe(p.workspace.Root); ok {
		tool.Revision = revision
		tool.Dirty = dirty
	}

	idx, err := bundle.BuildIndex(p.clock.Now(), tool, files, map[string]string{
		"bundle": p.workspace.Bundle.Name,
	})
	if err != nil {
		return errors.WithContext(err, "build index")
	}
	for path, entry := range preserved {
		idx.Files[path] = entry
	}

	manifestDigest, err := p.client.PushFiles(ctx, p.tag, plan.Upload, idx)
	if err != nil {
		return errors.WithContext(err, "push files")
	}

	var uploadBytes int64
	for _, f := range plan.Upload {
		uploadBytes += f.Size
	}
	fmt.Printf("Pushed %d file(s) (%s) to %s. %d file(s) unchanged.\n",
		len(plan.Upload), humanize.Bytes(uint64(uploadBytes)), p.tag,
		len(plan.Reused))
	fmt.Printf("Manifest digest: %s\n", manifestDigest)

	p.saveState(manifestDigest, files)
	return nil
}

// carryUnscoped splits the remote manifest for a role push: entries outside
// the role's layers are returned for carrying into the new index, and the
// remote view handed to the planner is narrowed to the role's paths, so the
// plan never marks another role's files as removed. A full push returns
// both unchanged.
func (p pusher) carryUnscoped(ctx context.Context, remote *bundle.RemoteState) (
	map[string]bundle.FileEntry, *bundle.RemoteState, error) {

	if p.role == "" || remote == nil {
		return nil, remote, nil
	}

	remoteIdx, err := p.client.GetIndex(ctx, remote.ManifestDigest)
	if err != nil {
		return nil, nil, errors.WithContext(err, "get remote index")
	}

	rolePaths, err := p.workspace.Bundle.Scope(p.role, remoteIdx.Paths())
	if err != nil {
		return nil, nil, err
	}
	inRole := make(map[string]bool, len(rolePaths))
	for _, path := range rolePaths {
		inRole[path] = true
	}

	preserved := map[string]bundle.FileEntry{}
	view := &bundle.RemoteState{
		ManifestDigest: remote.ManifestDigest,
		Files:          map[string]bundle.FileInfo{},
	}
	for path, entry := range remoteIdx.Files {
		if inRole[path] {
			view.Files[path] = remote.Files[path]
		} else {
			preserved[path] = entry
		}
	}
	return preserved, view, nil
}

// saveState records every scanned file's digest, not just the uploaded
// subset, so the next push diffs correctly even for files that already
// matched the remote. State failures are warnings, never push failures --
// the state is advisory.
func (p pusher) saveState(manifestDigest digest.Digest, files []bundle.LocalFile) {
	state := bundle.StateFromFiles(p.tag, manifestDigest, p.clock.Now(), files)
	if err := state.Save(p.workspace.Root); err != nil {
		log.WithError(err).Warn("Failed to save sync state")
	}
}
