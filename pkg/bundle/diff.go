package bundle

import (
	"sort"
)

// Plan describes the work a push must do to make a remote tag match the
// local tracked set.
type Plan struct {
	// Upload holds the files whose content the remote doesn't have under
	// their path: new paths, and paths whose digest changed.
	Upload []LocalFile

	// Reused holds the files that are unchanged relative to the remote.
	Reused []FileInfo

	// Removed holds the paths present remotely but no longer tracked. They
	// simply drop out of the new manifest; nothing is deleted from the
	// registry's content store.
	Removed []string

	// InSync means pushing would reproduce the remote manifest exactly, so
	// the push can be skipped and the existing manifest digest returned.
	InSync bool
}

// PlanPush diffs the local tracked files against the remote state. A nil
// remote means the tag doesn't exist yet, so every file uploads. Only
// digests decide membership in the upload set -- timestamps and sync state
// never do.
func PlanPush(local []LocalFile, remote *RemoteState) Plan {
	plan := Plan{}

	for _, f := range local {
		if remote != nil {
			if remoteFile, ok := remote.Files[f.Path]; ok && remoteFile.Digest == f.Digest {
				plan.Reused = append(plan.Reused, f.FileInfo)
				continue
			}
		}
		plan.Upload = append(plan.Upload, f)
	}

	if remote != nil {
		localPaths := make(map[string]bool, len(local))
		for _, f := range local {
			localPaths[f.Path] = true
		}
		for path := range remote.Files {
			if !localPaths[path] {
				plan.Removed = append(plan.Removed, path)
			}
		}
	}

	sort.Slice(plan.Upload, func(i, j int) bool {
		return plan.Upload[i].Path < plan.Upload[j].Path
	})
	sort.Slice(plan.Reused, func(i, j int) bool {
		return plan.Reused[i].Path < plan.Reused[j].Path
	})
	sort.Strings(plan.Removed)

	plan.InSync = remote != nil && len(plan.Upload) == 0 && len(plan.Removed) == 0
	return plan
}
