// Package vcs captures version-control provenance for pushed bundles. A
// bundle produced from a git work tree records the commit it was built from
// and whether the tree was dirty, so a consumer can trace a bundle back to
// source. Repositories outside version control simply record nothing.
package vcs

import (
	log "github.com/sirupsen/logrus"
	git "gopkg.in/src-d/go-git.v4"
)

// Describe returns the HEAD commit hash of the git repository containing
// root and whether the work tree has uncommitted changes. ok is false when
// root isn't inside a git repository, which is not an error.
func Describe(root string) (revision string, dirty bool, ok bool) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return "", false, false
	}

	head, err := repo.Head()
	if err != nil {
		// A repository with no commits yet has no HEAD to record.
		log.WithError(err).Debug("Skipping VCS metadata: no HEAD")
		return "", false, false
	}
	revision = head.Hash().String()

	worktree, err := repo.Worktree()
	if err != nil {
		return revision, false, true
	}

	status, err := worktree.Status()
	if err != nil {
		log.WithError(err).Debug("Failed to compute work tree status")
		return revision, false, true
	}
	return revision, !status.IsClean(), true
}
