// Package pathsafe validates repo-relative paths that come from untrusted
// sources, such as downloaded manifests. Every path is checked before it's
// used to touch the filesystem -- never trusted because of where it came
// from.
package pathsafe

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

// Clean validates p as a safe repo-relative path and returns its canonical
// form: forward slashes, with "." segments and redundant separators removed.
// Both slash styles are treated as separators so that a manifest written on
// Windows can't smuggle traversal through backslashes.
func Clean(p string) (string, error) {
	if p == "" {
		return "", errors.UnsafePath{Path: p, Reason: "empty path"}
	}

	normalized := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(normalized, "/") {
		return "", errors.UnsafePath{Path: p, Reason: "absolute path"}
	}
	if len(normalized) >= 2 && normalized[1] == ':' && isASCIIAlpha(normalized[0]) {
		return "", errors.UnsafePath{Path: p, Reason: "drive letter path"}
	}

	// Reject ".." segments outright rather than resolving them. "a/../b"
	// resolves inside the root, but paths like that never appear in honest
	// manifests.
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return "", errors.UnsafePath{Path: p, Reason: "path traversal"}
		}
	}

	cleaned := path.Clean(normalized)
	if cleaned == "." {
		return "", errors.UnsafePath{Path: p, Reason: "no file name"}
	}
	return cleaned, nil
}

// Resolve validates p and joins it beneath root, returning the absolute
// target path. The returned path is guaranteed to be within root. "." names
// root itself: the root is a legal resolution target even though Clean
// rejects it as an entry name.
func Resolve(root, p string) (string, error) {
	if namesRoot(p) {
		return filepath.Clean(root), nil
	}

	cleaned, err := Clean(p)
	if err != nil {
		return "", err
	}

	target := filepath.Join(root, filepath.FromSlash(cleaned))

	// Clean already rejected anything that could escape, so this only fires
	// if the checks above have a bug.
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.UnsafePath{Path: p, Reason: "path traversal"}
	}
	return target, nil
}

// namesRoot reports whether p is "." or an equivalent like "./". Absolute
// forms never qualify, and neither does anything with a real segment.
func namesRoot(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return false
	}
	for _, segment := range strings.Split(strings.ReplaceAll(p, `\`, "/"), "/") {
		if segment != "" && segment != "." {
			return false
		}
	}
	return true
}

func isASCIIAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
