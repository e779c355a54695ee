package bundle

import (
	"io"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

// FileInfo identifies one file's content within a bundle.
type FileInfo struct {
	// Path is the repo-relative path, always with forward slashes.
	Path string

	// Digest is the content digest in <algorithm>:<hex> form.
	Digest digest.Digest

	// Size is the content length in bytes.
	Size int64
}

// LocalFile is a FileInfo plus the location of the contents on the local
// filesystem.
type LocalFile struct {
	FileInfo

	// ContentsPath is the path the contents can be read from.
	ContentsPath string
}

// HashFile returns the digest and size of the file at the given path. The
// contents are streamed through the hash, so artifacts larger than memory
// are fine.
func HashFile(path string) (digest.Digest, int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		if exists, existsErr := afero.Exists(fs, path); existsErr == nil && !exists {
			return "", 0, errors.FileNotFound{Path: path}
		}
		return "", 0, errors.WithContext(err, "open")
	}
	defer f.Close()

	digester := digest.SHA256.Digester()
	size, err := io.Copy(digester.Hash(), f)
	if err != nil {
		return "", 0, errors.WithContext(err, "read")
	}
	return digester.Digest(), size, nil
}
