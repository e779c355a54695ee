package errors

import (
	"fmt"
)

var ErrFileChanged = New("file contents changed during push")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// TagNotFound represents when the registry has no manifest for a tag. It's
// distinct from transport failures so that callers can treat a missing tag
// as "no baseline" rather than a failure.
type TagNotFound struct {
	Tag string
}

func (err TagNotFound) Error() string {
	return fmt.Sprintf("tag %q does not exist", err.Tag)
}

// UnsafePath represents a relative path from an untrusted source (such as a
// downloaded manifest) that would resolve outside its destination directory.
type UnsafePath struct {
	Path   string
	Reason string
}

func (err UnsafePath) Error() string {
	return fmt.Sprintf("unsafe path %q: %s", err.Path, err.Reason)
}

// DigestMismatch represents downloaded content that doesn't hash to the
// digest its manifest declared.
type DigestMismatch struct {
	Path     string
	Expected string
	Actual   string
}

func (err DigestMismatch) Error() string {
	return fmt.Sprintf("digest mismatch for %q: expected %s, got %s",
		err.Path, err.Expected, err.Actual)
}
