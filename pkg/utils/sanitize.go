package utils

import (
	"fmt"
	"path"
	"strings"
)

// CleanRelPath normalizes an archive-relative path (identifier/dir/file) for use under a mirror root.
// Archive filenames may contain subdirectories, but nothing may climb out of the root.
func CleanRelPath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrFilesystem)
	}
	if strings.ContainsRune(rel, '\x00') {
		return "", fmt.Errorf("%w: NUL byte in path %q", ErrFilesystem, rel)
	}
	slashed := strings.ReplaceAll(rel, "\\", "/")
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: path %q escapes the mirror root", ErrFilesystem, rel)
		}
	}
	cleaned := path.Clean("/" + slashed)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: path %q resolves to the root", ErrFilesystem, rel)
	}
	return cleaned, nil
}
