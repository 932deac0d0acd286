// Package pathutil resolves user-supplied directories.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveAbsolutePath expands a leading "~" to the home directory and makes
// the result absolute. An empty path resolves to the working directory.
// The path does not need to exist.
func ResolveAbsolutePath(path string) (string, error) {
	if path == "" {
		return os.Getwd()
	}

	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}

	return filepath.Abs(path)
}
