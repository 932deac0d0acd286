// Package validation checks names and paths that come from descriptors before
// they touch the local filesystem.
package validation

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilename rejects output names that could escape the output
// directory: empty names, names with a path separator or NUL byte, and "."
// or "..". Dots inside a name ("data..v2.csv") are fine.
func ValidateFilename(filename string) error {
	switch {
	case filename == "":
		return fmt.Errorf("filename cannot be empty")
	case strings.ContainsRune(filename, 0):
		return fmt.Errorf("filename contains null byte: %q", filename)
	case strings.ContainsAny(filename, `/\`):
		return fmt.Errorf("filename cannot contain path separators: %s", filename)
	case filename == "." || filename == "..":
		return fmt.Errorf("filename cannot be %q", filename)
	}
	return nil
}

// ValidatePathInDirectory reports an error when path, resolved against
// baseDir, lands outside baseDir. Relative base directories are made
// absolute first.
func ValidatePathInDirectory(path, baseDir string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if baseDir == "" {
		return fmt.Errorf("base directory cannot be empty")
	}

	base, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return fmt.Errorf("failed to resolve base directory: %w", err)
	}
	resolved := filepath.Clean(path)
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(base, resolved)
	}

	rel, err := filepath.Rel(base, resolved)
	if err != nil {
		return fmt.Errorf("failed to compute relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes base directory: %s (base: %s)", path, baseDir)
	}
	return nil
}
