// Package diskspace checks free space on the filesystem holding a path.
package diskspace

import (
	"errors"
	"fmt"
	"path/filepath"
)

// InsufficientSpaceError indicates that there is not enough disk space available.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	requiredMB := float64(e.RequiredBytes) / (1024 * 1024)
	availableMB := float64(e.AvailableBytes) / (1024 * 1024)
	return fmt.Sprintf("insufficient disk space for %s: need %.2f MB, have %.2f MB available",
		e.Path, requiredMB, availableMB)
}

// CheckAvailableSpace reports an InsufficientSpaceError when the filesystem
// holding targetPath has less than requiredBytes*safetyMargin free. If free
// space cannot be determined the check passes and the write fails naturally.
func CheckAvailableSpace(targetPath string, requiredBytes int64, safetyMargin float64) error {
	available, ok := availableBytes(filepath.Dir(targetPath))
	if !ok {
		return nil
	}
	return compare(targetPath, requiredBytes, safetyMargin, available)
}

func compare(targetPath string, requiredBytes int64, safetyMargin float64, available int64) error {
	if safetyMargin < 1 {
		safetyMargin = 1
	}
	required := int64(float64(requiredBytes) * safetyMargin)
	if available < required {
		return &InsufficientSpaceError{
			Path:           targetPath,
			RequiredBytes:  required,
			AvailableBytes: available,
		}
	}
	return nil
}

// IsInsufficientSpaceError checks if an error is an InsufficientSpaceError.
func IsInsufficientSpaceError(err error) bool {
	var e *InsufficientSpaceError
	return errors.As(err, &e)
}
