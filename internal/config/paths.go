// Package config provides configuration management for rescale-fetch.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/rescale/rescale-fetch/internal/constants"
)

// DefaultStateDir returns the directory holding the resume store.
//
// Locations:
//   - Windows: %LOCALAPPDATA%\Rescale\Fetch\state
//   - Unix: ~/.rescale-fetch/state
func DefaultStateDir() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(os.TempDir(), "rescale-fetch-state")
			}
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, "Rescale", "Fetch", "state")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rescale-fetch-state")
	}
	return filepath.Join(homeDir, constants.StateDirName, "state")
}

// DefaultConfigFile returns the YAML config path read when --config is not given.
func DefaultConfigFile() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, constants.StateDirName, "config.yaml")
}

// EnsureStateDir creates the state directory with owner-only permissions.
func EnsureStateDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}
