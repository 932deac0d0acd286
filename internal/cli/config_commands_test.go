package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args in an isolated home directory and
// returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cmd := NewRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestConfigShow_FlagsOverrideEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("connection_limit: 3\nmode: batch\nsegment_retry_limit: unbounded\n"), 0o600))
	t.Setenv("RESCALE_FETCH_DECRYPT_PARALLELISM", "5")

	out, _, err := execute(t, "config", "show", "--config", cfgPath, "--connections", "7", "--state-dir", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "Connections:         7")
	assert.Contains(t, out, "Mode:                batch")
	assert.Contains(t, out, "Decrypt Workers:     5")
	assert.Contains(t, out, "Segment Retry Limit: unbounded")
	assert.Contains(t, out, "State Dir:    "+dir)
}

func TestConfigShow_ClampsWithWarning(t *testing.T) {
	out, stderr, err := execute(t, "config", "show", "--connections", "99", "--log-format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, "Connections:         16")
	assert.Contains(t, stderr, "connection_limit 99 above maximum")
}

func TestConfig_InvalidMode(t *testing.T) {
	_, _, err := execute(t, "config", "show", "--mode", "turbo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}

func TestConfigPath(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "missing.yaml")
	_, _, err := execute(t, "config", "path", "--config", cfgPath)
	require.Error(t, err, "an explicit config file must exist")

	require.NoError(t, os.WriteFile(cfgPath, []byte("mode: stream\n"), 0o600))
	out, _, err := execute(t, "config", "path", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, cfgPath)
	assert.Contains(t, out, "File exists")
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version", "--mode", "not-a-mode")
	require.NoError(t, err)
	assert.Contains(t, out, "rescale-fetch v")
	assert.Contains(t, out, "platform:")
}
