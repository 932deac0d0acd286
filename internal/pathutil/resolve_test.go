package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAbsolutePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	wd, err := os.Getwd()
	require.NoError(t, err)

	tests := []struct {
		in   string
		want string
	}{
		{"", wd},
		{"~", home},
		{"~/downloads/run-1", filepath.Join(home, "downloads", "run-1")},
		{"out", filepath.Join(wd, "out")},
		{"/abs/./dir/../x", "/abs/x"},
		{"~user/x", filepath.Join(wd, "~user", "x")},
	}

	for _, tc := range tests {
		got, err := ResolveAbsolutePath(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
