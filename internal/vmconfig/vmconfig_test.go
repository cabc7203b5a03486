package vmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.EnableFastBytecodes)
	require.False(t, cfg.SplitInfrequentBytecodes)
	require.False(t, cfg.EnableDebugger)
	require.Equal(t, 1000, cfg.ThreadQuantum)
	require.Equal(t, 32, cfg.MaxFreeMonitors)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmconfig.yaml")
	yaml := "enable_debugger: true\nthread_quantum: 250\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.EnableDebugger)
	require.Equal(t, 250, cfg.ThreadQuantum)
	require.True(t, cfg.EnableFastBytecodes) // untouched field keeps its default
	require.Equal(t, 32, cfg.MaxFreeMonitors)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
