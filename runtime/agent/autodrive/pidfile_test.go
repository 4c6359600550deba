package autodrive

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentforge/core/runtime/agent/config"
)

func newTestPaths(t *testing.T) config.Paths {
	t.Helper()
	t.Setenv("CODE_HOME", t.TempDir())
	paths, err := config.Resolve()
	require.NoError(t, err)
	return paths
}

func TestWritePIDFileWritesExpectedShape(t *testing.T) {
	paths := newTestPaths(t)
	pf := WritePIDFile(paths, "  write the changelog  ", ModeExec)
	require.NotNil(t, pf)

	data, err := os.ReadFile(pf.path)
	require.NoError(t, err)

	var meta pidMetadata
	require.NoError(t, json.Unmarshal(data, &meta))
	require.Equal(t, os.Getpid(), meta.PID)
	require.Equal(t, ModeExec, meta.Mode)
	require.NotNil(t, meta.Goal)
	require.Equal(t, "write the changelog", *meta.Goal)
}

func TestWritePIDFileCleanupRemovesFile(t *testing.T) {
	paths := newTestPaths(t)
	pf := WritePIDFile(paths, "goal", ModeTUI)
	require.NotNil(t, pf)
	require.FileExists(t, pf.path)

	pf.Cleanup()
	require.NoFileExists(t, pf.path)

	pf.Cleanup() // idempotent
	var nilPF *PIDFile
	nilPF.Cleanup() // safe on nil receiver
}

func TestTruncateGoalCapsAtEightHundredRunes(t *testing.T) {
	long := strings.Repeat("g", 1000)
	truncated := truncateGoal(long)
	require.Len(t, []rune(truncated), maxGoalRunes)
}
