package turn

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnforceUserMessageLimitsLeavesShortTextUnchanged(t *testing.T) {
	cwd := t.TempDir()
	result, spill := EnforceUserMessageLimits(cwd, "sub-1", "hello", 100)
	require.Equal(t, "hello", result)
	require.Empty(t, spill)
}

func TestEnforceUserMessageLimitsTruncatesAndSpills(t *testing.T) {
	cwd := t.TempDir()
	text := strings.Repeat("a", 50) + strings.Repeat("b", 50) + strings.Repeat("c", 50)

	result, spill := EnforceUserMessageLimits(cwd, "sub/weird id", text, 60)
	require.Contains(t, result, truncationMarker)
	require.NotEmpty(t, spill)
	require.Contains(t, result, spill)

	saved, err := os.ReadFile(spill)
	require.NoError(t, err)
	require.Equal(t, text, string(saved))
}

func TestSafeSubIDSanitizesUnsafeCharacters(t *testing.T) {
	require.Equal(t, "sub-weird-id", safeSubID("sub/weird id"))
	require.Equal(t, "sub", safeSubID(""))
}

func TestAlignToRuneBoundaryHandlesMultiByteRunes(t *testing.T) {
	s := "a☺b"
	idx := alignToRuneBoundary(s, 2)
	require.True(t, isUTF8Boundary(s[idx]))
}
