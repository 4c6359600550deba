package approvedcmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExactMatch(t *testing.T) {
	cmd := ApprovedCommand{Argv: []string{"git", "status"}, Kind: Exact}
	require.True(t, cmd.Matches([]string{"git", "status"}))
	require.False(t, cmd.Matches([]string{"git", "status", "--short"}))
}

func TestPrefixMatchArgv(t *testing.T) {
	cmd := ApprovedCommand{Argv: []string{"npm", "test"}, Kind: Prefix}
	require.True(t, cmd.Matches([]string{"npm", "test", "--watch"}))
	require.False(t, cmd.Matches([]string{"npm", "run", "build"}))
}

func TestPrefixMatchShellWrapper(t *testing.T) {
	cmd := ApprovedCommand{Argv: []string{"foo", "&&", "bar"}, Kind: Prefix}
	require.True(t, cmd.Matches([]string{"bash", "-lc", "foo && bar"}))
	require.True(t, cmd.Matches([]string{"bash", "-lc", "foo && bar && baz"}))
	require.False(t, cmd.Matches([]string{"bash", "-lc", "foo"}))
}

func TestUnknownShellBinaryNotUnwrapped(t *testing.T) {
	cmd := ApprovedCommand{Argv: []string{"foo"}, Kind: Prefix}
	require.False(t, cmd.Matches([]string{"fish", "-c", "foo"}))
}

func TestEmptyArgvNeverMatches(t *testing.T) {
	exact := ApprovedCommand{Argv: []string{"git"}, Kind: Exact}
	require.False(t, exact.Matches(nil))

	prefix := ApprovedCommand{Kind: Prefix}
	require.False(t, prefix.Matches([]string{"git", "status"}))
}

func TestShellSplitFailureFallsBackToSingleToken(t *testing.T) {
	cmd := ApprovedCommand{Argv: []string{`echo "unterminated`}, Kind: Prefix}
	require.True(t, cmd.Matches([]string{"bash", "-lc", `echo "unterminated`}))
}

func TestMatchAny(t *testing.T) {
	approved := []ApprovedCommand{
		{Argv: []string{"git", "status"}, Kind: Exact},
		{Argv: []string{"npm", "test"}, Kind: Prefix},
	}
	require.True(t, MatchAny(approved, []string{"npm", "test", "--ci"}))
	require.False(t, MatchAny(approved, []string{"rm", "-rf", "/"}))
}
