package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentforge/core/runtime/agent/config"
)

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "-q")
	git(t, dir, "config", "user.email", "test@example.com")
	git(t, dir, "config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-q", "-m", "init")
	return dir
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	t.Setenv("CODE_HOME", t.TempDir())
	paths, err := config.Resolve()
	require.NoError(t, err)
	return New(paths)
}

func TestSanitizeRefComponent(t *testing.T) {
	require.Equal(t, "fix-the-bug", SanitizeRefComponent("Fix The Bug!!"))
	require.Equal(t, "branch", SanitizeRefComponent("***"))
	require.Equal(t, "a-b", SanitizeRefComponent("a___b"))
}

func TestGenerateBranchName(t *testing.T) {
	name := GenerateBranchName("the quick brown fox jumps over the lazy dog")
	require.Regexp(t, `^code-branch-[a-z0-9-]+$`, name)
	require.NotContains(t, name, "the-")

	name = GenerateBranchName("")
	require.Regexp(t, `^code-branch-\d{8}-\d{6}$`, name)
}

func TestSetupWorktreeCreatesAndReuses(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m := newManager(t)

	path, branch, err := m.SetupWorktree(ctx, repo, "feature-a", "")
	require.NoError(t, err)
	require.Equal(t, "feature-a", branch)
	require.DirExists(t, path)

	// Reuse without a pinned base ref returns the same worktree as-is.
	path2, branch2, err := m.SetupWorktree(ctx, repo, "feature-a", "")
	require.NoError(t, err)
	require.Equal(t, path, path2)
	require.Equal(t, branch, branch2)
}

func TestSetupWorktreePinnedResetsInPlace(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m := newManager(t)

	path, _, err := m.SetupWorktree(ctx, repo, "feature-b", "HEAD")
	require.NoError(t, err)
	require.DirExists(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(path, "scratch.txt"), []byte("dirty"), 0o644))

	path2, branch2, err := m.SetupWorktree(ctx, repo, "feature-b", "HEAD")
	require.NoError(t, err)
	require.Equal(t, path, path2)
	require.Equal(t, "feature-b", branch2)
	require.NoFileExists(t, filepath.Join(path, "scratch.txt"))
}

func TestPrepareReusableWorktreeRecoversMissingRegistration(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m := newManager(t)

	first, err := m.PrepareReusableWorktree(ctx, repo, "auto-review", "HEAD", false)
	require.NoError(t, err)
	require.DirExists(t, first)

	require.NoError(t, os.RemoveAll(first))

	second, err := m.PrepareReusableWorktree(ctx, repo, "auto-review", "HEAD", false)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.DirExists(t, second)
}

func TestBranchMetadataRoundTrip(t *testing.T) {
	repo := initRepo(t)
	m := newManager(t)

	meta := BranchMetadata{BaseBranch: "main", RemoteName: LocalDefaultRemote, RemoteURL: repo}
	require.NoError(t, m.WriteBranchMetadata(repo, meta))

	loaded := m.LoadBranchMetadata(repo)
	require.NotNil(t, loaded)
	require.Equal(t, meta, *loaded)

	m.RemoveBranchMetadata(repo)
	require.Nil(t, m.LoadBranchMetadata(repo))
}

func TestCopyUncommittedToWorktree(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m := newManager(t)

	path, _, err := m.SetupWorktree(ctx, repo, "mirror", "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "untracked.txt"), []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("changed"), 0o644))

	count, err := m.CopyUncommittedToWorktree(ctx, repo, path)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	data, err := os.ReadFile(filepath.Join(path, "untracked.txt"))
	require.NoError(t, err)
	require.Equal(t, "new", string(data))

	data, err = os.ReadFile(filepath.Join(path, "README.md"))
	require.NoError(t, err)
	require.Equal(t, "changed", string(data))
}
