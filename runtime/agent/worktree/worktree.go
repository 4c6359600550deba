// Package worktree manages per-branch git worktrees used to give agents and
// sub-agents an isolated filesystem view of a repository. Worktrees live
// under a shared data home so that concurrent sessions against the same
// repository never collide, and can be pinned to a specific base commit so
// that a running agent's view of the tree cannot be mutated out from under
// it by unrelated work in the primary checkout.
package worktree

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentforge/core/runtime/agent/config"
	"github.com/agentforge/core/runtime/agent/review"
	"github.com/agentforge/core/runtime/agent/telemetry"
)

// LocalDefaultRemote is the name of the self-referential remote registered by
// EnsureLocalDefaultRemote.
const LocalDefaultRemote = "local-default"

const branchMetadataLegacyName = ".codex-branch.json"

// BranchMetadata records how a worktree relates to the repository it was
// branched from. It is persisted alongside the worktree so a later process
// (or a different session against the same worktree) can recover the
// relationship without re-deriving it from git state.
type BranchMetadata struct {
	BaseBranch string `json:"base_branch,omitempty"`
	RemoteName string `json:"remote_name,omitempty"`
	RemoteRef  string `json:"remote_ref,omitempty"`
	RemoteURL  string `json:"remote_url,omitempty"`
}

// Manager creates and reuses git worktrees rooted under a data home.
type Manager struct {
	paths  config.Paths
	logger telemetry.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the logger used for diagnostic messages. Defaults to
// a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New constructs a Manager rooted at paths.
func New(paths config.Paths, opts ...Option) *Manager {
	m := &Manager{paths: paths, logger: telemetry.NoopLogger{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SanitizeRefComponent converts s into a valid single git refname component:
// lowercase, [a-z0-9-] only, runs of other characters collapsed to a single
// dash, leading/trailing dashes trimmed. Returns "branch" if the result would
// be empty.
func SanitizeRefComponent(s string) string {
	var out strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
		if valid {
			out.WriteRune(r)
			lastDash = r == '-'
		} else if !lastDash {
			out.WriteByte('-')
			lastDash = true
		}
	}
	result := strings.Trim(out.String(), "-")
	if result == "" {
		return "branch"
	}
	return result
}

var branchNameStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "into": true, "goal": true,
}

// GenerateBranchName derives a branch name from free-form task text: the
// first four words longer than two characters (stopwords excluded) are
// slugified and joined, capped at 48 characters. If task yields no usable
// words, falls back to a timestamped name.
func GenerateBranchName(task string) string {
	if task != "" {
		var words []string
		for _, w := range strings.Fields(task) {
			if len(words) == 4 {
				break
			}
			if len(w) <= 2 || branchNameStopwords[strings.ToLower(w)] {
				continue
			}
			words = append(words, w)
		}
		if len(words) > 0 {
			slug := SanitizeRefComponent(strings.Join(words, "-"))
			if len(slug) > 48 {
				slug = strings.Trim(slug[:48], "-")
				if slug == "" {
					slug = "branch"
				}
			}
			return "code-branch-" + slug
		}
	}
	return "code-branch-" + time.Now().UTC().Format("20060102-150405")
}

// GitRoot resolves the top-level directory of the git repository containing
// cwd.
func GitRoot(ctx context.Context, cwd string) (string, error) {
	out, err := runGit(ctx, cwd, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not in a git repository: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// SetupWorktree ensures a worktree for branchID exists under
// <data_home>/working/<repo>/branches/<branchID>, pinned to baseRef when
// non-empty, or to the current HEAD otherwise. It returns the worktree path
// and the branch name actually used (which may differ from branchID if the
// requested name collided with an existing branch).
//
// Reuse policy: if the target path exists and baseRef is set, the existing
// worktree is hard-reset and cleaned in place rather than recreated, which
// preserves build caches between runs pinned to a changing commit. If the
// target exists and baseRef is empty, the existing worktree is reused as-is.
func (m *Manager) SetupWorktree(ctx context.Context, gitRoot, branchID, baseRef string) (path, actualBranch string, err error) {
	branchesDir := m.paths.WorkingRepo(filepath.Base(gitRoot))
	if err := os.MkdirAll(branchesDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create branches directory: %w", err)
	}

	effectiveBranch := branchID
	worktreePath := filepath.Join(branchesDir, effectiveBranch)

	if _, statErr := os.Stat(worktreePath); statErr == nil {
		if baseRef != "" {
			if _, err := runGit(ctx, worktreePath, "reset", "--hard", baseRef); err != nil {
				return "", "", fmt.Errorf("reset existing worktree: %w", err)
			}
			if _, err := runGit(ctx, worktreePath, "clean", "-fd"); err != nil {
				return "", "", fmt.Errorf("clean existing worktree: %w", err)
			}
			review.BumpSnapshotEpoch(worktreePath)
			m.recordWorktree(gitRoot, worktreePath)
			return worktreePath, effectiveBranch, nil
		}
		// Reuse allowed: no pinned snapshot requested.
		m.recordWorktree(gitRoot, worktreePath)
		return worktreePath, effectiveBranch, nil
	}

	args := []string{"worktree", "add", "-b", effectiveBranch, worktreePath}
	if baseRef != "" {
		args = append(args, baseRef)
	}
	out, err := runGit(ctx, gitRoot, args...)
	if err == nil {
		review.BumpSnapshotEpoch(worktreePath)
		m.recordWorktree(gitRoot, worktreePath)
		return worktreePath, effectiveBranch, nil
	}

	stderr := out
	missingButRegistered := !pathExists(worktreePath) &&
		(strings.Contains(stderr, "already registered") || strings.Contains(stderr, "already used by"))

	switch {
	case missingButRegistered:
		if err := m.pruneStaleWorktrees(ctx, gitRoot); err != nil {
			return "", "", err
		}
		if _, err := runGit(ctx, gitRoot, args...); err != nil {
			return "", "", fmt.Errorf("create worktree after prune: %w", err)
		}
		review.BumpSnapshotEpoch(worktreePath)
		m.recordWorktree(gitRoot, worktreePath)
		return worktreePath, effectiveBranch, nil

	case strings.Contains(stderr, "already exists"):
		effectiveBranch = fmt.Sprintf("%s-%s", effectiveBranch, time.Now().UTC().Format("20060102-150405"))
		worktreePath = filepath.Join(branchesDir, effectiveBranch)
		if pathExists(worktreePath) {
			_, _ = runGit(ctx, gitRoot, "worktree", "remove", worktreePath, "--force")
		}
		retryArgs := []string{"worktree", "add", "-b", effectiveBranch, worktreePath}
		if baseRef != "" {
			retryArgs = append(retryArgs, baseRef)
		}
		if _, err := runGit(ctx, gitRoot, retryArgs...); err != nil {
			return "", "", fmt.Errorf("create worktree: %w", err)
		}
		review.BumpSnapshotEpoch(worktreePath)
		m.recordWorktree(gitRoot, worktreePath)
		return worktreePath, effectiveBranch, nil

	default:
		return "", "", fmt.Errorf("create worktree: %s", stderr)
	}
}

// PrepareReusableWorktree prepares a worktree pinned to baseRef, suitable for
// workflows that re-run against the same branch (auto-review, auto-resolve)
// and want to keep build caches warm between runs. If the worktree already
// exists it is reset and cleaned in place; otherwise it is created detached
// at baseRef. keepGitignored preserves ignored files (e.g. build outputs)
// across resets; when false, ignored files are also removed.
func (m *Manager) PrepareReusableWorktree(ctx context.Context, gitRoot, name, baseRef string, keepGitignored bool) (string, error) {
	branchesDir := m.paths.WorkingRepo(filepath.Base(gitRoot))
	if err := os.MkdirAll(branchesDir, 0o755); err != nil {
		return "", fmt.Errorf("create branches directory: %w", err)
	}
	worktreePath := filepath.Join(branchesDir, name)

	if pathExists(worktreePath) {
		if _, err := runGit(ctx, worktreePath, "reset", "--hard", baseRef); err != nil {
			return "", fmt.Errorf("reset reusable worktree: %w", err)
		}
		cleanArgs := []string{"clean", "-fd"}
		if !keepGitignored {
			cleanArgs = []string{"clean", "-fdx"}
		}
		if _, err := runGit(ctx, worktreePath, cleanArgs...); err != nil {
			return "", fmt.Errorf("clean reusable worktree: %w", err)
		}
		review.BumpSnapshotEpoch(worktreePath)
		m.recordWorktree(gitRoot, worktreePath)
		return worktreePath, nil
	}

	out, err := runGit(ctx, gitRoot, "worktree", "add", "--detach", worktreePath, baseRef)
	if err == nil {
		review.BumpSnapshotEpoch(worktreePath)
		m.recordWorktree(gitRoot, worktreePath)
		return worktreePath, nil
	}

	missingButRegistered := !pathExists(worktreePath) &&
		(strings.Contains(out, "already registered") || strings.Contains(out, "already used by"))
	if !missingButRegistered {
		return "", fmt.Errorf("create reusable worktree: %w", err)
	}
	if err := m.pruneStaleWorktrees(ctx, gitRoot); err != nil {
		return "", err
	}
	if _, err := runGit(ctx, gitRoot, "worktree", "add", "--detach", worktreePath, baseRef); err != nil {
		return "", fmt.Errorf("create reusable worktree after prune: %w", err)
	}
	review.BumpSnapshotEpoch(worktreePath)
	m.recordWorktree(gitRoot, worktreePath)
	return worktreePath, nil
}

func (m *Manager) pruneStaleWorktrees(ctx context.Context, gitRoot string) error {
	if _, err := runGit(ctx, gitRoot, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune git worktrees: %w", err)
	}
	return nil
}

// EnsureLocalDefaultRemote registers (or repoints) a self-referential remote
// named "local-default" whose URL is the canonicalized repository path, and
// mirrors baseBranch's HEAD under refs/remotes/local-default/<branch>. This
// lets a detached worktree fetch from the primary checkout without network
// access. baseBranch defaults to the detected repository default branch when
// empty.
func (m *Manager) EnsureLocalDefaultRemote(ctx context.Context, gitRoot, baseBranch string) (*BranchMetadata, error) {
	canonicalRoot, err := filepath.Abs(gitRoot)
	if err != nil {
		canonicalRoot = gitRoot
	}
	if resolved, err := filepath.EvalSymlinks(canonicalRoot); err == nil {
		canonicalRoot = resolved
	}
	remoteURL := canonicalRoot

	existing, err := runGit(ctx, gitRoot, "remote", "get-url", LocalDefaultRemote)
	switch {
	case err == nil:
		if strings.TrimSpace(existing) != remoteURL {
			if _, err := runGit(ctx, gitRoot, "remote", "set-url", LocalDefaultRemote, remoteURL); err != nil {
				return nil, fmt.Errorf("set %s url: %w", LocalDefaultRemote, err)
			}
			review.BumpSnapshotEpoch(gitRoot)
		}
	default:
		if _, err := runGit(ctx, gitRoot, "remote", "add", LocalDefaultRemote, remoteURL); err != nil {
			return nil, fmt.Errorf("add %s: %w", LocalDefaultRemote, err)
		}
		review.BumpSnapshotEpoch(gitRoot)
	}

	base := strings.TrimSpace(baseBranch)
	if base == "" || base == "HEAD" {
		base = ""
	}
	if base == "" {
		if detected, err := DetectDefaultBranch(ctx, gitRoot); err == nil {
			base = detected
		}
	}

	metadata := &BranchMetadata{
		BaseBranch: base,
		RemoteName: LocalDefaultRemote,
		RemoteURL:  remoteURL,
	}

	if base != "" {
		sha, err := runGit(ctx, gitRoot, "rev-parse", "--verify", base)
		if err == nil && strings.TrimSpace(sha) != "" {
			remoteRef := fmt.Sprintf("refs/remotes/%s/%s", LocalDefaultRemote, base)
			if _, err := runGit(ctx, gitRoot, "update-ref", remoteRef, strings.TrimSpace(sha)); err == nil {
				metadata.RemoteRef = fmt.Sprintf("%s/%s", LocalDefaultRemote, base)
				review.BumpSnapshotEpoch(gitRoot)
			}
		}
	}

	return metadata, nil
}

// DetectDefaultBranch returns the repository's default branch: the name
// pointed to by refs/remotes/origin/HEAD if set, otherwise the first of
// "main"/"master" that exists locally.
func DetectDefaultBranch(ctx context.Context, cwd string) (string, error) {
	if out, err := runGit(ctx, cwd, "symbolic-ref", "--quiet", "refs/remotes/origin/HEAD"); err == nil {
		trimmed := strings.TrimSpace(out)
		if idx := strings.LastIndexByte(trimmed, '/'); idx >= 0 {
			return trimmed[idx+1:], nil
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := runGit(ctx, cwd, "rev-parse", "--verify", "--quiet", "refs/heads/"+candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.New("no default branch detected")
}

// CopyUncommittedToWorktree mirrors modified and untracked files, and tracked
// deletions, from src to dst. When CODEX_BRANCH_INCLUDE_SUBMODULES is set to
// "1", "true", or "yes", modified submodule pointer commits are additionally
// mirrored into dst's index via update-index --cacheinfo (no checkout, no
// network). Returns the number of files copied or removed.
func (m *Manager) CopyUncommittedToWorktree(ctx context.Context, src, dst string) (int, error) {
	count := 0

	changed, err := runGitRaw(ctx, src, "ls-files", "-om", "--exclude-standard", "-z")
	if err != nil {
		return 0, fmt.Errorf("list changes: %w", err)
	}
	for _, rel := range splitNulTerminated(changed) {
		if rel == "" || strings.HasPrefix(rel, ".git/") {
			continue
		}
		from := filepath.Join(src, rel)
		info, err := os.Stat(from)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		to := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return count, fmt.Errorf("create dir %s: %w", filepath.Dir(to), err)
		}
		if err := copyFile(from, to); err != nil {
			return count, fmt.Errorf("copy %s -> %s: %w", from, to, err)
		}
		count++
	}

	deleted, err := runGitRaw(ctx, src, "ls-files", "-d", "-z")
	if err != nil {
		return count, fmt.Errorf("list deletions: %w", err)
	}
	for _, rel := range splitNulTerminated(deleted) {
		if rel == "" || strings.HasPrefix(rel, ".git/") {
			continue
		}
		target := filepath.Join(dst, rel)
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return count, fmt.Errorf("remove deleted path %s: %w", target, err)
		}
		count++
	}

	if includeSubmodulePointers() {
		m.mirrorSubmodulePointers(ctx, src, dst)
	}

	return count, nil
}

func includeSubmodulePointers() bool {
	v := strings.ToLower(os.Getenv("CODEX_BRANCH_INCLUDE_SUBMODULES"))
	return v == "1" || v == "true" || v == "yes"
}

func (m *Manager) mirrorSubmodulePointers(ctx context.Context, src, dst string) {
	out, err := runGit(ctx, src, "submodule", "status", "--recursive")
	if err != nil {
		return
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "+") {
			continue
		}
		fields := strings.Fields(line[1:])
		if len(fields) < 2 {
			continue
		}
		sha, path := fields[0], fields[1]
		spec := fmt.Sprintf("160000,%s,%s", sha, path)
		_, _ = runGit(ctx, dst, "update-index", "--add", "--cacheinfo", spec)
	}
}

// WriteBranchMetadata persists metadata alongside worktreePath, keyed by the
// worktree's canonical path. Best-effort: callers treat a nil error as
// success but should not fail the primary operation if metadata write fails
// for an unrelated reason (e.g. read-only data home).
func (m *Manager) WriteBranchMetadata(worktreePath string, metadata BranchMetadata) error {
	path := m.metadataFilePath(worktreePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("prepare branch metadata directory: %w", err)
	}
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize branch metadata: %w", err)
	}
	_ = os.Remove(filepath.Join(worktreePath, branchMetadataLegacyName))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write branch metadata: %w", err)
	}
	return nil
}

// LoadBranchMetadata returns the metadata previously written for
// worktreePath, or nil if none was ever written. Falls back to a legacy
// in-tree metadata file for worktrees created by older versions of this
// manager.
func (m *Manager) LoadBranchMetadata(worktreePath string) *BranchMetadata {
	path := m.metadataFilePath(worktreePath)
	if data, err := os.ReadFile(path); err == nil {
		var meta BranchMetadata
		if json.Unmarshal(data, &meta) == nil {
			return &meta
		}
	}
	legacy := filepath.Join(worktreePath, branchMetadataLegacyName)
	data, err := os.ReadFile(legacy)
	if err != nil {
		return nil
	}
	var meta BranchMetadata
	if json.Unmarshal(data, &meta) != nil {
		return nil
	}
	return &meta
}

// RemoveBranchMetadata deletes any metadata (current or legacy) associated
// with worktreePath.
func (m *Manager) RemoveBranchMetadata(worktreePath string) {
	_ = os.Remove(m.metadataFilePath(worktreePath))
	_ = os.Remove(filepath.Join(worktreePath, branchMetadataLegacyName))
}

func (m *Manager) metadataFilePath(worktreePath string) string {
	canonical := worktreePath
	if resolved, err := filepath.Abs(worktreePath); err == nil {
		canonical = resolved
	}
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(canonical))
	return filepath.Join(m.paths.BranchMeta(), encoded+".json")
}

// recordWorktree appends (gitRoot, worktreePath) to the per-process worktree
// registry so a supervising process can clean up worktrees it created
// without touching worktrees owned by other processes. Best-effort: failures
// are logged, not returned, since registration never gates correctness of
// the worktree operation itself.
func (m *Manager) recordWorktree(gitRoot, worktreePath string) {
	dir := m.paths.WorkingSession()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.logger.Warn(context.Background(), "record worktree: create session dir failed", "error", err)
		return
	}
	file := filepath.Join(dir, fmt.Sprintf("pid-%d.txt", os.Getpid()))
	f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Warn(context.Background(), "record worktree: open session file failed", "error", err)
		return
	}
	defer f.Close()
	line := fmt.Sprintf("%s\t%s\n", gitRoot, worktreePath)
	if _, err := f.WriteString(line); err != nil {
		m.logger.Warn(context.Background(), "record worktree: write session file failed", "error", err)
	}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func splitNulTerminated(data []byte) []string {
	parts := bytes.Split(bytes.TrimRight(data, "\x00"), []byte{0})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) > 0 {
			out = append(out, string(p))
		}
	}
	return out
}

// runGit runs git with args in dir and returns combined stdout+stderr,
// trimmed. On failure the returned string still carries stderr so callers
// can pattern-match git's diagnostic text (e.g. "already registered").
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		combined := strings.TrimSpace(stderr.String())
		if combined == "" {
			combined = err.Error()
		}
		return combined, fmt.Errorf("%s", combined)
	}
	return stdout.String(), nil
}

// runGitRaw is like runGit but returns raw (non-UTF8-safe) stdout bytes, for
// NUL-separated file listings.
func runGitRaw(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		combined := strings.TrimSpace(stderr.String())
		if combined == "" {
			combined = err.Error()
		}
		return nil, fmt.Errorf("%s", combined)
	}
	return stdout.Bytes(), nil
}
