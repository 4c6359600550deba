// Package config resolves the on-disk data home layout shared by the
// worktree manager, rollout recorder, auto-drive controller, and review
// coordinator. All persistent state lives under a single root directory so a
// single host can run several sessions against several repositories without
// cross-contaminating their working trees or logs.
package config

import (
	"os"
	"path/filepath"
)

// Paths resolves the well-known subdirectories under a data home root.
// The zero value is invalid; construct with Resolve.
type Paths struct {
	root string
}

// Resolve determines the data home root from the environment and returns a
// Paths rooted there. CODE_HOME takes precedence over CODEX_HOME, which in
// turn takes precedence over "<user_home>/.code". CODEX_HOME is consulted as
// a read-only legacy fallback only when CODE_HOME is unset; it is never
// created.
func Resolve() (Paths, error) {
	if v := os.Getenv("CODE_HOME"); v != "" {
		return Paths{root: v}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, err
	}
	if v := os.Getenv("CODEX_HOME"); v != "" {
		return Paths{root: v}, nil
	}
	return Paths{root: filepath.Join(home, ".code")}, nil
}

// Root returns the resolved data home directory.
func (p Paths) Root() string { return p.root }

// Sessions returns the directory holding rollout logs, organized by date.
func (p Paths) Sessions() string { return filepath.Join(p.root, "sessions") }

// WorkingRepo returns the branches directory for a repository identified by
// its directory name (typically the git root's base name).
func (p Paths) WorkingRepo(repoName string) string {
	return filepath.Join(p.root, "working", repoName, "branches")
}

// WorkingSession returns the per-process worktree registry directory.
func (p Paths) WorkingSession() string {
	return filepath.Join(p.root, "working", "_session")
}

// BranchMeta returns the directory holding branch metadata sidecar files.
func (p Paths) BranchMeta() string {
	return filepath.Join(p.root, "working", "_branch-meta")
}

// AutoDrive returns the directory holding auto-drive PID files.
func (p Paths) AutoDrive() string {
	return filepath.Join(p.root, "auto-drive")
}

// UserSpill returns the directory under cwd used to spill oversized user
// messages. Unlike the other Paths methods this is rooted at a working
// directory, not the data home, since spilled messages are workspace-local.
func UserSpill(cwd string) string {
	return filepath.Join(cwd, ".code", "user")
}
