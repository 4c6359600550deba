// Package autodrive implements the Auto-Drive decide-then-delegate loop and
// the Auto-Review (/review auto-resolve) loop: both repeatedly submit
// composite prompts to a running Session and react to its TaskComplete /
// ExitedReviewMode events under a time or attempt budget.
package autodrive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentforge/core/runtime/agent/config"
)

// Mode distinguishes which front end started Auto-Drive, so external
// tooling inspecting the PID file can annotate it appropriately.
type Mode string

const (
	ModeExec Mode = "exec"
	ModeTUI  Mode = "tui"
)

const maxGoalRunes = 800

type pidMetadata struct {
	PID       int     `json:"pid"`
	StartedAt string  `json:"started_at"`
	Mode      Mode    `json:"mode"`
	Goal      *string `json:"goal,omitempty"`
	Cwd       *string `json:"cwd,omitempty"`
	Command   *string `json:"command,omitempty"`
}

// PIDFile is a guard over "<data_home>/auto-drive/pid-<pid>.json". It
// records this process as a running Auto-Drive instance for external
// observers; callers must call Cleanup when the loop ends (there is no
// destructor in Go, so this is not automatic on scope exit the way the
// Rust original's Drop impl is).
type PIDFile struct {
	path string
}

// WritePIDFile writes the PID file under paths' data home and returns a
// guard for it. Returns nil if the file could not be written; Auto-Drive
// startup must never fail because of this bookkeeping.
func WritePIDFile(paths config.Paths, goal string, mode Mode) *PIDFile {
	dir := paths.AutoDrive()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}

	pid := os.Getpid()
	cwd, _ := os.Getwd()
	command := strings.Join(os.Args, " ")

	meta := pidMetadata{
		PID:       pid,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		Mode:      mode,
	}
	if g := truncateGoal(goal); g != "" {
		meta.Goal = &g
	}
	if cwd != "" {
		meta.Cwd = &cwd
	}
	if command != "" {
		meta.Command = &command
	}

	path := filepath.Join(dir, fmt.Sprintf("pid-%d.json", pid))
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil
	}
	return &PIDFile{path: path}
}

// Cleanup removes the PID file. Safe to call on a nil *PIDFile and safe to
// call more than once.
func (p *PIDFile) Cleanup() {
	if p == nil {
		return
	}
	_ = os.Remove(p.path)
}

func truncateGoal(goal string) string {
	trimmed := strings.TrimSpace(goal)
	r := []rune(trimmed)
	if len(r) <= maxGoalRunes {
		return trimmed
	}
	return string(r[:maxGoalRunes])
}
