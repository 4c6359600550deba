package subagent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/agentforge/core/runtime/agent/worktree"
)

const (
	streamFlushInterval = 2 * time.Second
	streamFlushBytes    = 2 * 1024
	heartbeatInterval   = 30 * time.Second
	resultCap           = 200 * 1024
)

// executeAgent is the Manager's default executorFunc: it runs one agent
// from Pending through to a terminal status, per spec §4.4's per-agent
// algorithm. It never panics the caller's goroutine on a git/spawn/exec
// failure; those are recorded as the agent's terminal Error instead.
func executeAgent(ctx context.Context, m *Manager, agentID string, cfg *Config) {
	agent, ok := m.GetAgent(agentID)
	if !ok {
		return
	}

	m.updateStatus(agentID, StatusRunning)
	m.addProgress(agentID, fmt.Sprintf("Starting agent with model: %s", agent.Model))

	fullPrompt := buildFullPrompt(agent, cfg)

	var workDir string
	if !agent.ReadOnly {
		dir, err := setupAgentWorktree(ctx, m, agentID, agent, cfg)
		if err != nil {
			m.updateResult(agentID, "", err.Error())
			return
		}
		workDir = dir
	} else {
		fullPrompt += "\n\n[Running in read-only mode - no modifications allowed]"
	}

	result, resultErr := runAgentProcess(ctx, m, agentID, agent, cfg, fullPrompt, workDir)
	m.updateResult(agentID, result, resultErr)
}

func buildFullPrompt(agent Agent, cfg *Config) string {
	full := agent.Prompt
	if cfg != nil {
		if instr := strings.TrimSpace(cfg.Instructions); instr != "" {
			full = instr + "\n\n" + full
		}
	}
	if agent.Context != "" {
		if strings.HasPrefix(strings.TrimSpace(full), "/") {
			full = full + "\n\nContext: " + agent.Context
		} else {
			full = "Context: " + agent.Context + "\n\nAgent: " + full
		}
	}
	if agent.OutputGoal != "" {
		full += "\n\nDesired output: " + agent.OutputGoal
	}
	if len(agent.Files) > 0 {
		full += "\n\nFiles to consider: " + strings.Join(agent.Files, ", ")
	}
	return full
}

func setupAgentWorktree(ctx context.Context, m *Manager, agentID string, agent Agent, cfg *Config) (string, error) {
	if m.worktrees == nil {
		return "", errors.New("sub-agent requires a worktree manager but none is configured")
	}
	gitRoot, err := findGitRootForAgent(ctx, m)
	if err != nil {
		return "", fmt.Errorf("git is required for non-read-only agents: %w", err)
	}

	branchID := agent.BranchName
	if branchID == "" {
		branchID = generateBranchID(agent.Model, agent.Prompt)
	}
	m.addProgress(agentID, "Creating git worktree: "+branchID)

	path, usedBranch, err := m.worktrees.SetupWorktree(ctx, gitRoot, branchID, agent.WorktreeBase)
	if err != nil {
		return "", fmt.Errorf("failed to setup worktree: %w", err)
	}
	m.setWorktreeInfo(agentID, path, usedBranch)
	m.addProgress(agentID, "Executing in worktree: "+path)
	return path, nil
}

// findGitRootForAgent resolves the repository root for the current process'
// working directory; a dedicated hook point so tests can stub it out
// without a real git checkout.
var findGitRootForAgent = func(ctx context.Context, m *Manager) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return worktree.GitRoot(ctx, cwd)
}

func runAgentProcess(ctx context.Context, m *Manager, agentID string, agent Agent, cfg *Config, prompt, workDir string) (string, string) {
	command, extraArgs := resolveCommand(agent.Model, cfg)
	family := defaultFamily(agent.Model, command)

	finalArgs := append([]string(nil), extraArgs...)
	if cfg != nil {
		switch {
		case agent.ReadOnly && cfg.ArgsReadOnly != nil:
			finalArgs = append(finalArgs, cfg.ArgsReadOnly...)
		case !agent.ReadOnly && cfg.ArgsWrite != nil:
			finalArgs = append(finalArgs, cfg.ArgsWrite...)
		default:
			finalArgs = append(finalArgs, cfg.Args...)
		}
	}
	finalArgs = stripModelFlags(finalArgs)

	missing := !commandExists(command)
	useCurrentExe := shouldUseCurrentExe(family, command, missing)

	switch family {
	case "claude", "gemini", "qwen":
		finalArgs = append(finalArgs, "-p", prompt)
	case "codex", "code":
		finalArgs = append(finalArgs,
			"-c", "model_reasoning_effort="+strings.ToLower(agent.ReasoningEffort),
			prompt,
		)
	default:
		finalArgs = append(finalArgs, prompt)
	}

	program, err := resolveProgramPath(useCurrentExe, command)
	if err != nil {
		return "", fmt.Sprintf("failed to resolve executable for model '%s': %v", agent.Model, err)
	}
	if useCurrentExe {
		finalArgs = append([]string{"exec"}, finalArgs...)
	} else if missing {
		return "", formatCommandNotFoundError(agent.Model, command)
	}

	cmd := exec.CommandContext(ctx, program, finalArgs...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.Env = buildEnv(cfg, agent.SourceKind)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Sprintf("failed to create stdout pipe: %v", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Sprintf("failed to create stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return "", formatSpawnError(agent.Model, err)
	}

	stopHeartbeat := make(chan struct{})
	go heartbeat(m, agentID, stopHeartbeat)

	var stdout, stderr string
	done := make(chan struct{}, 2)
	go func() { stdout = streamToProgress(m, agentID, "stdout", stdoutPipe); done <- struct{}{} }()
	go func() { stderr = streamToProgress(m, agentID, "stderr", stderrPipe); done <- struct{}{} }()
	<-done
	<-done
	close(stopHeartbeat)

	waitErr := cmd.Wait()
	if waitErr != nil {
		combined := strings.TrimSpace(stderr + "\n" + stdout)
		return "", combined
	}
	return truncateResult(stdout), ""
}

func heartbeat(m *Manager, agentID string, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.addProgress(agentID, "[heartbeat] still running")
		}
	}
}

// streamToProgress copies r line-by-line, flushing an accumulated buffer as
// a progress entry tagged [label] every streamFlushBytes or
// streamFlushInterval, whichever comes first, and returns the full
// concatenated output read.
func streamToProgress(m *Manager, agentID, label string, r io.Reader) string {
	var full strings.Builder
	var buf strings.Builder
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		m.addProgress(agentID, fmt.Sprintf("[%s] %s", label, buf.String()))
		buf.Reset()
	}

	lastFlush := time.Now()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			full.WriteString(line)
			buf.WriteString(line)
			if buf.Len() >= streamFlushBytes || time.Since(lastFlush) >= streamFlushInterval {
				flush()
				lastFlush = time.Now()
			}
		}
		if err != nil {
			break
		}
	}
	flush()
	return full.String()
}

func truncateResult(s string) string {
	if len(s) <= resultCap {
		return s
	}
	return s[:resultCap]
}

func formatCommandNotFoundError(model, command string) string {
	return fmt.Sprintf("agent model '%s' could not be launched: command %q was not found on PATH", model, command)
}

func formatSpawnError(model string, err error) string {
	return fmt.Sprintf("failed to spawn agent model '%s': %v", model, err)
}
