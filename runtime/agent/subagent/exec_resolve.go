package subagent

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

var selfFamilies = map[string]bool{
	"code": true, "codex": true, "cloud": true, "coder": true,
}

// resolveCommand picks the argv[0] to spawn and the extra args implied by a
// compound command string (e.g. config.Command == "node agent.js" splits
// into "node" + ["agent.js"]).
func resolveCommand(model string, cfg *Config) (command string, extraArgs []string) {
	command = strings.ToLower(model)
	if cfg != nil {
		if c := strings.TrimSpace(cfg.Command); c != "" {
			command = cfg.Command
		} else if cfg.Name != "" {
			command = cfg.Name
		}
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command, nil
	}
	return fields[0], fields[1:]
}

// shouldUseCurrentExe reports whether the self-CLI family should be
// launched by re-invoking the currently running binary (with `exec`
// prepended to argv) instead of searching PATH for a sibling binary, per
// spec §4.4 step 4. This is preferred whenever the resolved command is
// missing from PATH, or is itself the canonical self-CLI name.
func shouldUseCurrentExe(family, commandForSpawn string, commandMissing bool) bool {
	if !selfFamilies[family] {
		return false
	}
	if commandMissing {
		return true
	}
	base := strings.ToLower(filepath.Base(commandForSpawn))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return selfFamilies[base]
}

// commandExists reports whether cmd can be spawned directly: an absolute or
// relative path is checked for an executable regular file; a bare name is
// searched on PATH (with PATHEXT resolution on Windows via exec.LookPath).
func commandExists(cmd string) bool {
	if strings.ContainsRune(cmd, '/') || strings.ContainsRune(cmd, filepath.Separator) {
		info, err := os.Stat(cmd)
		return err == nil && !info.IsDir()
	}
	_, err := exec.LookPath(cmd)
	return err == nil
}

// resolveProgramPath returns the path to spawn: the currently running
// executable when useCurrentExe is set, otherwise commandForSpawn verbatim
// (exec.Command resolves it against PATH itself).
func resolveProgramPath(useCurrentExe bool, commandForSpawn string) (string, error) {
	if !useCurrentExe {
		return commandForSpawn, nil
	}
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exePath); err == nil {
		return resolved, nil
	}
	return exePath, nil
}

// stripModelFlags removes any user-supplied -m/--model[=value] pair from
// args in place; the manager always drives the model selection itself.
func stripModelFlags(args []string) []string {
	out := args[:0]
	skipNext := false
	for _, a := range args {
		if skipNext {
			skipNext = false
			continue
		}
		if a == "-m" || a == "--model" {
			skipNext = true
			continue
		}
		if strings.HasPrefix(a, "--model=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// crossEcosystemAliases mirrors a handful of provider API key env vars
// under the names a differently-branded CLI expects, so a single configured
// secret works regardless of which agent family consumes it.
var crossEcosystemAliases = [][2]string{
	{"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	{"ANTHROPIC_API_KEY", "CLAUDE_API_KEY"},
	{"CLAUDE_API_KEY", "ANTHROPIC_API_KEY"},
	{"DASHSCOPE_API_KEY", "QWEN_API_KEY"},
	{"QWEN_API_KEY", "DASHSCOPE_API_KEY"},
}

// buildEnv assembles the child process environment: the current process
// env, overlaid with cfg.Env, with cross-ecosystem key aliases synthesized
// for whichever side is missing, startup hints that silence CLI
// auto-updaters/telemetry, and CODE_OPENAI_SUBAGENT set to distinguish a
// plain sub-agent from an auto-review one.
func buildEnv(cfg *Config, source SourceKind) []string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	if cfg != nil {
		for k, v := range cfg.Env {
			env[k] = v
		}
	}
	for _, pair := range crossEcosystemAliases {
		from, to := pair[0], pair[1]
		if env[from] != "" && env[to] == "" {
			env[to] = env[from]
		}
	}

	env["CODE_DISABLE_AUTOUPDATE"] = "1"
	env["CODE_DISABLE_TELEMETRY"] = "1"
	if source == SourceKindAutoReview {
		env["CODE_OPENAI_SUBAGENT"] = "review"
	} else {
		env["CODE_OPENAI_SUBAGENT"] = "agent"
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func defaultFamily(model, commandForSpawn string) string {
	lower := strings.ToLower(model)
	if selfFamilies[lower] || lower == "claude" || lower == "gemini" || lower == "qwen" {
		return lower
	}
	cmdLower := strings.ToLower(filepath.Base(commandForSpawn))
	if selfFamilies[cmdLower] || cmdLower == "claude" || cmdLower == "gemini" || cmdLower == "qwen" {
		return cmdLower
	}
	return lower
}

func isWindows() bool { return runtime.GOOS == "windows" }
