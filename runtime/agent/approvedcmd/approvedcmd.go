// Package approvedcmd matches candidate shell commands against a list of
// pre-approved commands so the runtime can skip an approval round-trip for
// commands the user has already blessed. Matching understands shell-wrapper
// invocations (bash -lc "...") by tokenizing the wrapped script the same way
// a shell would, so a Prefix approval granted for the literal command also
// covers equivalent invocations issued through a shell wrapper. Exact
// approvals match the literal argv only.
package approvedcmd

import (
	shlex "github.com/anmitsu/go-shlex"
)

// Kind selects how an ApprovedCommand's Argv is compared against a
// candidate.
type Kind int

const (
	// Exact requires the candidate argv to equal Argv exactly.
	Exact Kind = iota
	// Prefix requires the candidate argv (or its shell-unwrapped token
	// stream) to start with Argv.
	Prefix
)

// ApprovedCommand is a previously authorized command, compared against
// future exec requests via Matches.
type ApprovedCommand struct {
	Argv []string
	Kind Kind
}

// shellWrappers is the set of shell binary names whose invocations are
// unwrapped, for the common "<shell> <flags...> <script>" invocation shape.
// The script is taken to be the last argv element; the shell's own flags are
// not matched against.
var shellWrappers = map[string]struct{}{
	"bash": {}, "sh": {}, "zsh": {}, "dash": {},
}

// Matches reports whether command is authorized by this approved command.
// Empty argv never matches. Exact requires literal equality. Prefix matches
// if command starts with Argv, or if command is a recognized shell-wrapper
// invocation whose script semantically tokenizes to a sequence starting with
// Argv.
func (a ApprovedCommand) Matches(command []string) bool {
	if len(command) == 0 || len(a.Argv) == 0 {
		return false
	}
	switch a.Kind {
	case Exact:
		return equalArgv(command, a.Argv)
	case Prefix:
		if startsWith(command, a.Argv) {
			return true
		}
		if tokens, ok := unwrapShellScript(command); ok {
			return startsWith(tokens, a.Argv)
		}
		return false
	default:
		return false
	}
}

// MatchAny reports whether command is authorized by any entry in approved.
func MatchAny(approved []ApprovedCommand, command []string) bool {
	for _, a := range approved {
		if a.Matches(command) {
			return true
		}
	}
	return false
}

// unwrapShellScript recognizes a "<shell> <flags...> <script>" invocation
// and returns the semantic tokenization of its trailing script argument.
// Unknown shell binaries are left wrapped (ok=false): we only unwrap shells
// we understand the invocation convention for. If the script fails to
// shell-split (e.g. unbalanced quotes), the script string itself is returned
// as a single-element token list rather than failing the match outright.
func unwrapShellScript(command []string) (tokens []string, ok bool) {
	if len(command) < 2 {
		return nil, false
	}
	shellName := baseName(command[0])
	if _, known := shellWrappers[shellName]; !known {
		return nil, false
	}
	script := command[len(command)-1]
	split, err := shlex.Split(script, true)
	if err != nil || len(split) == 0 {
		return []string{script}, true
	}
	return split, true
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

func equalArgv(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func startsWith(command, prefix []string) bool {
	if len(prefix) > len(command) {
		return false
	}
	for i := range prefix {
		if command[i] != prefix[i] {
			return false
		}
	}
	return true
}
