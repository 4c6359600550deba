package subagent

import (
	"strings"

	"github.com/google/uuid"

	"github.com/agentforge/core/runtime/agent/worktree"
)

var branchStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "into": true, "goal": true,
}

// generateBranchID derives a worktree branch name from the agent's model
// and task prompt: the first three prompt words longer than two characters
// (stopwords excluded) are slugified and joined as a suffix, falling back to
// a random token when the prompt yields nothing usable. Both halves are
// sanitized to [a-z0-9-] and the suffix is capped at 40 characters.
func generateBranchID(model, prompt string) string {
	var words []string
	for _, w := range strings.Fields(prompt) {
		if len(words) == 3 {
			break
		}
		lower := strings.ToLower(w)
		if len(w) <= 2 || branchStopwords[lower] {
			continue
		}
		words = append(words, w)
	}

	rawSuffix := strings.Join(words, "-")
	if rawSuffix == "" {
		rawSuffix = strings.SplitN(uuid.NewString(), "-", 2)[0]
	}

	modelSlug := worktree.SanitizeRefComponent(model)
	suffix := worktree.SanitizeRefComponent(rawSuffix)
	if len(suffix) > 40 {
		suffix = strings.Trim(suffix[:40], "-")
		if suffix == "" {
			suffix = "agent"
		}
	}
	return "code-" + modelSlug + "-" + suffix
}
