package envctx

import (
	"fmt"
	"sort"
	"strings"
)

// formatSnapshot renders a baseline as the compact status block the turn
// loop prepends to a fresh prompt.
func formatSnapshot(s Snapshot) string {
	var b strings.Builder
	b.WriteString("<environment_context>\n")
	writeField(&b, "cwd", s.Cwd)
	writeField(&b, "branch", s.Branch)
	writeField(&b, "approval_policy", s.ApprovalPolicy)
	writeField(&b, "sandbox", s.Sandbox)
	writeField(&b, "shell", s.Shell)
	writeField(&b, "reasoning_effort", s.ReasoningEffort)
	writeField(&b, "browser", s.Browser)
	b.WriteString("</environment_context>")
	return b.String()
}

// formatDelta renders a Delta as a minimal update block naming only the
// fields that changed.
func formatDelta(d Delta) string {
	if len(d.Changed) == 0 {
		return "<environment_context_update/>"
	}
	keys := make([]string, 0, len(d.Changed))
	for k := range d.Changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("<environment_context_update>\n")
	for _, k := range keys {
		writeField(&b, k, d.Changed[k])
	}
	b.WriteString("</environment_context_update>")
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "  <%s>%s</%s>\n", name, value, name)
}
