package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentforge/core/runtime/agent/planner"
	agentruntime "github.com/agentforge/core/runtime/agent/runtime"
)

// ApprovedCommandConfirmation builds a runtime.ToolConfirmation for a
// command-executing tool, rendering a preview of argv for the operator
// prompt and a structured denial payload when the operator declines.
// extractArgv decodes the tool's call payload into a command argv, per the
// shape the tool's own schema declares. Callers key this into
// runtime.ToolConfirmationConfig.Confirm under the tool's own tools.Ident.
//
// This is a runtime.Options-time construct (via
// runtime.WithToolConfirmation), not a per-Conversation one: the runtime's
// ToolConfirmationConfig is shared across every conversation an agent
// serves, while an approved-command set is scoped to a single Conversation.
// A deployment that wants Conversation-scoped pre-approval to bypass this
// prompt entirely should keep doing so in front of the runtime, the way
// Conversation.RequestCommandApproval already does via approvedcmd.MatchAny
// before a turn even reaches the point of scheduling this tool call; this
// constructor only renders the prompt/denial for the cases that still reach
// the workflow's own confirmation gate.
func ApprovedCommandConfirmation(extractArgv func(payload any) ([]string, error)) *agentruntime.ToolConfirmation {
	return &agentruntime.ToolConfirmation{
		Prompt: func(_ context.Context, call *planner.ToolRequest) (string, error) {
			argv, err := extractArgv(call.Payload)
			if err != nil {
				return "", fmt.Errorf("session: decode command for confirmation: %w", err)
			}
			return fmt.Sprintf("Run command: %s", strings.Join(argv, " ")), nil
		},
		DeniedResult: func(_ context.Context, call *planner.ToolRequest) (any, error) {
			argv, err := extractArgv(call.Payload)
			if err != nil {
				return nil, fmt.Errorf("session: decode command for denial: %w", err)
			}
			return map[string]any{
				"denied":  true,
				"command": argv,
				"message": "command execution was not approved",
			}, nil
		},
	}
}
