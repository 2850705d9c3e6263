package handoff

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	toolx "github.com/tanpawarit/moneta-advisor/agent/tool"
)

const toolPrefix = "handoff_to_"

// ToolName is the handoff tool that transfers a conversation to target.
func ToolName(target contractx.AgentID) string {
	return toolPrefix + string(target)
}

// TargetOf reports the agent a handoff tool transfers to. This is the only
// place the naming convention is matched.
func TargetOf(toolName string) (contractx.AgentID, bool) {
	if !strings.HasPrefix(toolName, toolPrefix) {
		return "", false
	}
	target := strings.TrimSpace(strings.TrimPrefix(toolName, toolPrefix))
	if target == "" {
		return "", false
	}
	return contractx.AgentID(target), true
}

func IsHandoff(toolName string) bool {
	_, ok := TargetOf(toolName)
	return ok
}

// Ack is the fixed tool output recorded when a handoff is accepted.
func Ack(target contractx.AgentID) string {
	return fmt.Sprintf("Transferred to %s. %s now owns this conversation and will answer the user.", target, target)
}

// NewTool builds the callable behind a handoff tool. Invoking it only
// returns the acknowledgement; the router performs the transition.
func NewTool(target contractx.AgentID, description string) *toolx.FunctionTool {
	desc := fmt.Sprintf("Transfer the conversation to %s.", target)
	if d := strings.TrimSpace(description); d != "" {
		desc = fmt.Sprintf("Transfer the conversation to %s: %s", target, d)
	}
	return toolx.NewFunctionTool(
		ToolName(target),
		desc,
		map[string]*schema.ParameterInfo{},
		func(context.Context, map[string]any) (any, error) {
			return Ack(target), nil
		},
	)
}

// Tools returns one handoff tool per agent of the set that some agent may hand off to.
func Tools(set contractx.AgentSet) []toolx.Tool {
	seen := make(map[contractx.AgentID]bool)
	var out []toolx.Tool
	for _, def := range set.Agents {
		for _, target := range def.Handoffs {
			if seen[target] {
				continue
			}
			seen[target] = true
			targetDef, _ := set.Lookup(target)
			out = append(out, NewTool(target, targetDef.Description))
		}
	}
	return out
}

// ToolNames lists the handoff tool names an agent may call.
func ToolNames(def contractx.AgentDefinition) []string {
	out := make([]string, 0, len(def.Handoffs))
	for _, target := range def.Handoffs {
		out = append(out, ToolName(target))
	}
	return out
}
