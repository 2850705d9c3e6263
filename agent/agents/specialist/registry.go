package specialist

import (
	"context"
	"fmt"

	einomodel "github.com/cloudwego/eino/components/model"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	"github.com/tanpawarit/moneta-advisor/agent/handoff"
	toolx "github.com/tanpawarit/moneta-advisor/agent/tool"
)

// ModelFactory returns the chat model one agent runs on.
type ModelFactory func(ctx context.Context, def contractx.AgentDefinition) (einomodel.ToolCallingChatModel, error)

// BoundToolNames is the agent's own tools followed by its handoff tools.
func BoundToolNames(def contractx.AgentDefinition) []string {
	seen := make(map[string]bool, len(def.Tools)+len(def.Handoffs))
	out := make([]string, 0, len(def.Tools)+len(def.Handoffs))
	for _, name := range append(append([]string(nil), def.Tools...), handoff.ToolNames(def)...) {
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// BuildSet creates one Specialist per definition of the set. Every bound tool
// must already be in the registry.
func BuildSet(
	ctx context.Context,
	set contractx.AgentSet,
	models ModelFactory,
	registry *toolx.Registry,
	gateway contractx.ToolGateway,
	opts ...Option,
) (map[contractx.AgentID]contractx.Specialist, error) {
	out := make(map[contractx.AgentID]contractx.Specialist, len(set.Agents))
	for _, def := range set.Agents {
		if _, dup := out[def.ID]; dup {
			return nil, fmt.Errorf("%w: agent %s is defined twice", contractx.ErrValidation, def.ID)
		}
		infos, err := registry.Infos(BoundToolNames(def))
		if err != nil {
			return nil, fmt.Errorf("%w: tools of agent=%s: %v", contractx.ErrValidation, def.ID, err)
		}
		chatModel, err := models(ctx, def)
		if err != nil {
			return nil, fmt.Errorf("%w: create model for agent=%s: %v", contractx.ErrModelInvoke, def.ID, err)
		}
		spec, err := New(ctx, def, chatModel, infos, gateway, opts...)
		if err != nil {
			return nil, err
		}
		out[def.ID] = spec
	}
	if _, ok := out[set.Coordinator]; !ok {
		return nil, fmt.Errorf("%w: coordinator %s", contractx.ErrUnknownAgent, set.Coordinator)
	}
	return out, nil
}
