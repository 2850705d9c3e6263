package hosting

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	openaisdk "github.com/openai/openai-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tanpawarit/moneta-advisor/agent/agents/specialist"
	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	toolx "github.com/tanpawarit/moneta-advisor/agent/tool"
	"github.com/tanpawarit/moneta-advisor/pkg/agentregistry"
)

// Registry is the part of the agent registry hosting needs.
type Registry interface {
	Ensure(ctx context.Context, req agentregistry.EnsureRequest) (agentregistry.Version, bool, error)
}

type HostedConfig struct {
	// ModelFor names the model a new registry version is created with.
	ModelFor func(def contractx.AgentDefinition) string
	// Version pins every agent to an existing registry version.
	Version  string
	ForceNew bool
}

// Hosted keeps agent definitions in the remote registry. Tool schemas,
// handoff tools included, are baked into each version; locally every baked
// name resolves to a callable, and handoff callables only return the ack.
type Hosted struct {
	registry Registry
	client   *openaisdk.Client
	tools    *toolx.Registry
	gateway  contractx.ToolGateway
	cfg      HostedConfig
	opts     []specialist.Option
	logger   zerolog.Logger
}

var _ Adapter = (*Hosted)(nil)

func NewHosted(
	registry Registry,
	client *openaisdk.Client,
	tools *toolx.Registry,
	gateway contractx.ToolGateway,
	cfg HostedConfig,
	opts ...specialist.Option,
) *Hosted {
	return &Hosted{
		registry: registry,
		client:   client,
		tools:    tools,
		gateway:  gateway,
		cfg:      cfg,
		opts:     opts,
		logger:   log.With().Str("component", "hosting").Str("mode", string(ModeHosted)).Logger(),
	}
}

func (h *Hosted) Mode() Mode { return ModeHosted }

func (h *Hosted) Build(ctx context.Context, set contractx.AgentSet) (map[contractx.AgentID]contractx.Specialist, error) {
	if h.registry == nil || h.client == nil || h.tools == nil {
		return nil, fmt.Errorf("%w: hosted mode needs an agent registry, a model client and a tool registry", contractx.ErrValidation)
	}
	if err := registerHandoffTools(h.tools, set); err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrValidation, err)
	}

	out := make(map[contractx.AgentID]contractx.Specialist, len(set.Agents))
	for _, def := range set.Agents {
		if _, dup := out[def.ID]; dup {
			return nil, fmt.Errorf("%w: agent %s is defined twice", contractx.ErrValidation, def.ID)
		}
		spec, err := h.build(ctx, def)
		if err != nil {
			return nil, err
		}
		out[def.ID] = spec
	}
	if _, ok := out[set.Coordinator]; !ok {
		return nil, fmt.Errorf("%w: coordinator %s", contractx.ErrUnknownAgent, set.Coordinator)
	}
	h.logger.Info().Str("use_case", string(set.UseCase)).Int("agents", len(out)).Msg("agent set ready")
	return out, nil
}

// Registration is the registry version an agent resolved to.
type Registration struct {
	Agent   contractx.AgentID
	Version agentregistry.Version
	Reused  bool
}

// Register ensures every agent of set in the registry without building it.
func (h *Hosted) Register(ctx context.Context, set contractx.AgentSet) ([]Registration, error) {
	if h.registry == nil || h.tools == nil {
		return nil, fmt.Errorf("%w: hosted mode needs an agent registry and a tool registry", contractx.ErrValidation)
	}
	if err := registerHandoffTools(h.tools, set); err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrValidation, err)
	}
	out := make([]Registration, 0, len(set.Agents))
	for _, def := range set.Agents {
		reg, _, err := h.ensure(ctx, def)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

func (h *Hosted) ensure(ctx context.Context, def contractx.AgentDefinition) (Registration, []toolx.Tool, error) {
	tools, err := h.tools.Resolve(specialist.BoundToolNames(def))
	if err != nil {
		return Registration{}, nil, fmt.Errorf("%w: tools of agent=%s: %v", contractx.ErrValidation, def.ID, err)
	}

	version, reused, err := h.registry.Ensure(ctx, agentregistry.EnsureRequest{
		Name:        string(def.ID),
		Description: def.Description,
		Definition: agentregistry.Definition{
			Kind:         agentregistry.KindPrompt,
			Model:        h.modelFor(def),
			Instructions: def.Instructions,
			Tools:        toolDefinitions(tools),
		},
		Version:  h.cfg.Version,
		ForceNew: h.cfg.ForceNew,
	})
	if err != nil {
		return Registration{}, nil, fmt.Errorf("%w: ensure agent=%s in registry: %v", contractx.ErrAgentExecution, def.ID, err)
	}
	h.logger.Info().
		Str("agent", def.ID.String()).
		Str("version", version.Version).
		Bool("reused", reused).
		Msg("hosted agent resolved")
	return Registration{Agent: def.ID, Version: version, Reused: reused}, tools, nil
}

func (h *Hosted) build(ctx context.Context, def contractx.AgentDefinition) (contractx.Specialist, error) {
	reg, tools, err := h.ensure(ctx, def)
	if err != nil {
		return nil, err
	}

	// A reused version may carry older instructions than the local definition.
	if v := strings.TrimSpace(reg.Version.Definition.Instructions); v != "" {
		def.Instructions = reg.Version.Definition.Instructions
	}

	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, t.Info())
	}
	return specialist.New(ctx, def, newHostedModel(h.client, reg.Version), infos, h.gateway, h.opts...)
}

func (h *Hosted) modelFor(def contractx.AgentDefinition) string {
	if h.cfg.ModelFor != nil {
		if m := strings.TrimSpace(h.cfg.ModelFor(def)); m != "" {
			return m
		}
	}
	return def.Model
}

func toolDefinitions(tools []toolx.Tool) []agentregistry.ToolDefinition {
	out := make([]agentregistry.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		info := t.Info()
		out = append(out, agentregistry.ToolDefinition{
			Type:        agentregistry.ToolFunction,
			Name:        info.Name,
			Description: info.Desc,
			Parameters:  t.Parameters(),
		})
	}
	return out
}
