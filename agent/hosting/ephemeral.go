package hosting

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tanpawarit/moneta-advisor/agent/agents/specialist"
	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	toolx "github.com/tanpawarit/moneta-advisor/agent/tool"
)

// Ephemeral creates a fresh in-process model per agent with tools bound as
// live callables. Nothing outlives the process.
type Ephemeral struct {
	models   specialist.ModelFactory
	registry *toolx.Registry
	gateway  contractx.ToolGateway
	opts     []specialist.Option
}

var _ Adapter = (*Ephemeral)(nil)

func NewEphemeral(models specialist.ModelFactory, registry *toolx.Registry, gateway contractx.ToolGateway, opts ...specialist.Option) *Ephemeral {
	return &Ephemeral{models: models, registry: registry, gateway: gateway, opts: opts}
}

func (e *Ephemeral) Mode() Mode { return ModeEphemeral }

func (e *Ephemeral) Build(ctx context.Context, set contractx.AgentSet) (map[contractx.AgentID]contractx.Specialist, error) {
	if e.models == nil || e.registry == nil {
		return nil, fmt.Errorf("%w: ephemeral hosting needs a model factory and a tool registry", contractx.ErrValidation)
	}
	if err := registerHandoffTools(e.registry, set); err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrValidation, err)
	}
	agents, err := specialist.BuildSet(ctx, set, e.models, e.registry, e.gateway, e.opts...)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("component", "hosting").
		Str("mode", string(ModeEphemeral)).
		Str("use_case", string(set.UseCase)).
		Int("agents", len(agents)).
		Msg("agent set ready")
	return agents, nil
}
