package handoff

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
)

const (
	ReasonCoordinator  = "coordinator owns the conversation"
	ReasonActive       = "active specialist owns the conversation"
	ReasonDeepResearch = "deep research requested"
	ReasonUnknown      = "active agent is not part of the agent set"
)

type ExecuteOptions struct {
	DeepResearch bool
	MaxToolCalls int
}

// Outcome is what one turn produced. ActiveAgent is the owner for the next
// turn; Owner is the agent that produced the final reply of this turn.
type Outcome struct {
	Messages    []statex.Message
	ActiveAgent contractx.AgentID
	Owner       contractx.AgentID
	Handoff     *contractx.HandoffDecision
	ToolCalls   int
}

// Router decides which agent owns a turn and applies at most one handoff per turn.
type Router struct {
	set    contractx.AgentSet
	agents map[contractx.AgentID]contractx.Specialist
	logger zerolog.Logger
}

func NewRouter(set contractx.AgentSet, agents map[contractx.AgentID]contractx.Specialist) (*Router, error) {
	if set.Coordinator.IsNone() {
		return nil, fmt.Errorf("%w: agent set %s has no coordinator", contractx.ErrValidation, set.UseCase)
	}
	if _, ok := agents[set.Coordinator]; !ok {
		return nil, fmt.Errorf("%w: coordinator %s is not built", contractx.ErrUnknownAgent, set.Coordinator)
	}
	return &Router{
		set:    set,
		agents: agents,
		logger: log.With().Str("component", "handoff_router").Str("use_case", string(set.UseCase)).Logger(),
	}, nil
}

func (r *Router) Set() contractx.AgentSet {
	return r.set
}

// Route picks the owner of the turn from the persisted ActiveAgent.
func (r *Router) Route(conv *statex.Conversation, deepResearch bool) contractx.HandoffDecision {
	active := contractx.AgentID(conv.Active())
	if active.IsNone() || active == r.set.Coordinator {
		if deepResearch && !r.set.DeepResearch.IsNone() {
			if _, ok := r.agents[r.set.DeepResearch]; ok {
				return contractx.HandoffDecision{Target: r.set.DeepResearch, Reason: ReasonDeepResearch}
			}
		}
		return contractx.HandoffDecision{Target: r.set.Coordinator, Reason: ReasonCoordinator}
	}
	if _, ok := r.agents[active]; !ok {
		r.logger.Warn().
			Str("conversation_id", conv.ConversationID).
			Str("agent", active.String()).
			Msg("active agent unknown, falling back to coordinator")
		return contractx.HandoffDecision{Target: r.set.Coordinator, Reason: ReasonUnknown}
	}
	return contractx.HandoffDecision{Target: active, Reason: ReasonActive}
}

// Execute runs the routed owner. A handoff moves control to the target within
// the same turn; a second handoff fails the turn with ErrHandoffLoop.
func (r *Router) Execute(ctx context.Context, conv *statex.Conversation, decision contractx.HandoffDecision, opts ExecuteOptions) (Outcome, error) {
	out := Outcome{ActiveAgent: contractx.AgentID(conv.Active())}
	if out.ActiveAgent.IsNone() {
		out.ActiveAgent = contractx.NoAgent
	}
	owner := decision.Target
	budget := opts.MaxToolCalls
	history := conv.Messages

	for {
		spec, ok := r.agents[owner]
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %w: %s", contractx.ErrAgentExecution, contractx.ErrUnknownAgent, owner)
		}

		logger := r.logger.With().Str("conversation_id", conv.ConversationID).Str("agent", owner.String()).Logger()
		logger.Debug().Int("budget", budget).Int("history", len(history)+len(out.Messages)).Msg("running agent")

		resp, err := spec.Run(ctx, contractx.SpecialistRequest{
			ConversationID: conv.ConversationID,
			History:        concat(history, out.Messages),
			DeepResearch:   opts.DeepResearch && owner == decision.Target,
			MaxToolCalls:   budget,
			IsHandoff:      IsHandoff,
		})
		if err != nil {
			if errors.Is(err, contractx.ErrAgentExecution) {
				return Outcome{}, err
			}
			return Outcome{}, fmt.Errorf("%w: agent=%s: %w", contractx.ErrAgentExecution, owner, err)
		}

		out.Messages = append(out.Messages, resp.Messages...)
		out.ToolCalls += resp.ToolCalls
		out.Owner = owner
		budget -= resp.ToolCalls

		if len(resp.Handoffs) == 0 {
			return out, nil
		}
		if out.Handoff != nil || len(resp.Handoffs) > 1 {
			logger.Warn().Int("handoffs", len(resp.Handoffs)).Msg("second handoff rejected")
			return Outcome{}, fmt.Errorf("%w: agent=%s called %s", contractx.ErrHandoffLoop, owner, resp.Handoffs[len(resp.Handoffs)-1].Name)
		}

		target, ok := TargetOf(resp.Handoffs[0].Name)
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %s is not a handoff tool", contractx.ErrAgentExecution, resp.Handoffs[0].Name)
		}
		if _, ok := r.agents[target]; !ok {
			return Outcome{}, fmt.Errorf("%w: %w: handoff target %s", contractx.ErrAgentExecution, contractx.ErrUnknownAgent, target)
		}

		out.Handoff = &contractx.HandoffDecision{Target: target, Reason: fmt.Sprintf("handoff from %s", owner)}
		if target == r.set.Coordinator {
			out.ActiveAgent = contractx.NoAgent
		} else {
			out.ActiveAgent = target
		}
		logger.Info().Str("target", target.String()).Msg("handoff accepted")
		owner = target
	}
}

func concat(a, b []statex.Message) []statex.Message {
	out := make([]statex.Message, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
