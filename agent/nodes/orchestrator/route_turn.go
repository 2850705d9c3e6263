package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	"github.com/tanpawarit/moneta-advisor/agent/handoff"
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
)

// TurnRouter is the handoff router of one agent set.
type TurnRouter interface {
	Route(conv *statex.Conversation, deepResearch bool) contractx.HandoffDecision
	Execute(ctx context.Context, conv *statex.Conversation, decision contractx.HandoffDecision, opts handoff.ExecuteOptions) (handoff.Outcome, error)
}

// DeepResearchRouted reports whether the request flag picked the owner of
// this turn. Only then does the owner run in deep research mode.
func (s *GraphState) DeepResearchRouted() bool {
	if s == nil {
		return false
	}
	return s.DeepResearch && s.Decision.Reason == handoff.ReasonDeepResearch
}

func RouteTurn(in *GraphState, router TurnRouter) (*GraphState, error) {
	if in == nil || in.Working == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}
	in.Decision = router.Route(in.Working, in.DeepResearch)
	return in, nil
}
