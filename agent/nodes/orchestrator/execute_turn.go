package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	"github.com/tanpawarit/moneta-advisor/agent/handoff"
)

func ExecuteTurn(ctx context.Context, in *GraphState, router TurnRouter, maxToolCalls int) (*GraphState, error) {
	if in == nil || in.Working == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}

	out, err := router.Execute(ctx, in.Working, in.Decision, handoff.ExecuteOptions{
		DeepResearch: in.DeepResearchRouted(),
		MaxToolCalls: maxToolCalls,
	})
	if err != nil {
		return nil, err
	}
	in.Outcome = out
	return in, nil
}
