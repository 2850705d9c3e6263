package orchestratornode

import (
	"fmt"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
)

func FinalizeReply(in *GraphState) (GraphOutput, error) {
	if in == nil || in.Saved == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	out := GraphOutput{
		ConversationID: in.Saved.ConversationID,
		ActiveAgent:    contractx.AgentID(in.Saved.Active()),
		Reply:          append(in.Produced[:0:0], in.Produced...),
	}
	if in.Outcome.Handoff != nil {
		out.Handoffs = []contractx.AgentID{in.Outcome.Handoff.Target}
	}
	return out, nil
}
