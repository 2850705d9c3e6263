package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
)

// PersistTurn appends what the turn produced to the working copy and saves it
// in one write. Nothing is written when validation fails.
func PersistTurn(ctx context.Context, in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil || in.Working == nil {
		return nil, fmt.Errorf("%w: graph state is incomplete", contractx.ErrValidation)
	}

	conv := in.Working
	in.Produced = conv.Append(in.Now, in.Outcome.Messages...)
	conv.SetActiveAgent(string(in.Outcome.ActiveAgent))
	conv.MarkDeepResearch(in.DeepResearchRouted())
	conv.Touch(in.Now)

	if err := conv.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w: conversation %s: %v", contractx.ErrAgentExecution, contractx.ErrSchemaViolation, conv.ConversationID, err)
	}
	if err := store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("%w: save conversation %s: %v", contractx.ErrStorageUnavailable, conv.ConversationID, err)
	}
	in.Saved = conv
	return in, nil
}
