package orchestratornode

import (
	"context"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
)

// PublishTurn announces a saved turn. Failures are logged and never fail the turn.
func PublishTurn(ctx context.Context, in *GraphState, publisher contractx.TurnPublisher) (*GraphState, error) {
	if publisher == nil || in == nil || in.Saved == nil {
		return in, nil
	}

	event := contractx.TurnEvent{
		ConversationID: in.Saved.ConversationID,
		UserID:         in.Saved.UserID,
		UseCase:        in.Saved.UseCase,
		ActiveAgent:    contractx.AgentID(in.Saved.Active()),
		Handoff:        in.Outcome.Handoff,
		Produced:       len(in.Produced),
		LastOrdinal:    in.Saved.LastOrdinal(),
		CompletedAt:    in.Now,
	}
	if err := publisher.PublishTurn(ctx, event); err != nil {
		log.Warn().
			Err(err).
			Str("component", "orchestrator").
			Str("conversation_id", event.ConversationID).
			Msg("publish turn event failed")
	}
	return in, nil
}
