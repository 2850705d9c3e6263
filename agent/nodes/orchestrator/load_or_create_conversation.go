package orchestratornode

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
)

func LoadOrCreateConversation(ctx context.Context, in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	conv, err := store.Load(ctx, in.UserID, in.ConversationID, in.UseCase)
	switch {
	case errors.Is(err, statex.ErrConversationNotFound):
		conv = statex.NewConversation(in.ConversationID, in.UserID, in.UseCase, in.Now)
	case err != nil:
		return nil, fmt.Errorf("%w: load conversation %s: %v", contractx.ErrStorageUnavailable, in.ConversationID, err)
	}

	in.Loaded = conv
	in.Working = conv.Clone()
	in.Working.Append(in.Now, statex.Message{Role: statex.RoleUser, Content: in.Message})
	return in, nil
}
