package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Store is the persistence contract used by the orchestrator. Save is a
// full-document overwrite and the last writer wins.
type Store interface {
	Load(ctx context.Context, userID, conversationID string, useCase UseCase) (*Conversation, error)
	Save(ctx context.Context, conv *Conversation) error
	List(ctx context.Context, userID string, useCase UseCase) ([]Summary, error)
}

type documentKey struct {
	UseCase        UseCase
	UserID         string
	ConversationID string
}

func newDocumentKey(userID, conversationID string, useCase UseCase) (documentKey, error) {
	key := documentKey{
		UseCase:        useCase,
		UserID:         strings.TrimSpace(userID),
		ConversationID: strings.TrimSpace(conversationID),
	}
	if key.UserID == "" {
		return documentKey{}, ErrInvalidUser
	}
	if key.ConversationID == "" {
		return documentKey{}, ErrInvalidConversation
	}
	if !useCase.Valid() {
		return documentKey{}, fmt.Errorf("%w: %q", ErrInvalidUseCase, useCase)
	}
	return key, nil
}

func keyOf(conv *Conversation) (documentKey, error) {
	if conv == nil {
		return documentKey{}, ErrNilConversation
	}
	return newDocumentKey(conv.UserID, conv.ConversationID, conv.UseCase)
}

func encodeConversation(conv *Conversation) ([]byte, error) {
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation: %w", err)
	}
	return payload, nil
}

func decodeConversation(raw []byte) (*Conversation, error) {
	var conv Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	if err := conv.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conversation loaded from store: %w", err)
	}
	return &conv, nil
}

func sortSummaries(out []Summary) {
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
}
