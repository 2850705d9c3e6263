package state

import (
	"context"
	"sync"
)

// MemoryStore keeps encoded documents in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[documentKey][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[documentKey][]byte)}
}

func (s *MemoryStore) Load(ctx context.Context, userID, conversationID string, useCase UseCase) (*Conversation, error) {
	key, err := newDocumentKey(userID, conversationID, useCase)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	raw, ok := s.docs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrConversationNotFound
	}
	return decodeConversation(raw)
}

func (s *MemoryStore) Save(ctx context.Context, conv *Conversation) error {
	key, err := keyOf(conv)
	if err != nil {
		return err
	}
	payload, err := encodeConversation(conv)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[key] = payload
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, userID string, useCase UseCase) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0)
	for key, raw := range s.docs {
		if key.UserID != userID || key.UseCase != useCase {
			continue
		}
		conv, err := decodeConversation(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, conv.Summary())
	}
	sortSummaries(out)
	return out, nil
}
