package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

type BoltConfig struct {
	Path string `envconfig:"PATH" split_words:"true" default:"data/conversations.bolt"`
}

// BoltStore keeps one bucket per use case. Keys are "<user>\x00<conversation>".
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

func OpenBoltStore(cfg BoltConfig) (*BoltStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("bolt path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, uc := range []UseCase{UseCaseBanking, UseCaseInsurance} {
			if _, err := tx.CreateBucketIfNotExists(bucketName(uc)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Load(ctx context.Context, userID, conversationID string, useCase UseCase) (*Conversation, error) {
	key, err := newDocumentKey(userID, conversationID, useCase)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(useCase))
		if b == nil {
			return nil
		}
		// values are only valid inside the transaction
		if v := b.Get(boltKey(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	if raw == nil {
		return nil, ErrConversationNotFound
	}
	return decodeConversation(raw)
}

func (s *BoltStore) Save(ctx context.Context, conv *Conversation) error {
	key, err := keyOf(conv)
	if err != nil {
		return err
	}
	payload, err := encodeConversation(conv)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(key.UseCase))
		if err != nil {
			return err
		}
		return b.Put(boltKey(key), payload)
	})
}

func (s *BoltStore) List(ctx context.Context, userID string, useCase UseCase) ([]Summary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if !useCase.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUseCase, useCase)
	}

	out := make([]Summary, 0)
	prefix := []byte(userID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(useCase))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			conv, err := decodeConversation(v)
			if err != nil {
				return err
			}
			out = append(out, conv.Summary())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	sortSummaries(out)
	return out, nil
}

func bucketName(useCase UseCase) []byte {
	return []byte("conversations_" + string(useCase))
}

func boltKey(key documentKey) []byte {
	return []byte(key.UserID + "\x00" + key.ConversationID)
}
