package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type PostgresConfig struct {
	DSN          string        `envconfig:"DSN" split_words:"true"`
	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT" split_words:"true" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" split_words:"true" default:"10s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" split_words:"true" default:"10s"`
}

type conversationRow struct {
	bun.BaseModel `bun:"table:conversations"`

	UseCase        string          `bun:"use_case,pk"`
	UserID         string          `bun:"user_id,pk"`
	ConversationID string          `bun:"conversation_id,pk"`
	ActiveAgent    string          `bun:"active_agent,notnull"`
	Document       json.RawMessage `bun:"document,type:jsonb,notnull"`
	UpdatedAt      time.Time       `bun:"updated_at,notnull"`
}

// PostgresStore persists conversations as jsonb rows through bun.
type PostgresStore struct {
	db *bun.DB
}

var _ Store = (*PostgresStore)(nil)

func OpenPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithDialTimeout(cfg.DialTimeout),
		pgdriver.WithReadTimeout(cfg.ReadTimeout),
		pgdriver.WithWriteTimeout(cfg.WriteTimeout),
	))
	db := bun.NewDB(sqldb, pgdialect.New())

	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *bun.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*conversationRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create conversations table: %w", err)
	}
	_, err := s.db.NewCreateIndex().
		Model((*conversationRow)(nil)).
		Index("idx_conversations_user").
		IfNotExists().
		Column("use_case", "user_id", "updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create conversations index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, userID, conversationID string, useCase UseCase) (*Conversation, error) {
	key, err := newDocumentKey(userID, conversationID, useCase)
	if err != nil {
		return nil, err
	}

	var row conversationRow
	err = s.db.NewSelect().
		Model(&row).
		Where("use_case = ?", string(key.UseCase)).
		Where("user_id = ?", key.UserID).
		Where("conversation_id = ?", key.ConversationID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}
	return decodeConversation(row.Document)
}

func (s *PostgresStore) Save(ctx context.Context, conv *Conversation) error {
	key, err := keyOf(conv)
	if err != nil {
		return err
	}
	if conv.UpdatedAt.IsZero() {
		conv.Touch(time.Now())
	}
	payload, err := encodeConversation(conv)
	if err != nil {
		return err
	}

	row := &conversationRow{
		UseCase:        string(key.UseCase),
		UserID:         key.UserID,
		ConversationID: key.ConversationID,
		ActiveAgent:    conv.Active(),
		Document:       payload,
		UpdatedAt:      conv.UpdatedAt.UTC(),
	}
	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (use_case, user_id, conversation_id) DO UPDATE").
		Set("active_agent = EXCLUDED.active_agent").
		Set("document = EXCLUDED.document").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, userID string, useCase UseCase) ([]Summary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if !useCase.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUseCase, useCase)
	}

	var rows []conversationRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("use_case = ?", string(useCase)).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select conversations: %w", err)
	}

	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		conv, err := decodeConversation(row.Document)
		if err != nil {
			return nil, err
		}
		out = append(out, conv.Summary())
	}
	return out, nil
}
