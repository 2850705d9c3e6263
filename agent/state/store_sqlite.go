package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteConfig struct {
	Path string `envconfig:"PATH" split_words:"true" default:"data/conversations.db"`
}

// SQLiteStore keeps one row per conversation with the document as JSON.
type SQLiteStore struct {
	conn *sql.DB
	mu   sync.RWMutex
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens the database in WAL mode and applies pending migrations.
func OpenSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{conn: conn}
	if err := s.Migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Migrate applies all pending schema migrations.
func (s *SQLiteStore) Migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Conversations},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Conversations = `
CREATE TABLE IF NOT EXISTS conversations (
	use_case TEXT NOT NULL,
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	document TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (use_case, user_id, conversation_id)
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(use_case, user_id, updated_at_ms);
`

func (s *SQLiteStore) Load(ctx context.Context, userID, conversationID string, useCase UseCase) (*Conversation, error) {
	key, err := newDocumentKey(userID, conversationID, useCase)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc string
	err = s.conn.QueryRowContext(ctx,
		`SELECT document FROM conversations WHERE use_case = ? AND user_id = ? AND conversation_id = ?`,
		string(key.UseCase), key.UserID, key.ConversationID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return decodeConversation([]byte(doc))
}

func (s *SQLiteStore) Save(ctx context.Context, conv *Conversation) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO conversations (use_case, user_id, conversation_id, document, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (use_case, user_id, conversation_id)
		DO UPDATE SET document = excluded.document, updated_at_ms = excluded.updated_at_ms
	`, string(key.UseCase), key.UserID, key.ConversationID, string(payload), conv.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, userID string, useCase UseCase) ([]Summary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if !useCase.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUseCase, useCase)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx,
		`SELECT document FROM conversations WHERE use_case = ? AND user_id = ? ORDER BY updated_at_ms DESC`,
		string(useCase), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv, err := decodeConversation([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, conv.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}
