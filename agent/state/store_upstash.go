package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultStoreKeyPrefix = "moneta:conv:"
	maxResponseSizeBytes  = 4 << 20
)

// StoreOption customizes UpstashRedisStore.
type StoreOption func(*UpstashRedisStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *UpstashRedisStore) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

// WithTTL expires idle conversations. Zero keeps them forever.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *UpstashRedisStore) {
		s.ttl = ttl
	}
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *UpstashRedisStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashRedisStore persists conversations in Upstash Redis via REST. Each
// user and use case has a sorted-set index scored by last update.
type UpstashRedisStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
}

var _ Store = (*UpstashRedisStore)(nil)

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL       string        `envconfig:"URL" split_words:"true"`
	Token     string        `envconfig:"TOKEN" split_words:"true"`
	Timeout   time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	KeyPrefix string        `envconfig:"KEY_PREFIX" split_words:"true" default:"moneta:conv:"`
	TTL       time.Duration `envconfig:"TTL" split_words:"true" default:"0s"`
}

func NewUpstashRedisStore(cfg UpstashRedisConfig, opts ...StoreOption) (*UpstashRedisStore, error) {
	client, err := newUpstashClient(cfg)
	if err != nil {
		return nil, err
	}

	store := &UpstashRedisStore{
		baseURL:    client.baseURL,
		token:      client.token,
		httpClient: client.httpClient,
		keyPrefix:  defaultStoreKeyPrefix,
		ttl:        cfg.TTL,
	}
	if strings.TrimSpace(cfg.KeyPrefix) != "" {
		store.keyPrefix = strings.TrimSpace(cfg.KeyPrefix)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}

	return store, nil
}

func (s *UpstashRedisStore) Load(ctx context.Context, userID, conversationID string, useCase UseCase) (*Conversation, error) {
	key, err := newDocumentKey(userID, conversationID, useCase)
	if err != nil {
		return nil, err
	}

	resp, err := s.client().exec(ctx, []any{"GET", s.documentKey(key)})
	if err != nil {
		return nil, err
	}

	encoded, ok, err := decodeRESTString(resp.Result)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConversationNotFound
	}
	return decodeConversation([]byte(encoded))
}

func (s *UpstashRedisStore) Save(ctx context.Context, conv *Conversation) error {
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

	docKey := s.documentKey(key)
	set := []any{"SET", docKey, string(payload)}
	if s.ttl > 0 {
		set = append(set, "EX", ttlSeconds(s.ttl))
	}
	index := []any{"ZADD", s.indexKey(key.UserID, key.UseCase), conv.UpdatedAt.UnixMilli(), key.ConversationID}

	return s.client().pipeline(ctx, set, index)
}

func (s *UpstashRedisStore) List(ctx context.Context, userID string, useCase UseCase) ([]Summary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if !useCase.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUseCase, useCase)
	}

	resp, err := s.client().exec(ctx, []any{"ZREVRANGE", s.indexKey(userID, useCase), 0, -1})
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(resp.Result, &ids); err != nil {
		return nil, fmt.Errorf("decode conversation index: %w", err)
	}
	if len(ids) == 0 {
		return []Summary{}, nil
	}

	cmd := make([]any, 0, len(ids)+1)
	cmd = append(cmd, "MGET")
	for _, id := range ids {
		cmd = append(cmd, s.documentKey(documentKey{UseCase: useCase, UserID: userID, ConversationID: id}))
	}
	resp, err = s.client().exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var docs []*string
	if err := json.Unmarshal(resp.Result, &docs); err != nil {
		return nil, fmt.Errorf("decode conversation documents: %w", err)
	}

	out := make([]Summary, 0, len(docs))
	for _, doc := range docs {
		// expired documents stay in the index until the next save
		if doc == nil {
			continue
		}
		conv, err := decodeConversation([]byte(*doc))
		if err != nil {
			return nil, err
		}
		out = append(out, conv.Summary())
	}
	sortSummaries(out)
	return out, nil
}

func (s *UpstashRedisStore) documentKey(key documentKey) string {
	return s.keyPrefix + string(key.UseCase) + ":" + key.UserID + ":" + key.ConversationID
}

func (s *UpstashRedisStore) indexKey(userID string, useCase UseCase) string {
	return s.keyPrefix + "index:" + string(useCase) + ":" + userID
}

func (s *UpstashRedisStore) client() *upstashClient {
	return &upstashClient{baseURL: s.baseURL, token: s.token, httpClient: s.httpClient}
}

// upstashClient is the REST transport shared by the store and the lease locker.
type upstashClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newUpstashClient(cfg UpstashRedisConfig) (*upstashClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &upstashClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (c *upstashClient) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}
	raw, err := c.post(ctx, c.baseURL, command)
	if err != nil {
		return nil, err
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

// pipeline sends the commands as one atomic MULTI/EXEC transaction.
func (c *upstashClient) pipeline(ctx context.Context, commands ...[]any) error {
	raw, err := c.post(ctx, c.baseURL+"/multi-exec", commands)
	if err != nil {
		return err
	}

	var parsed []redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode redis transaction response: %w", err)
	}
	for i, r := range parsed {
		if r.Error != "" {
			return fmt.Errorf("redis transaction command=%d: %s", i, r.Error)
		}
	}
	return nil
}

func (c *upstashClient) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	if c == nil || strings.TrimSpace(c.baseURL) == "" {
		return nil, errors.New("empty redis url")
	}
	if strings.TrimSpace(c.token) == "" {
		return nil, errors.New("empty redis token")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

// decodeRESTString reports false when the result is a redis nil.
func decodeRESTString(result json.RawMessage) (string, bool, error) {
	result = bytes.TrimSpace(result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return "", false, nil
	}
	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return "", false, fmt.Errorf("decode redis payload: %w", err)
	}
	return encoded, true, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
