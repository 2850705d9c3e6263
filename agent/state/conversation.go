package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NoActiveAgent is the ActiveAgent value of a coordinator-owned conversation.
const NoActiveAgent = "none"

var (
	ErrNilConversation     = errors.New("conversation is nil")
	ErrInvalidConversation = errors.New("conversation id is empty")
	ErrInvalidUser         = errors.New("user id is empty")
	ErrInvalidUseCase      = errors.New("use case is not recognized")
	ErrInvalidMessage      = errors.New("message is invalid")
	ErrOrdinalOrder        = errors.New("message ordinals are not contiguous")
)

type UseCase string

const (
	UseCaseBanking   UseCase = "banking"
	UseCaseInsurance UseCase = "insurance"
)

func (u UseCase) Valid() bool {
	switch u {
	case UseCaseBanking, UseCaseInsurance:
		return true
	default:
		return false
	}
}

// ParseUseCase accepts the short names and the fsi_ prefixed names used by clients.
func ParseUseCase(raw string) (UseCase, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.TrimPrefix(v, "fsi_")
	u := UseCase(v)
	if !u.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidUseCase, raw)
	}
	return u, nil
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is immutable once appended to a Conversation.
type Message struct {
	Role       Role      `json:"role"`
	Author     string    `json:"author,omitempty"`
	Content    string    `json:"content"`
	Ordinal    int       `json:"ordinal"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolArgs   string    `json:"tool_args,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: role=%q", ErrInvalidMessage, m.Role)
	}
	if m.Role == RoleTool && strings.TrimSpace(m.Author) == "" {
		return fmt.Errorf("%w: tool message ordinal=%d has no author", ErrInvalidMessage, m.Ordinal)
	}
	return nil
}

// Conversation is the unit persisted between turns. A turn owns its own copy.
type Conversation struct {
	ConversationID string  `json:"conversation_id"`
	UserID         string  `json:"user_id"`
	UseCase        UseCase `json:"use_case"`

	ActiveAgent      string    `json:"active_agent"`
	Messages         []Message `json:"messages"`
	DeepResearchUsed bool      `json:"deep_research_used"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary is the history listing entry of a conversation.
type Summary struct {
	ConversationID string    `json:"name"`
	Messages       []Message `json:"messages"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func NewConversation(conversationID, userID string, useCase UseCase, now time.Time) *Conversation {
	now = now.UTC()
	return &Conversation{
		ConversationID: conversationID,
		UserID:         userID,
		UseCase:        useCase,
		ActiveAgent:    NoActiveAgent,
		Messages:       []Message{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (c *Conversation) LastOrdinal() int {
	if c == nil || len(c.Messages) == 0 {
		return 0
	}
	return c.Messages[len(c.Messages)-1].Ordinal
}

// Append assigns the next ordinals to msgs and returns the stored copies.
func (c *Conversation) Append(now time.Time, msgs ...Message) []Message {
	next := c.LastOrdinal()
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		next++
		m.Ordinal = next
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now.UTC()
		}
		c.Messages = append(c.Messages, m)
		out = append(out, m)
	}
	return out
}

// Active returns the owning specialist or NoActiveAgent.
func (c *Conversation) Active() string {
	if c == nil {
		return NoActiveAgent
	}
	v := strings.TrimSpace(c.ActiveAgent)
	if v == "" {
		return NoActiveAgent
	}
	return v
}

func (c *Conversation) SetActiveAgent(agentID string) {
	v := strings.TrimSpace(agentID)
	if v == "" {
		v = NoActiveAgent
	}
	c.ActiveAgent = v
}

// MarkDeepResearch pins the flag. It never reverts to false.
func (c *Conversation) MarkDeepResearch(used bool) {
	c.DeepResearchUsed = c.DeepResearchUsed || used
}

func (c *Conversation) Touch(now time.Time) {
	c.UpdatedAt = now.UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	return &out
}

func (c *Conversation) Summary() Summary {
	return Summary{
		ConversationID: c.ConversationID,
		Messages:       append([]Message(nil), c.Messages...),
		UpdatedAt:      c.UpdatedAt,
	}
}

func (c *Conversation) Validate() error {
	if c == nil {
		return ErrNilConversation
	}
	if strings.TrimSpace(c.ConversationID) == "" {
		return ErrInvalidConversation
	}
	if strings.TrimSpace(c.UserID) == "" {
		return ErrInvalidUser
	}
	if !c.UseCase.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidUseCase, c.UseCase)
	}
	for i, m := range c.Messages {
		if m.Ordinal != i+1 {
			return fmt.Errorf("%w: index=%d ordinal=%d", ErrOrdinalOrder, i, m.Ordinal)
		}
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}
