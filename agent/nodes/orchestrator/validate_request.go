package orchestratornode

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	"github.com/tanpawarit/moneta-advisor/agent/handoff"
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
)

var (
	ErrInvalidMessage = fmt.Errorf("%w: message is empty", contractx.ErrValidation)
	ErrInvalidUser    = fmt.Errorf("%w: user id is empty", contractx.ErrValidation)
	ErrInvalidUseCase = fmt.Errorf("%w: use case is not served", contractx.ErrValidation)
)

type GraphInput struct {
	UserID         string
	ConversationID string
	Message        string
	UseCase        string
	DeepResearch   bool
}

type GraphOutput struct {
	ConversationID string
	ActiveAgent    contractx.AgentID
	Reply          []statex.Message
	// Handoffs lists the agents control moved to during the turn.
	Handoffs []contractx.AgentID
}

// GraphState travels through every node of one turn.
type GraphState struct {
	UserID         string
	ConversationID string
	UseCase        statex.UseCase
	Message        string
	DeepResearch   bool
	Now            time.Time

	// Loaded is the conversation as stored; Working is the turn's copy with
	// the user message appended.
	Loaded  *statex.Conversation
	Working *statex.Conversation

	Decision contractx.HandoffDecision
	Outcome  handoff.Outcome

	Saved    *statex.Conversation
	Produced []statex.Message
}

// ValidateRequest rejects malformed turns before anything is loaded.
// served reports whether an agent set exists for the use case.
func ValidateRequest(in GraphInput, nowFn func() time.Time, newID func() string, served func(statex.UseCase) bool) (*GraphState, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, ErrInvalidUser
	}

	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, ErrInvalidMessage
	}

	useCase, err := statex.ParseUseCase(in.UseCase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUseCase, err)
	}
	if served != nil && !served(useCase) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidUseCase, useCase)
	}

	conversationID := strings.TrimSpace(in.ConversationID)
	if conversationID == "" {
		conversationID = newID()
	}

	return &GraphState{
		UserID:         userID,
		ConversationID: conversationID,
		UseCase:        useCase,
		Message:        message,
		DeepResearch:   in.DeepResearch,
		Now:            nowFn().UTC(),
	}, nil
}
