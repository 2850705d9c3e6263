package contract

import (
	"encoding/json"
	"strings"
	"time"

	statex "github.com/tanpawarit/moneta-advisor/agent/state"
)

type AgentID string

// NoAgent marks a conversation that is still owned by the coordinator.
const NoAgent AgentID = statex.NoActiveAgent

func (a AgentID) String() string {
	return string(a)
}

func (a AgentID) IsNone() bool {
	v := strings.TrimSpace(string(a))
	return v == "" || v == string(NoAgent)
}

type UseCase = statex.UseCase

const (
	UseCaseBanking   = statex.UseCaseBanking
	UseCaseInsurance = statex.UseCaseInsurance
)

// AgentDefinition is the immutable configuration of one specialist.
type AgentDefinition struct {
	ID           AgentID   `json:"id" mapstructure:"id"`
	Description  string    `json:"description" mapstructure:"description"`
	Instructions string    `json:"instructions" mapstructure:"instructions"`
	Tools        []string  `json:"tools,omitempty" mapstructure:"tools"`
	Handoffs     []AgentID `json:"handoffs,omitempty" mapstructure:"handoffs"`
	Model        string    `json:"model,omitempty" mapstructure:"model"`
}

// AgentSet groups the agents serving one use case.
type AgentSet struct {
	UseCase      UseCase           `json:"use_case" mapstructure:"use_case"`
	Coordinator  AgentID           `json:"coordinator" mapstructure:"coordinator"`
	DeepResearch AgentID           `json:"deep_research,omitempty" mapstructure:"deep_research"`
	Agents       []AgentDefinition `json:"agents" mapstructure:"agents"`
}

func (s AgentSet) Lookup(id AgentID) (AgentDefinition, bool) {
	for _, def := range s.Agents {
		if def.ID == id {
			return def, true
		}
	}
	return AgentDefinition{}, false
}

type HandoffDecision struct {
	Target AgentID `json:"target"`
	Reason string  `json:"reason,omitempty"`
}

type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args,omitempty"`
}

// ToolResult is the outcome of one tool call. Failures are carried in Error
// and never returned as Go errors from the gateway.
type ToolResult struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

func (r ToolResult) Failed() bool {
	return r.Error != ""
}

// Content is what gets recorded on the tool message: the raw output, or the
// failure encoded as {"error": ..., "code": ...}.
func (r ToolResult) Content() string {
	if !r.Failed() {
		return r.Output
	}
	payload, err := json.Marshal(struct {
		Error string `json:"error"`
		Code  string `json:"code,omitempty"`
	}{Error: r.Error, Code: r.Code})
	if err != nil {
		return `{"error":"tool failed"}`
	}
	return string(payload)
}

type TurnEvent struct {
	ConversationID string           `json:"conversation_id"`
	UserID         string           `json:"user_id"`
	UseCase        UseCase          `json:"use_case"`
	ActiveAgent    AgentID          `json:"active_agent"`
	Handoff        *HandoffDecision `json:"handoff,omitempty"`
	Produced       int              `json:"produced"`
	LastOrdinal    int              `json:"last_ordinal"`
	CompletedAt    time.Time        `json:"completed_at"`
}

type SpecialistRequest struct {
	ConversationID string
	History        []statex.Message
	DeepResearch   bool
	// MaxToolCalls is the remaining tool-call budget of the turn.
	MaxToolCalls int
	IsHandoff    func(toolName string) bool
}

type SpecialistResponse struct {
	Messages  []statex.Message
	ToolCalls int
	Handoffs  []ToolCall
}
