package contract

import "context"

type Specialist interface {
	ID() AgentID
	Run(ctx context.Context, req SpecialistRequest) (SpecialistResponse, error)
}

type ToolGateway interface {
	Execute(ctx context.Context, agent AgentID, calls []ToolCall) []ToolResult
}

// TurnPublisher receives completed turns after they are persisted.
type TurnPublisher interface {
	PublishTurn(ctx context.Context, event TurnEvent) error
}
