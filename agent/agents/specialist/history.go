package specialist

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	statex "github.com/tanpawarit/moneta-advisor/agent/state"
)

// windowed keeps the last n messages. n <= 0 keeps everything.
func windowed(history []statex.Message, n int) []statex.Message {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// toModelMessages maps persisted history onto chat messages. A persisted tool
// message becomes the assistant call that requested it followed by its result,
// so every window boundary yields a well-formed sequence.
func toModelMessages(history []statex.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case statex.RoleUser:
			out = append(out, schema.UserMessage(m.Content))
		case statex.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		case statex.RoleSystem:
			out = append(out, schema.SystemMessage(m.Content))
		case statex.RoleTool:
			id := strings.TrimSpace(m.ToolCallID)
			if id == "" {
				id = fmt.Sprintf("call_%d", m.Ordinal)
			}
			args := strings.TrimSpace(m.ToolArgs)
			if args == "" {
				args = "{}"
			}
			out = append(out,
				schema.AssistantMessage("", []schema.ToolCall{{
					ID:       id,
					Type:     "function",
					Function: schema.FunctionCall{Name: m.ToolName, Arguments: args},
				}}),
				schema.ToolMessage(m.Content, id),
			)
		}
	}
	return out
}
