package hosting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tanpawarit/moneta-advisor/pkg/agentregistry"
)

// ErrToolsFrozen is returned when a caller tries to bind a tool the registry
// version does not bake. Tools of a hosted agent change only with a new version.
var ErrToolsFrozen = errors.New("tools of a hosted agent are frozen in its registry version")

// hostedModel runs completions against a registry version. The remote side
// owns the instructions. Each request references the version and carries the
// schemas of the baked tools picked by WithTools.
type hostedModel struct {
	client  *openaisdk.Client
	version agentregistry.Version
	baked   map[string]agentregistry.ToolDefinition
	tools   []agentregistry.ToolDefinition
}

var _ einomodel.ToolCallingChatModel = (*hostedModel)(nil)

func newHostedModel(client *openaisdk.Client, version agentregistry.Version) *hostedModel {
	baked := make(map[string]agentregistry.ToolDefinition, len(version.Definition.Tools))
	for _, t := range version.Definition.Tools {
		baked[t.Name] = t
	}
	return &hostedModel{client: client, version: version, baked: baked}
}

// WithTools selects which baked tools are offered. Any tool outside the
// version fails with ErrToolsFrozen.
func (m *hostedModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	selected := make([]agentregistry.ToolDefinition, 0, len(tools))
	var missing []string
	for _, t := range tools {
		if t == nil {
			continue
		}
		def, ok := m.baked[t.Name]
		if !ok {
			missing = append(missing, t.Name)
			continue
		}
		selected = append(selected, def)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s@%s lacks %s", ErrToolsFrozen, m.version.Name, m.version.Version, strings.Join(missing, ", "))
	}
	return &hostedModel{client: m.client, version: m.version, baked: m.baked, tools: selected}, nil
}

func (m *hostedModel) Generate(ctx context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	if m.client == nil {
		return nil, errors.New("hosted model has no client")
	}
	params := openaisdk.ChatCompletionNewParams{
		Model:    m.version.Definition.Model,
		Messages: m.messages(input),
	}
	if len(m.tools) > 0 {
		params.Tools = make([]openaisdk.ChatCompletionToolParam, 0, len(m.tools))
		for _, t := range m.tools {
			params.Tools = append(params.Tools, openaisdk.ChatCompletionToolParam{
				Type: "function",
				Function: openaisdk.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openaisdk.String(t.Description),
					Parameters:  t.Parameters,
				},
			})
		}
	}

	resp, err := m.client.Chat.Completions.New(ctx, params, option.WithJSONSet("agent", map[string]any{
		"type":    "agent_reference",
		"name":    m.version.Name,
		"version": m.version.Version,
	}))
	if err != nil {
		return nil, fmt.Errorf("hosted agent %s@%s: %w", m.version.Name, m.version.Version, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("hosted agent %s@%s: no choices returned", m.version.Name, m.version.Version)
	}

	choice := resp.Choices[0]
	out := &schema.Message{
		Role:    schema.Assistant,
		Content: choice.Message.Content,
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: string(choice.FinishReason),
			Usage: &schema.TokenUsage{
				PromptTokens:     int(resp.Usage.PromptTokens),
				CompletionTokens: int(resp.Usage.CompletionTokens),
				TotalTokens:      int(resp.Usage.TotalTokens),
			},
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: schema.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out, nil
}

func (m *hostedModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

// messages drops the system message that repeats the baked instructions.
func (m *hostedModel) messages(input []*schema.Message) []openaisdk.ChatCompletionMessageParamUnion {
	instructions := strings.TrimSpace(m.version.Definition.Instructions)
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			if strings.TrimSpace(msg.Content) == instructions {
				continue
			}
			out = append(out, openaisdk.SystemMessage(msg.Content))
		case schema.User:
			out = append(out, openaisdk.UserMessage(msg.Content))
		case schema.Tool:
			out = append(out, openaisdk.ToolMessage(msg.Content, msg.ToolCallID))
		case schema.Assistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openaisdk.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openaisdk.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, openaisdk.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			assistant := &openaisdk.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}
			if msg.Content != "" {
				assistant.Content = openaisdk.ChatCompletionAssistantMessageParamContentUnion{OfString: openaisdk.String(msg.Content)}
			}
			out = append(out, openaisdk.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		}
	}
	return out
}
