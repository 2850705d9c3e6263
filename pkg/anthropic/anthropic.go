package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type Config struct {
	BaseURL     string        `envconfig:"BASE_URL" split_words:"true"`
	APIKey      string        `envconfig:"API_KEY" split_words:"true"`
	Model       string        `envconfig:"MODEL" split_words:"true"`
	MaxTokens   int64         `envconfig:"MAX_TOKENS" split_words:"true" default:"2000"`
	Temperature float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout     time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	MaxRetries  int           `envconfig:"MAX_RETRIES" split_words:"true" default:"2"`
}

// ChatModel adapts the Anthropic Messages API to eino's ToolCallingChatModel.
type ChatModel struct {
	client *anthropicsdk.Client
	conf   Config
	tools  []anthropicsdk.ToolUnionParam
}

var _ model.ToolCallingChatModel = (*ChatModel)(nil)

func (c *Config) New(ctx context.Context) (model.ToolCallingChatModel, error) {
	if strings.TrimSpace(c.Model) == "" {
		return nil, errors.New("anthropic: model is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(c.APIKey)),
		option.WithMaxRetries(c.MaxRetries),
	}
	if base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if c.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(c.Timeout))
	}
	client := anthropicsdk.NewClient(opts...)
	conf := *c
	if conf.MaxTokens <= 0 {
		conf.MaxTokens = 2000
	}
	return &ChatModel{client: &client, conf: conf}, nil
}

func (m *ChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	params := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, info := range tools {
		if info == nil {
			continue
		}
		tp, err := toolParam(info)
		if err != nil {
			return nil, err
		}
		params = append(params, anthropicsdk.ToolUnionParam{OfTool: tp})
	}
	out := *m
	out.tools = params
	return &out, nil
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	params, err := m.buildParams(input)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return toMessage(resp)
}

// Stream answers in one chunk; the Messages streaming API is not used.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *ChatModel) buildParams(input []*schema.Message) (anthropicsdk.MessageNewParams, error) {
	var (
		system   []anthropicsdk.TextBlockParam
		messages []anthropicsdk.MessageParam
	)
	for i := 0; i < len(input); i++ {
		msg := input[i]
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			if strings.TrimSpace(msg.Content) != "" {
				system = append(system, anthropicsdk.TextBlockParam{Text: msg.Content})
			}
		case schema.User:
			messages = append(messages, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content)))
		case schema.Assistant:
			var blocks []anthropicsdk.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						return anthropicsdk.MessageNewParams{}, fmt.Errorf("anthropic: tool call %s arguments: %w", tc.ID, err)
					}
				}
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(tc.ID, args, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropicsdk.NewAssistantMessage(blocks...))
		case schema.Tool:
			// Results of one assistant turn must share a single user message.
			var blocks []anthropicsdk.ContentBlockParamUnion
			for ; i < len(input) && input[i] != nil && input[i].Role == schema.Tool; i++ {
				blocks = append(blocks, anthropicsdk.NewToolResultBlock(input[i].ToolCallID, input[i].Content, false))
			}
			i--
			messages = append(messages, anthropicsdk.NewUserMessage(blocks...))
		}
	}

	params := anthropicsdk.MessageNewParams{
		Model:       anthropicsdk.Model(m.conf.Model),
		Messages:    messages,
		MaxTokens:   m.conf.MaxTokens,
		Temperature: anthropicsdk.Float(float64(m.conf.Temperature)),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(m.tools) > 0 {
		params.Tools = m.tools
	}
	return params, nil
}

func toolParam(info *schema.ToolInfo) (*anthropicsdk.ToolParam, error) {
	tp := &anthropicsdk.ToolParam{
		Name:        info.Name,
		InputSchema: anthropicsdk.ToolInputSchemaParam{Properties: map[string]any{}},
	}
	if info.Desc != "" {
		tp.Description = anthropicsdk.String(info.Desc)
	}
	if info.ParamsOneOf == nil {
		return tp, nil
	}
	js, err := info.ParamsOneOf.ToOpenAPIV3()
	if err != nil {
		return nil, fmt.Errorf("anthropic: schema of tool %s: %w", info.Name, err)
	}
	raw, err := json.Marshal(js)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode schema of tool %s: %w", info.Name, err)
	}
	var decoded struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("anthropic: decode schema of tool %s: %w", info.Name, err)
	}
	if decoded.Properties != nil {
		tp.InputSchema.Properties = decoded.Properties
	}
	tp.InputSchema.Required = decoded.Required
	return tp, nil
}

func toMessage(resp *anthropicsdk.Message) (*schema.Message, error) {
	if resp == nil {
		return nil, errors.New("anthropic: empty response")
	}
	var (
		text  strings.Builder
		calls []schema.ToolCall
	)
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			args, err := json.Marshal(tu.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: tool_use %s input: %w", tu.ID, err)
			}
			calls = append(calls, schema.ToolCall{
				ID:       tu.ID,
				Type:     "function",
				Function: schema.FunctionCall{Name: tu.Name, Arguments: string(args)},
			})
		}
	}

	msg := schema.AssistantMessage(text.String(), calls)
	msg.ResponseMeta = &schema.ResponseMeta{
		FinishReason: string(resp.StopReason),
		Usage: &schema.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	return msg, nil
}
