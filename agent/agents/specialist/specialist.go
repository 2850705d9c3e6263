package specialist

import (
	"context"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	"github.com/tanpawarit/moneta-advisor/agent/handoff"
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
	toolx "github.com/tanpawarit/moneta-advisor/agent/tool"
	"github.com/tanpawarit/moneta-advisor/pkg/tracing"
)

const (
	FallbackReply = "I apologize, but I was unable to generate a response."

	defaultModelTimeout  = 60 * time.Second
	defaultHistoryWindow = 40

	deepResearchHint = "The user asked for deep research. Consult every relevant source before answering " +
		"and give a thorough, well-structured answer with the evidence you used."
)

type Option func(*Specialist)

// WithModelTimeout bounds each model call. Exceeding it fails the turn.
func WithModelTimeout(d time.Duration) Option {
	return func(s *Specialist) {
		if d > 0 {
			s.modelTimeout = d
		}
	}
}

// WithHistoryWindow limits how many persisted messages reach the model.
func WithHistoryWindow(n int) Option {
	return func(s *Specialist) {
		s.historyWindow = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Specialist) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Specialist) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// Specialist runs one agent's tool-calling loop.
type Specialist struct {
	id            contractx.AgentID
	runner        compose.Runnable[[]*schema.Message, *schema.Message]
	gateway       contractx.ToolGateway
	bound         map[string]struct{}
	modelTimeout  time.Duration
	historyWindow int
	now           func() time.Time
	logger        zerolog.Logger
	tracer        trace.Tracer
}

var _ contractx.Specialist = (*Specialist)(nil)

func New(
	ctx context.Context,
	def contractx.AgentDefinition,
	chatModel einomodel.ToolCallingChatModel,
	tools []*schema.ToolInfo,
	gateway contractx.ToolGateway,
	opts ...Option,
) (*Specialist, error) {
	if def.ID.IsNone() {
		return nil, fmt.Errorf("%w: agent id is required", contractx.ErrValidation)
	}
	if chatModel == nil {
		return nil, fmt.Errorf("%w: agent=%s has no model", contractx.ErrValidation, def.ID)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: agent=%s has no tool gateway", contractx.ErrValidation, def.ID)
	}

	bound := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		if t == nil || strings.TrimSpace(t.Name) == "" {
			continue
		}
		bound[t.Name] = struct{}{}
	}

	var model einomodel.BaseChatModel = chatModel
	if len(tools) > 0 {
		withTools, err := chatModel.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("%w: bind tools for agent=%s: %v", contractx.ErrModelInvoke, def.ID, err)
		}
		model = withTools
	}

	runner, err := compileModelGraph(ctx, model, def.Instructions, "specialist."+string(def.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: compile graph for agent=%s: %v", contractx.ErrModelInvoke, def.ID, err)
	}

	s := &Specialist{
		id:            def.ID,
		runner:        runner,
		gateway:       gateway,
		bound:         bound,
		modelTimeout:  defaultModelTimeout,
		historyWindow: defaultHistoryWindow,
		now:           time.Now,
		logger:        log.With().Str("component", "specialist").Str("agent", def.ID.String()).Logger(),
		tracer:        tracing.Tracer("github.com/tanpawarit/moneta-advisor/agent/agents/specialist"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Specialist) ID() contractx.AgentID {
	return s.id
}

// Run loops model -> tools until the model answers without tool calls, the
// budget is spent, or a handoff succeeds. Tool failures become tool messages;
// only model failures are returned.
func (s *Specialist) Run(ctx context.Context, req contractx.SpecialistRequest) (contractx.SpecialistResponse, error) {
	ctx, span := s.tracer.Start(ctx, "invoke_agent "+s.id.String(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(tracing.AttrOperationName, "invoke_agent"),
			attribute.String(tracing.AttrAgentID, s.id.String()),
			attribute.String(tracing.AttrConversationID, req.ConversationID),
			attribute.Bool("agent.deep_research", req.DeepResearch),
		),
	)
	defer span.End()

	resp, err := s.run(ctx, req)
	if err != nil {
		tracing.Fail(span, err)
		return resp, err
	}
	span.SetAttributes(
		attribute.Int("agent.tool_calls", resp.ToolCalls),
		attribute.Int("agent.handoffs", len(resp.Handoffs)),
	)
	return resp, nil
}

func (s *Specialist) run(ctx context.Context, req contractx.SpecialistRequest) (contractx.SpecialistResponse, error) {
	isHandoff := req.IsHandoff
	if isHandoff == nil {
		isHandoff = handoff.IsHandoff
	}
	logger := s.logger.With().Str("conversation_id", req.ConversationID).Logger()

	input := toModelMessages(windowed(req.History, s.historyWindow))
	if req.DeepResearch {
		input = append([]*schema.Message{schema.SystemMessage(deepResearchHint)}, input...)
	}

	var (
		resp      contractx.SpecialistResponse
		assistant int
	)
	for {
		msg, err := s.generate(ctx, input)
		if err != nil {
			return contractx.SpecialistResponse{}, err
		}

		content := strings.TrimSpace(msg.Content)
		if content != "" {
			resp.Messages = append(resp.Messages, s.message(statex.RoleAssistant, content))
			assistant++
		}
		if len(msg.ToolCalls) == 0 {
			break
		}

		remaining := req.MaxToolCalls - resp.ToolCalls
		if remaining <= 0 {
			logger.Warn().Int("requested", len(msg.ToolCalls)).Msg("tool call budget exhausted")
			break
		}
		batch := msg.ToolCalls
		if len(batch) > remaining {
			logger.Warn().Int("requested", len(batch)).Int("allowed", remaining).Msg("tool batch truncated")
			batch = batch[:remaining]
		}

		calls := toToolCalls(batch)
		results := s.execute(ctx, calls)
		resp.ToolCalls += len(calls)

		input = append(input, schema.AssistantMessage(msg.Content, fromToolCalls(calls)))
		for i, call := range calls {
			res := results[i]
			tm := s.message(statex.RoleTool, res.Content())
			tm.ToolName = call.Name
			tm.ToolCallID = call.ID
			tm.ToolArgs = call.Args
			resp.Messages = append(resp.Messages, tm)
			input = append(input, schema.ToolMessage(tm.Content, call.ID))

			if !res.Failed() && isHandoff(call.Name) {
				resp.Handoffs = append(resp.Handoffs, call)
			}
		}
		if len(resp.Handoffs) > 0 {
			logger.Debug().Str("tool", resp.Handoffs[0].Name).Msg("handoff requested")
			return resp, nil
		}
	}

	if assistant == 0 {
		logger.Warn().Err(contractx.ErrNoReplyProduced).Msg("using fallback reply")
		resp.Messages = append(resp.Messages, s.message(statex.RoleAssistant, FallbackReply))
	}
	return resp, nil
}

func (s *Specialist) generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.modelTimeout)
	defer cancel()

	start := s.now()
	msg, err := s.runner.Invoke(callCtx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: agent=%s: %v", contractx.ErrAgentExecution, contractx.ErrModelInvoke, s.id, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: %w: agent=%s returned no message", contractx.ErrAgentExecution, contractx.ErrSchemaViolation, s.id)
	}
	s.logger.Debug().Dur("duration", s.now().Sub(start)).Int("tool_calls", len(msg.ToolCalls)).Msg("model responded")
	return msg, nil
}

// execute sends bound calls to the gateway. Calls to tools the agent does not
// hold are answered locally as NOT_FOUND.
func (s *Specialist) execute(ctx context.Context, calls []contractx.ToolCall) []contractx.ToolResult {
	results := make([]contractx.ToolResult, len(calls))
	var (
		allowed []contractx.ToolCall
		index   []int
	)
	for i, call := range calls {
		if _, ok := s.bound[call.Name]; !ok {
			results[i] = contractx.ToolResult{
				CallID: call.ID,
				Tool:   call.Name,
				Error:  fmt.Sprintf("tool %s is not available to agent %s", call.Name, s.id),
				Code:   string(toolx.CodeNotFound),
			}
			continue
		}
		allowed = append(allowed, call)
		index = append(index, i)
	}
	if len(allowed) == 0 {
		return results
	}
	for j, res := range s.gateway.Execute(ctx, s.id, allowed) {
		results[index[j]] = res
	}
	return results
}

func (s *Specialist) message(role statex.Role, content string) statex.Message {
	return statex.Message{
		Role:      role,
		Author:    string(s.id),
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
}

func toToolCalls(calls []schema.ToolCall) []contractx.ToolCall {
	out := make([]contractx.ToolCall, 0, len(calls))
	for _, c := range calls {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out = append(out, contractx.ToolCall{
			ID:   id,
			Name: strings.TrimSpace(c.Function.Name),
			Args: c.Function.Arguments,
		})
	}
	return out
}

func fromToolCalls(calls []contractx.ToolCall) []schema.ToolCall {
	out := make([]schema.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, schema.ToolCall{
			ID:       c.ID,
			Type:     "function",
			Function: schema.FunctionCall{Name: c.Name, Arguments: c.Args},
		})
	}
	return out
}
