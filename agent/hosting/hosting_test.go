package hosting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	"github.com/tanpawarit/moneta-advisor/agent/handoff"
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
	toolx "github.com/tanpawarit/moneta-advisor/agent/tool"
	"github.com/tanpawarit/moneta-advisor/pkg/agentregistry"
)

const (
	coordinator contractx.AgentID = "bank-coordinator"
	crm         contractx.AgentID = "bank-crm-agent"
)

func testSet() contractx.AgentSet {
	return contractx.AgentSet{
		UseCase:     statex.UseCaseBanking,
		Coordinator: coordinator,
		Agents: []contractx.AgentDefinition{
			{ID: coordinator, Description: "Routes requests.", Instructions: "You route banking requests.", Handoffs: []contractx.AgentID{crm}},
			{ID: crm, Description: "Client records.", Instructions: "You answer from the CRM.", Tools: []string{"lookup"}, Handoffs: []contractx.AgentID{coordinator}},
		},
	}
}

func newToolRegistry(t *testing.T) *toolx.Registry {
	t.Helper()

	lookup := toolx.NewFunctionTool(
		"lookup",
		"Look up a client.",
		map[string]*schema.ParameterInfo{"client_id": {Type: schema.String, Desc: "Client id", Required: true}},
		func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"client_id": toolx.StringArg(args, "client_id"), "name": "Pete Mitchell"}, nil
		},
	)
	reg, err := toolx.NewRegistry(lookup)
	require.NoError(t, err)
	return reg
}

func userHistory(content string) []statex.Message {
	return []statex.Message{{Role: statex.RoleUser, Content: content, Ordinal: 1}}
}

type fakeRegistry struct {
	mu       sync.Mutex
	requests []agentregistry.EnsureRequest
	override *agentregistry.Definition
}

func (f *fakeRegistry) Ensure(_ context.Context, req agentregistry.EnsureRequest) (agentregistry.Version, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	def := req.Definition
	if f.override != nil {
		def = *f.override
	}
	return agentregistry.Version{ID: req.Name + ":1", Name: req.Name, Version: "1", Definition: def}, false, nil
}

type completionServer struct {
	mu      sync.Mutex
	bodies  []map[string]any
	replies []string
}

func (s *completionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	s.bodies = append(s.bodies, body)

	reply := `{"role":"assistant","content":"done"}`
	if n := len(s.bodies) - 1; n < len(s.replies) {
		reply = s.replies[n]
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"cmpl-%d","object":"chat.completion","created":1,"model":"gpt-4o",`+
		`"choices":[{"index":0,"finish_reason":"stop","message":%s}],`+
		`"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`, len(s.bodies), reply)
}

func newCompletionClient(t *testing.T, srv *completionServer) *openaisdk.Client {
	t.Helper()

	server := httptest.NewServer(srv)
	t.Cleanup(server.Close)
	client := openaisdk.NewClient(
		option.WithAPIKey("test"),
		option.WithBaseURL(server.URL+"/v1/"),
		option.WithHTTPClient(server.Client()),
		option.WithMaxRetries(0),
	)
	return &client
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Mode{"": ModeEphemeral, "ephemeral": ModeEphemeral, " Hosted ": ModeHosted} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("serverless")
	require.ErrorIs(t, err, contractx.ErrValidation)
}

func TestHostedBakesToolSchemas(t *testing.T) {
	t.Parallel()

	tools := newToolRegistry(t)
	reg := &fakeRegistry{}
	h := NewHosted(reg, newCompletionClient(t, &completionServer{}), tools, toolx.NewExecutor(tools, toolx.ExecutorConfig{}), HostedConfig{
		ModelFor: func(contractx.AgentDefinition) string { return "gpt-4o" },
		Version:  "",
	})

	agents, err := h.Build(context.Background(), testSet())
	require.NoError(t, err)
	assert.Len(t, agents, 2)
	require.Len(t, reg.requests, 2)

	byName := map[string]agentregistry.EnsureRequest{}
	for _, r := range reg.requests {
		byName[r.Name] = r
	}
	assert.Equal(t, []string{handoff.ToolName(crm)}, byName[string(coordinator)].Definition.ToolNames())
	assert.Equal(t, []string{"lookup", handoff.ToolName(coordinator)}, byName[string(crm)].Definition.ToolNames())
	assert.Equal(t, "gpt-4o", byName[string(crm)].Definition.Model)
	assert.Equal(t, "You answer from the CRM.", byName[string(crm)].Definition.Instructions)

	lookup := byName[string(crm)].Definition.Tools[0]
	assert.Equal(t, agentregistry.ToolFunction, lookup.Type)
	assert.Contains(t, lookup.Parameters["properties"], "client_id")

	_, ok := tools.Lookup(handoff.ToolName(crm))
	assert.True(t, ok, "handoff callables are registered locally")
}

func TestHostedHandoffRunsThroughAckCallable(t *testing.T) {
	t.Parallel()

	srv := &completionServer{replies: []string{
		`{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"handoff_to_bank-crm-agent","arguments":"{}"}}]}`,
	}}
	tools := newToolRegistry(t)
	h := NewHosted(&fakeRegistry{}, newCompletionClient(t, srv), tools, toolx.NewExecutor(tools, toolx.ExecutorConfig{Timeout: time.Second}), HostedConfig{
		ModelFor: func(contractx.AgentDefinition) string { return "gpt-4o" },
	})
	agents, err := h.Build(context.Background(), testSet())
	require.NoError(t, err)

	resp, err := agents[coordinator].Run(context.Background(), contractx.SpecialistRequest{
		ConversationID: "c1",
		History:        userHistory("What is my portfolio?"),
		MaxToolCalls:   8,
	})
	require.NoError(t, err)
	require.Len(t, resp.Handoffs, 1)
	assert.Equal(t, handoff.ToolName(crm), resp.Handoffs[0].Name)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, statex.RoleTool, resp.Messages[0].Role)
	assert.Equal(t, handoff.Ack(crm), resp.Messages[0].Content)
	assert.Equal(t, string(coordinator), resp.Messages[0].Author)

	require.Len(t, srv.bodies, 1)
	body := srv.bodies[0]
	agentRef, _ := body["agent"].(map[string]any)
	assert.Equal(t, "agent_reference", agentRef["type"])
	assert.Equal(t, string(coordinator), agentRef["name"])
	assert.Equal(t, "1", agentRef["version"])

	messages, _ := body["messages"].([]any)
	require.Len(t, messages, 1, "baked instructions are not resent")
	first, _ := messages[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
}

func TestHostedRejectsToolsMissingFromVersion(t *testing.T) {
	t.Parallel()

	tools := newToolRegistry(t)
	stale := agentregistry.Definition{Kind: agentregistry.KindPrompt, Model: "gpt-4o", Instructions: "old"}
	h := NewHosted(&fakeRegistry{override: &stale}, newCompletionClient(t, &completionServer{}), tools, toolx.NewExecutor(tools, toolx.ExecutorConfig{}), HostedConfig{Version: "1"})

	_, err := h.Build(context.Background(), testSet())
	require.ErrorIs(t, err, contractx.ErrModelInvoke)
	assert.Contains(t, err.Error(), "frozen")
}

func TestHostedModelWithToolsIsFrozen(t *testing.T) {
	t.Parallel()

	m := newHostedModel(nil, agentregistry.Version{Name: "bank-cio-agent", Version: "3", Definition: agentregistry.Definition{
		Tools: []agentregistry.ToolDefinition{{Type: agentregistry.ToolFunction, Name: "search_cio"}},
	}})

	bound, err := m.WithTools([]*schema.ToolInfo{{Name: "search_cio"}})
	require.NoError(t, err)
	assert.NotNil(t, bound)

	_, err = m.WithTools([]*schema.ToolInfo{{Name: "search_cio"}, {Name: "fetch_news"}})
	require.ErrorIs(t, err, ErrToolsFrozen)
	assert.Contains(t, err.Error(), "fetch_news")
}

func TestHostedModelRequestCarriesToolsAndAssistantContent(t *testing.T) {
	t.Parallel()

	srv := &completionServer{}
	m := newHostedModel(newCompletionClient(t, srv), agentregistry.Version{Name: "bank-crm-agent", Version: "2", Definition: agentregistry.Definition{
		Model:        "gpt-4o",
		Instructions: "You answer from the CRM.",
		Tools:        []agentregistry.ToolDefinition{{Type: agentregistry.ToolFunction, Name: "lookup", Description: "Look up a client."}},
	}})
	bound, err := m.WithTools([]*schema.ToolInfo{{Name: "lookup"}})
	require.NoError(t, err)

	_, err = bound.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("You answer from the CRM."),
		schema.UserMessage("Who is my advisor?"),
		schema.AssistantMessage("Let me check.", []schema.ToolCall{{ID: "call_1", Type: "function", Function: schema.FunctionCall{Name: "lookup", Arguments: "{}"}}}),
		schema.ToolMessage(`{"name":"Ann"}`, "call_1"),
	})
	require.NoError(t, err)

	require.Len(t, srv.bodies, 1)
	body := srv.bodies[0]
	tools, _ := body["tools"].([]any)
	require.Len(t, tools, 1)
	fn, _ := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "lookup", fn["name"])

	messages, _ := body["messages"].([]any)
	require.Len(t, messages, 3)
	assistant, _ := messages[1].(map[string]any)
	assert.Equal(t, "assistant", assistant["role"])
	assert.Equal(t, "Let me check.", assistant["content"])
	assert.NotEmpty(t, assistant["tool_calls"])
}

type echoModel struct {
	reply string
	tools []*schema.ToolInfo
}

func (m *echoModel) Generate(context.Context, []*schema.Message, ...einomodel.Option) (*schema.Message, error) {
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *echoModel) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *echoModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return &echoModel{reply: m.reply, tools: tools}, nil
}

func TestEphemeralBuildsEveryAgent(t *testing.T) {
	t.Parallel()

	tools := newToolRegistry(t)
	var (
		mu    sync.Mutex
		built []contractx.AgentID
	)
	factory := func(_ context.Context, def contractx.AgentDefinition) (einomodel.ToolCallingChatModel, error) {
		mu.Lock()
		built = append(built, def.ID)
		mu.Unlock()
		return &echoModel{reply: "hello from " + string(def.ID)}, nil
	}

	e := NewEphemeral(factory, tools, toolx.NewExecutor(tools, toolx.ExecutorConfig{}))
	assert.Equal(t, ModeEphemeral, e.Mode())

	agents, err := e.Build(context.Background(), testSet())
	require.NoError(t, err)
	assert.ElementsMatch(t, []contractx.AgentID{coordinator, crm}, built)

	resp, err := agents[crm].Run(context.Background(), contractx.SpecialistRequest{History: userHistory("hi"), MaxToolCalls: 8})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hello from bank-crm-agent", resp.Messages[0].Content)

	// Building twice reuses the already registered handoff tools.
	_, err = e.Build(context.Background(), testSet())
	require.NoError(t, err)
}

func TestEphemeralRequiresFactory(t *testing.T) {
	t.Parallel()

	_, err := NewEphemeral(nil, newToolRegistry(t), nil).Build(context.Background(), testSet())
	require.ErrorIs(t, err, contractx.ErrValidation)
}

func TestHostedRegisterOnlyEnsures(t *testing.T) {
	t.Parallel()

	tools := newToolRegistry(t)
	reg := &fakeRegistry{}
	h := NewHosted(reg, nil, tools, nil, HostedConfig{ForceNew: true, ModelFor: func(contractx.AgentDefinition) string { return "gpt-4o" }})

	out, err := h.Register(context.Background(), testSet())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, coordinator, out[0].Agent)
	assert.Equal(t, "1", out[0].Version.Version)
	for _, r := range reg.requests {
		assert.True(t, r.ForceNew)
	}
}
