package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	"github.com/tanpawarit/moneta-advisor/agent/handoff"
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
	"github.com/tanpawarit/moneta-advisor/pkg/tracing"
)

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

const (
	coordinator contractx.AgentID = "coordinator"
	crm         contractx.AgentID = "crm"
	funds       contractx.AgentID = "funds"
	cio         contractx.AgentID = "cio"
)

type fakeAgent struct {
	mu        sync.Mutex
	id        contractx.AgentID
	responses []contractx.SpecialistResponse
	repeat    bool
	err       error
	requests  []contractx.SpecialistRequest
}

func (f *fakeAgent) ID() contractx.AgentID { return f.id }

func (f *fakeAgent) Run(_ context.Context, req contractx.SpecialistRequest) (contractx.SpecialistResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return contractx.SpecialistResponse{}, f.err
	}
	if len(f.responses) == 0 {
		return contractx.SpecialistResponse{}, fmt.Errorf("agent %s has no response left", f.id)
	}
	resp := f.responses[0]
	if !f.repeat {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeAgent) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func say(author contractx.AgentID, text string) contractx.SpecialistResponse {
	return contractx.SpecialistResponse{
		Messages: []statex.Message{{Role: statex.RoleAssistant, Author: string(author), Content: text}},
	}
}

func transfer(author, target contractx.AgentID) contractx.SpecialistResponse {
	call := contractx.ToolCall{ID: "call_" + string(target), Name: handoff.ToolName(target), Args: "{}"}
	return contractx.SpecialistResponse{
		ToolCalls: 1,
		Handoffs:  []contractx.ToolCall{call},
		Messages: []statex.Message{{
			Role: statex.RoleTool, Author: string(author), Content: handoff.Ack(target),
			ToolName: call.Name, ToolCallID: call.ID, ToolArgs: call.Args,
		}},
	}
}

type flakyStore struct {
	*statex.MemoryStore

	mu      sync.Mutex
	loadErr error
	saveErr error
	loads   int
	saves   int
}

func (f *flakyStore) Load(ctx context.Context, userID, conversationID string, useCase statex.UseCase) (*statex.Conversation, error) {
	f.mu.Lock()
	f.loads++
	err := f.loadErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryStore.Load(ctx, userID, conversationID, useCase)
}

func (f *flakyStore) Save(ctx context.Context, conv *statex.Conversation) error {
	f.mu.Lock()
	f.saves++
	err := f.saveErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Save(ctx, conv)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []contractx.TurnEvent
	err    error
}

func (p *recordingPublisher) PublishTurn(_ context.Context, event contractx.TurnEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

type fixture struct {
	orch   *Orchestrator
	store  *flakyStore
	agents map[contractx.AgentID]*fakeAgent
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		store:  &flakyStore{MemoryStore: statex.NewMemoryStore()},
		agents: map[contractx.AgentID]*fakeAgent{},
	}
	specs := map[contractx.AgentID]contractx.Specialist{}
	for _, id := range []contractx.AgentID{coordinator, crm, funds, cio} {
		a := &fakeAgent{id: id}
		f.agents[id] = a
		specs[id] = a
	}
	set := contractx.AgentSet{
		UseCase:      statex.UseCaseBanking,
		Coordinator:  coordinator,
		DeepResearch: cio,
		Agents: []contractx.AgentDefinition{
			{ID: coordinator, Handoffs: []contractx.AgentID{crm, funds, cio}},
			{ID: crm, Handoffs: []contractx.AgentID{coordinator}},
			{ID: funds, Handoffs: []contractx.AgentID{coordinator}},
			{ID: cio, Handoffs: []contractx.AgentID{coordinator}},
		},
	}
	router, err := handoff.NewRouter(set, specs)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	ids := 0
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("conv-%d", ids)
		}),
	}, opts...)
	f.orch, err = New(f.store, map[statex.UseCase]Router{statex.UseCaseBanking: router}, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func (f *fixture) seed(t *testing.T, id, active string, deepResearch bool) {
	t.Helper()

	conv := statex.NewConversation(id, "u1", statex.UseCaseBanking, testNow)
	conv.Append(testNow,
		statex.Message{Role: statex.RoleUser, Content: "Who is my advisor?"},
		statex.Message{Role: statex.RoleAssistant, Author: active, Content: "Let me check."},
	)
	conv.SetActiveAgent(active)
	conv.MarkDeepResearch(deepResearch)
	if err := f.store.MemoryStore.Save(context.Background(), conv); err != nil {
		t.Fatalf("seed Save() error = %v", err)
	}
}

func (f *fixture) load(t *testing.T, id string) *statex.Conversation {
	t.Helper()

	conv, err := f.store.MemoryStore.Load(context.Background(), "u1", id, statex.UseCaseBanking)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", id, err)
	}
	return conv
}

func turn(id, message string) TurnRequest {
	return TurnRequest{UserID: "u1", ConversationID: id, Message: message, UseCase: "banking"}
}

func assertGapFree(t *testing.T, conv *statex.Conversation) {
	t.Helper()
	for i, m := range conv.Messages {
		if m.Ordinal != i+1 {
			t.Fatalf("message %d has ordinal %d", i, m.Ordinal)
		}
	}
}

func TestHandleTurnNewConversationCoordinatorReplies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.agents[coordinator].responses = []contractx.SpecialistResponse{say(coordinator, "Hello! How can I help?")}

	resp, err := f.orch.HandleTurn(context.Background(), turn("", "Hello"))
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.ConversationID != "conv-1" {
		t.Fatalf("conversation id = %q, want conv-1", resp.ConversationID)
	}
	if resp.ActiveAgent != contractx.NoAgent {
		t.Fatalf("active agent = %q, want none", resp.ActiveAgent)
	}
	if len(resp.Reply) != 1 || resp.Reply[0].Author != string(coordinator) || resp.Reply[0].Role != statex.RoleAssistant {
		t.Fatalf("unexpected reply: %#v", resp.Reply)
	}

	conv := f.load(t, "conv-1")
	if len(conv.Messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Role != statex.RoleUser || conv.Messages[0].Content != "Hello" {
		t.Fatalf("first message = %#v", conv.Messages[0])
	}
	assertGapFree(t, conv)
	if conv.Active() != statex.NoActiveAgent {
		t.Fatalf("stored active agent = %q", conv.ActiveAgent)
	}
}

func TestHandleTurnActiveSpecialistSkipsCoordinator(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, "c1", string(crm), false)
	f.agents[crm].responses = []contractx.SpecialistResponse{say(crm, "Your advisor is Jane.")}

	resp, err := f.orch.HandleTurn(context.Background(), turn("c1", "And her phone number?"))
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if f.agents[coordinator].calls() != 0 {
		t.Fatal("coordinator was called")
	}
	if resp.ActiveAgent != crm {
		t.Fatalf("active agent = %q, want crm", resp.ActiveAgent)
	}
	for _, m := range resp.Reply {
		if m.Role == statex.RoleTool {
			t.Fatalf("unexpected tool message %#v", m)
		}
	}

	req := f.agents[crm].requests[0]
	if len(req.History) != 3 || req.History[2].Content != "And her phone number?" {
		t.Fatalf("history sent to crm = %#v", req.History)
	}
}

func TestHandleTurnHandoffPersistsAckAndTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.agents[coordinator].responses = []contractx.SpecialistResponse{transfer(coordinator, funds)}
	f.agents[funds].responses = []contractx.SpecialistResponse{say(funds, "The fund returned 7% last year.")}

	resp, err := f.orch.HandleTurn(context.Background(), turn("c1", "How did the fund perform?"))
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.ActiveAgent != funds {
		t.Fatalf("active agent = %q, want funds", resp.ActiveAgent)
	}
	if len(resp.Reply) != 2 {
		t.Fatalf("reply has %d messages, want 2", len(resp.Reply))
	}

	conv := f.load(t, "c1")
	want := []struct {
		role   statex.Role
		author string
	}{
		{statex.RoleUser, ""},
		{statex.RoleTool, string(coordinator)},
		{statex.RoleAssistant, string(funds)},
	}
	if len(conv.Messages) != len(want) {
		t.Fatalf("persisted %d messages, want %d", len(conv.Messages), len(want))
	}
	for i, w := range want {
		if conv.Messages[i].Role != w.role || conv.Messages[i].Author != w.author {
			t.Fatalf("message %d = %#v, want role=%s author=%s", i, conv.Messages[i], w.role, w.author)
		}
	}
	if conv.Messages[1].Content != handoff.Ack(funds) {
		t.Fatalf("ack content = %q", conv.Messages[1].Content)
	}
	if conv.ActiveAgent != string(funds) {
		t.Fatalf("stored active agent = %q", conv.ActiveAgent)
	}
}

func TestHandleTurnToolFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, "c1", string(cio), false)
	failure := contractx.ToolResult{CallID: "call_1", Tool: "search_cio", Error: "tool search_cio timed out after 20s", Code: "TIMEOUT"}
	f.agents[cio].responses = []contractx.SpecialistResponse{{
		ToolCalls: 1,
		Messages: []statex.Message{
			{Role: statex.RoleTool, Author: string(cio), Content: failure.Content(), ToolName: "search_cio", ToolCallID: "call_1"},
			{Role: statex.RoleAssistant, Author: string(cio), Content: "The research service is slow right now."},
		},
	}}

	if _, err := f.orch.HandleTurn(context.Background(), turn("c1", "What is the house view?")); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	conv := f.load(t, "c1")
	if len(conv.Messages) != 5 {
		t.Fatalf("persisted %d messages, want 5", len(conv.Messages))
	}
	if conv.Messages[3].Content != `{"error":"tool search_cio timed out after 20s","code":"TIMEOUT"}` {
		t.Fatalf("tool message = %q", conv.Messages[3].Content)
	}
	if conv.Messages[4].Author != string(cio) || conv.Messages[4].Role != statex.RoleAssistant {
		t.Fatalf("final message = %#v", conv.Messages[4])
	}
	assertGapFree(t, conv)
}

func TestHandleTurnSaveFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, "c1", string(crm), false)
	f.agents[crm].responses = []contractx.SpecialistResponse{say(crm, "Done.")}
	f.store.saveErr = errors.New("connection reset")

	_, err := f.orch.HandleTurn(context.Background(), turn("c1", "Update my address"))
	if !errors.Is(err, contractx.ErrStorageUnavailable) {
		t.Fatalf("HandleTurn() error = %v, want ErrStorageUnavailable", err)
	}
	if !contractx.Retryable(err) {
		t.Fatal("storage failure should be retryable")
	}

	conv := f.load(t, "c1")
	if len(conv.Messages) != 2 {
		t.Fatalf("persisted %d messages after failed save, want 2", len(conv.Messages))
	}
}

func TestHandleTurnLoadFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.loadErr = errors.New("timeout")

	_, err := f.orch.HandleTurn(context.Background(), turn("c1", "Hello"))
	if contractx.KindOf(err) != contractx.KindStorageUnavailable {
		t.Fatalf("kind = %q, want storage_unavailable (err=%v)", contractx.KindOf(err), err)
	}
	if f.agents[coordinator].calls() != 0 {
		t.Fatal("coordinator ran after a failed load")
	}
}

func TestHandleTurnValidation(t *testing.T) {
	t.Parallel()

	cases := map[string]TurnRequest{
		"empty message":       {UserID: "u1", Message: "", UseCase: "banking"},
		"whitespace message":  {UserID: "u1", Message: "  \n\t", UseCase: "banking"},
		"empty user":          {UserID: " ", Message: "hi", UseCase: "banking"},
		"unknown use case":    {UserID: "u1", Message: "hi", UseCase: "retail"},
		"use case not served": {UserID: "u1", Message: "hi", UseCase: "insurance"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			_, err := f.orch.HandleTurn(context.Background(), req)
			if !errors.Is(err, contractx.ErrValidation) {
				t.Fatalf("HandleTurn() error = %v, want validation error", err)
			}
			if contractx.Retryable(err) {
				t.Fatal("validation errors are not retryable")
			}
			if f.store.loads != 0 || f.store.saves != 0 {
				t.Fatalf("store touched: loads=%d saves=%d", f.store.loads, f.store.saves)
			}
		})
	}
}

func TestHandleTurnSecondHandoffIsLoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.agents[coordinator].responses = []contractx.SpecialistResponse{transfer(coordinator, crm)}
	f.agents[crm].responses = []contractx.SpecialistResponse{transfer(crm, coordinator)}

	_, err := f.orch.HandleTurn(context.Background(), turn("c1", "Hi"))
	if contractx.KindOf(err) != contractx.KindHandoffLoop {
		t.Fatalf("kind = %q, want handoff_loop (err=%v)", contractx.KindOf(err), err)
	}
	if contractx.Retryable(err) {
		t.Fatal("handoff loop is not retryable")
	}
	if f.store.saves != 0 {
		t.Fatalf("saves = %d, want 0", f.store.saves)
	}
}

func TestHandleTurnAgentFailureDiscardsTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, "c1", string(funds), false)
	f.agents[funds].err = fmt.Errorf("%w: upstream 503", contractx.ErrModelInvoke)

	_, err := f.orch.HandleTurn(context.Background(), turn("c1", "Hi"))
	if !errors.Is(err, contractx.ErrAgentExecution) {
		t.Fatalf("HandleTurn() error = %v, want ErrAgentExecution", err)
	}
	if !contractx.Retryable(err) {
		t.Fatal("agent execution errors are retryable")
	}
	if got := len(f.load(t, "c1").Messages); got != 2 {
		t.Fatalf("persisted %d messages, want 2", got)
	}
}

func TestHandleTurnAppendOnlyAcrossTurns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.agents[coordinator].responses = []contractx.SpecialistResponse{transfer(coordinator, crm)}
	f.agents[crm].responses = []contractx.SpecialistResponse{say(crm, "one"), say(crm, "two"), say(crm, "three")}

	before := 0
	for i := 0; i < 3; i++ {
		resp, err := f.orch.HandleTurn(context.Background(), turn("c1", fmt.Sprintf("turn %d", i)))
		if err != nil {
			t.Fatalf("turn %d error = %v", i, err)
		}
		conv := f.load(t, "c1")
		if got, want := len(conv.Messages), before+1+len(resp.Reply); got != want {
			t.Fatalf("turn %d persisted %d messages, want %d", i, got, want)
		}
		assertGapFree(t, conv)

		again := f.load(t, "c1")
		for j := range conv.Messages {
			if conv.Messages[j] != again.Messages[j] {
				t.Fatalf("load is not idempotent at %d", j)
			}
		}
		before = len(conv.Messages)
	}
}

func TestHandleTurnDeepResearchFollowsRequestFlag(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.agents[cio].responses = []contractx.SpecialistResponse{say(cio, "Deep answer.")}
	f.agents[coordinator].responses = []contractx.SpecialistResponse{transfer(coordinator, crm)}
	f.agents[crm].responses = []contractx.SpecialistResponse{say(crm, "Your advisor is Ann.")}

	req := turn("c1", "Outlook for rates?")
	req.DeepResearch = true
	resp, err := f.orch.HandleTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.ActiveAgent != contractx.NoAgent {
		t.Fatalf("deep research changed the active agent to %q", resp.ActiveAgent)
	}
	if !f.load(t, "c1").DeepResearchUsed {
		t.Fatal("deep research flag not persisted")
	}

	resp, err = f.orch.HandleTurn(context.Background(), turn("c1", "Who is my advisor?"))
	if err != nil {
		t.Fatalf("second HandleTurn() error = %v", err)
	}
	if !f.load(t, "c1").DeepResearchUsed {
		t.Fatal("deep research flag reverted")
	}
	if f.agents[cio].calls() != 1 {
		t.Fatalf("cio ran %d times, want 1", f.agents[cio].calls())
	}
	if reqs := f.agents[coordinator].requests; len(reqs) != 1 || reqs[0].DeepResearch {
		t.Fatalf("coordinator requests = %#v", reqs)
	}
	if reqs := f.agents[crm].requests; len(reqs) != 1 || reqs[0].DeepResearch {
		t.Fatalf("crm requests = %#v", reqs)
	}
	if resp.ActiveAgent != crm {
		t.Fatalf("ActiveAgent = %q, want %q", resp.ActiveAgent, crm)
	}
}

func TestHandleTurnDeepResearchIgnoredForActiveSpecialist(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, "c1", string(funds), false)
	f.agents[funds].responses = []contractx.SpecialistResponse{say(funds, "Fund facts.")}

	req := turn("c1", "Deep dive please")
	req.DeepResearch = true
	if _, err := f.orch.HandleTurn(context.Background(), req); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if reqs := f.agents[funds].requests; len(reqs) != 1 || reqs[0].DeepResearch {
		t.Fatalf("funds requests = %#v", reqs)
	}
	if f.agents[cio].calls() != 0 {
		t.Fatal("cio ran while a specialist owned the conversation")
	}
	if f.load(t, "c1").DeepResearchUsed {
		t.Fatal("deep research flag persisted on a turn it did not route")
	}
}

func TestHandleTurnDeepResearchHandbackRunsCoordinatorPlain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.agents[cio].responses = []contractx.SpecialistResponse{transfer(cio, coordinator)}
	f.agents[coordinator].responses = []contractx.SpecialistResponse{say(coordinator, "Anything else?")}

	req := turn("c1", "Not a research question")
	req.DeepResearch = true
	if _, err := f.orch.HandleTurn(context.Background(), req); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if reqs := f.agents[cio].requests; len(reqs) != 1 || !reqs[0].DeepResearch {
		t.Fatalf("cio requests = %#v", reqs)
	}
	if reqs := f.agents[coordinator].requests; len(reqs) != 1 || reqs[0].DeepResearch {
		t.Fatalf("coordinator requests = %#v", reqs)
	}
	if !f.load(t, "c1").DeepResearchUsed {
		t.Fatal("deep research flag not persisted")
	}
}

func TestHandleTurnPublishesEvent(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{err: errors.New("qstash down")}
	f := newFixture(t, WithPublisher(pub))
	f.agents[coordinator].responses = []contractx.SpecialistResponse{transfer(coordinator, funds)}
	f.agents[funds].responses = []contractx.SpecialistResponse{say(funds, "Here you go.")}

	if _, err := f.orch.HandleTurn(context.Background(), turn("c1", "Fund facts")); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.events))
	}
	ev := pub.events[0]
	if ev.ActiveAgent != funds || ev.Produced != 2 || ev.LastOrdinal != 3 || ev.Handoff == nil || ev.Handoff.Target != funds {
		t.Fatalf("unexpected event %#v", ev)
	}
}

func TestHandleTurnSerializesSameConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.agents[coordinator].responses = []contractx.SpecialistResponse{say(coordinator, "ok")}
	f.agents[coordinator].repeat = true

	const turns = 8
	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orch.HandleTurn(context.Background(), turn("c1", fmt.Sprintf("msg %d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("HandleTurn() error = %v", err)
		}
	}

	conv := f.load(t, "c1")
	if len(conv.Messages) != 2*turns {
		t.Fatalf("persisted %d messages, want %d", len(conv.Messages), 2*turns)
	}
	assertGapFree(t, conv)
}

func TestHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, "c1", string(crm), false)

	out, err := f.orch.History(context.Background(), "u1", "fsi_banking")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(out) != 1 || out[0].ConversationID != "c1" || len(out[0].Messages) != 2 {
		t.Fatalf("unexpected history %#v", out)
	}

	if _, err := f.orch.History(context.Background(), "", "banking"); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("History() without user error = %v", err)
	}
}

func TestNewRequiresStoreAndRouters(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil); err == nil {
		t.Fatal("New() without store error = nil")
	}
	if _, err := New(statex.NewMemoryStore(), nil); err == nil {
		t.Fatal("New() without routers error = nil")
	}
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestHandleTurnRecordsTurnSpan(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")
	f := newFixture(t, WithTracer(tracer))
	f.agents[coordinator].responses = []contractx.SpecialistResponse{transfer(coordinator, crm)}
	f.agents[crm].responses = []contractx.SpecialistResponse{say(crm, "Your advisor is Ann.")}

	if _, err := f.orch.HandleTurn(context.Background(), turn("c1", "Who is my advisor?")); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "conversation_turn" {
		t.Fatalf("ended spans = %v", ended)
	}
	span := ended[0]
	if v, _ := spanAttr(span, tracing.AttrConversationID); v.AsString() != "c1" {
		t.Fatalf("%s = %q", tracing.AttrConversationID, v.AsString())
	}
	if v, _ := spanAttr(span, tracing.AttrTurnHandoffs); v.AsString() != string(crm) {
		t.Fatalf("%s = %q", tracing.AttrTurnHandoffs, v.AsString())
	}
	if v, _ := spanAttr(span, tracing.AttrTurnHandoffCount); v.AsInt64() != 1 {
		t.Fatalf("%s = %d", tracing.AttrTurnHandoffCount, v.AsInt64())
	}
	if span.Status().Code == codes.Error {
		t.Fatalf("successful turn has status %+v", span.Status())
	}
}

func TestHandleTurnFailedTurnSpanIsError(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")
	f := newFixture(t, WithTracer(tracer))
	f.agents[coordinator].err = errors.New("model down")

	if _, err := f.orch.HandleTurn(context.Background(), turn("c1", "Hello")); err == nil {
		t.Fatal("expected an error")
	}

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended %d spans, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Fatalf("status = %+v", ended[0].Status())
	}
	if _, ok := spanAttr(ended[0], tracing.AttrTurnHandoffs); ok {
		t.Fatal("failed turn recorded handoffs")
	}
}

func TestHandleTurnHasNoUserMessageCap(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.agents[coordinator].responses = []contractx.SpecialistResponse{say(coordinator, "Noted.")}
	f.agents[coordinator].repeat = true

	for i := 0; i < 12; i++ {
		if _, err := f.orch.HandleTurn(context.Background(), turn("c1", fmt.Sprintf("message %d", i))); err != nil {
			t.Fatalf("turn %d error = %v", i, err)
		}
	}
	if got := len(f.load(t, "c1").Messages); got != 24 {
		t.Fatalf("persisted %d messages, want 24", got)
	}
}
