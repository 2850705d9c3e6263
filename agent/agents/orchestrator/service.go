package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	nodex "github.com/tanpawarit/moneta-advisor/agent/nodes/orchestrator"
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
	"github.com/tanpawarit/moneta-advisor/pkg/tracing"
)

const defaultMaxToolCalls = 8

var (
	ErrInvalidMessage = nodex.ErrInvalidMessage
	ErrInvalidUser    = nodex.ErrInvalidUser
	ErrInvalidUseCase = nodex.ErrInvalidUseCase
)

// Router is the handoff router of one use case.
type Router = nodex.TurnRouter

type TurnRequest struct {
	UserID         string
	ConversationID string
	Message        string
	UseCase        string
	DeepResearch   bool
}

type ReplyMessage struct {
	Role    statex.Role `json:"role"`
	Content string      `json:"content"`
	Author  string      `json:"author,omitempty"`
}

type TurnResponse struct {
	ConversationID string            `json:"conversation_id"`
	ActiveAgent    contractx.AgentID `json:"active_agent"`
	Reply          []ReplyMessage    `json:"reply"`
}

type Option func(*Orchestrator)

// WithLocker serializes turns per conversation. The default is an in-process keyed mutex.
func WithLocker(locker statex.Locker) Option {
	return func(o *Orchestrator) {
		if locker != nil {
			o.locker = locker
		}
	}
}

func WithPublisher(publisher contractx.TurnPublisher) Option {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

// WithMaxToolCalls caps the tool calls of one turn across every agent it visits.
func WithMaxToolCalls(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxToolCalls = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTracer sets the tracer of the turn span. The default is the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// Orchestrator runs one turn as Loading, Routing, Executing and Persisting.
// A turn either saves everything it produced or nothing.
type Orchestrator struct {
	store     statex.Store
	routers   map[statex.UseCase]Router
	locker    statex.Locker
	publisher contractx.TurnPublisher

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	maxToolCalls int
	now          func() time.Time
	newID        func() string
	logger       zerolog.Logger
	tracer       trace.Tracer
}

func New(store statex.Store, routers map[statex.UseCase]Router, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("conversation store is required")
	}
	if len(routers) == 0 {
		return nil, errors.New("at least one agent set is required")
	}
	for useCase, r := range routers {
		if r == nil {
			return nil, fmt.Errorf("router for %s is nil", useCase)
		}
	}

	o := &Orchestrator{
		store:        store,
		routers:      routers,
		locker:       statex.NewKeyedMutex(),
		maxToolCalls: defaultMaxToolCalls,
		now:          time.Now,
		newID:        uuid.NewString,
		logger:       log.With().Str("component", "orchestrator").Logger(),
		tracer:       tracing.Tracer("github.com/tanpawarit/moneta-advisor/agent/agents/orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	graphRunner, err := o.compileHandleTurnGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

func (o *Orchestrator) serves(useCase statex.UseCase) bool {
	_, ok := o.routers[useCase]
	return ok
}

// HandleTurn processes one user message. The reply holds only the messages
// produced by this turn, in the order they were produced.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		req.ConversationID = o.newID()
	}
	logger := o.logger.With().
		Str("conversation_id", req.ConversationID).
		Str("user_id", req.UserID).
		Str("use_case", req.UseCase).
		Logger()

	ctx, span := o.tracer.Start(ctx, "conversation_turn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(tracing.AttrOperationName, "invoke_workflow"),
			attribute.String(tracing.AttrConversationID, req.ConversationID),
			attribute.String("turn.use_case", req.UseCase),
			attribute.Bool("turn.deep_research", req.DeepResearch),
		),
	)
	defer span.End()

	release, err := o.locker.Lock(ctx, lockKey(req))
	if err != nil {
		err = fmt.Errorf("%w: lock conversation %s: %v", contractx.ErrStorageUnavailable, req.ConversationID, err)
		tracing.Fail(span, err)
		return TurnResponse{}, err
	}
	defer release()

	start := o.now()
	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		UseCase:        req.UseCase,
		DeepResearch:   req.DeepResearch,
	})
	if err != nil {
		logger.Warn().
			Err(err).
			Str("kind", string(contractx.KindOf(err))).
			Bool("retryable", contractx.Retryable(err)).
			Msg("turn failed")
		tracing.Fail(span, err)
		return TurnResponse{}, err
	}

	resp := TurnResponse{
		ConversationID: out.ConversationID,
		ActiveAgent:    out.ActiveAgent,
		Reply:          make([]ReplyMessage, 0, len(out.Reply)),
	}
	for _, m := range out.Reply {
		resp.Reply = append(resp.Reply, ReplyMessage{Role: m.Role, Content: m.Content, Author: m.Author})
	}
	span.SetAttributes(attribute.String("turn.active_agent", out.ActiveAgent.String()))
	if len(out.Handoffs) > 0 {
		targets := make([]string, 0, len(out.Handoffs))
		for _, h := range out.Handoffs {
			targets = append(targets, h.String())
		}
		span.SetAttributes(
			attribute.String(tracing.AttrTurnHandoffs, strings.Join(targets, ",")),
			attribute.Int(tracing.AttrTurnHandoffCount, len(targets)),
		)
	}
	logger.Info().
		Str("active_agent", out.ActiveAgent.String()).
		Int("produced", len(out.Reply)).
		Dur("duration", o.now().Sub(start)).
		Msg("turn completed")
	return resp, nil
}

func lockKey(req TurnRequest) string {
	useCase, err := statex.ParseUseCase(req.UseCase)
	if err != nil {
		useCase = statex.UseCase(req.UseCase)
	}
	return statex.LockKey(useCase, strings.TrimSpace(req.UserID), strings.TrimSpace(req.ConversationID))
}

// History lists the stored conversations of a user, newest first.
func (o *Orchestrator) History(ctx context.Context, userID, useCase string) ([]statex.Summary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}
	uc, err := statex.ParseUseCase(useCase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUseCase, err)
	}
	out, err := o.store.List(ctx, userID, uc)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", contractx.ErrStorageUnavailable, err)
	}
	return out, nil
}
