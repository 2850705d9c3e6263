package tool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	"github.com/tanpawarit/moneta-advisor/pkg/tracing"
)

const defaultToolTimeout = 20 * time.Second

type ExecutorConfig struct {
	Timeout     time.Duration `envconfig:"TOOL_TIMEOUT" split_words:"true" default:"20s"`
	MaxParallel int           `envconfig:"TOOL_MAX_PARALLEL" split_words:"true" default:"4"`
}

type ExecutorOption func(*Executor)

// WithRateLimit throttles one tool across every agent and turn.
func WithRateLimit(toolName string, perSecond float64, burst int) ExecutorOption {
	return func(e *Executor) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiters[toolName] = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// Executor runs tool calls from the registry. Every call gets its own
// timeout and a panic never leaves Execute; failures come back as results.
type Executor struct {
	registry    *Registry
	timeout     time.Duration
	maxParallel int
	limiters    map[string]*rate.Limiter
	logger      zerolog.Logger
	tracer      trace.Tracer
}

var _ contractx.ToolGateway = (*Executor)(nil)

func NewExecutor(registry *Registry, cfg ExecutorConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		timeout:     cfg.Timeout,
		maxParallel: cfg.MaxParallel,
		limiters:    make(map[string]*rate.Limiter),
		logger:      log.With().Str("component", "tool_executor").Logger(),
		tracer:      tracing.Tracer("github.com/tanpawarit/moneta-advisor/agent/tool"),
	}
	if e.timeout <= 0 {
		e.timeout = defaultToolTimeout
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute runs the batch in parallel and returns one result per call, in call order.
func (e *Executor) Execute(ctx context.Context, agent contractx.AgentID, calls []contractx.ToolCall) []contractx.ToolResult {
	results := make([]contractx.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.executeOne(gctx, agent, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) executeOne(ctx context.Context, agent contractx.AgentID, call contractx.ToolCall) contractx.ToolResult {
	result := contractx.ToolResult{CallID: call.ID, Tool: call.Name}
	logger := e.logger.With().
		Str("agent", agent.String()).
		Str("tool", call.Name).
		Str("tool_call_id", call.ID).
		Logger()

	ctx, span := e.tracer.Start(ctx, "execute_tool "+call.Name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(tracing.AttrOperationName, "execute_tool"),
			attribute.String(tracing.AttrToolName, call.Name),
			attribute.String(tracing.AttrToolCallID, call.ID),
			attribute.String(tracing.AttrAgentID, agent.String()),
		),
	)
	defer span.End()

	t, ok := e.registry.Lookup(call.Name)
	if !ok {
		result.Error = fmt.Sprintf("tool %s is not available", call.Name)
		result.Code = string(CodeNotFound)
		logger.Warn().Msg("unknown tool requested")
		span.SetAttributes(attribute.String("tool.error_code", result.Code))
		tracing.Fail(span, errors.New(result.Error))
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	out, err := e.invoke(callCtx, t, call)
	dur := time.Since(start)

	if err != nil {
		result.Error = MessageOf(err)
		result.Code = string(CodeOf(err))
		logger.Warn().Err(err).Str("code", result.Code).Dur("duration", dur).Msg("tool call failed")
		span.SetAttributes(attribute.String("tool.error_code", result.Code))
		tracing.Fail(span, err)
		return result
	}
	result.Output = out
	logger.Debug().Dur("duration", dur).Int("output_bytes", len(out)).Msg("tool call executed")
	return result
}

type invokeResult struct {
	out string
	err error
}

func (e *Executor) invoke(ctx context.Context, t Tool, call contractx.ToolCall) (string, error) {
	if limiter, ok := e.limiters[call.Name]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return "", &Error{Code: CodeTimeout, Message: "rate limit wait exceeded the tool timeout", Err: err}
		}
	}

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().
					Str("tool", call.Name).
					Interface("recover", r).
					Str("stack", string(debug.Stack())).
					Msg("tool panicked")
				done <- invokeResult{err: NewError(CodeExecution, "tool panicked: %v", r)}
			}
		}()
		out, err := t.Invoke(ctx, call.Args)
		done <- invokeResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &Error{Code: CodeTimeout, Message: fmt.Sprintf("tool %s timed out after %s", call.Name, e.timeout), Err: r.err}
		}
		return r.out, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", NewError(CodeTimeout, "tool %s timed out after %s", call.Name, e.timeout)
		}
		return "", &Error{Code: CodeExecution, Message: "tool call cancelled", Err: ctx.Err()}
	}
}
