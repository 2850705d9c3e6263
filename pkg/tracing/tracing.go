package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// GenAI semantic convention keys plus the turn attributes of a workflow run.
const (
	AttrOperationName    = "gen_ai.operation.name"
	AttrConversationID   = "gen_ai.conversation.id"
	AttrAgentID          = "gen_ai.agent.id"
	AttrToolName         = "gen_ai.tool.name"
	AttrToolCallID       = "gen_ai.tool.call.id"
	AttrTurnHandoffs     = "turn.handoffs"
	AttrTurnHandoffCount = "turn.handoff_count"
)

type Config struct {
	Exporter    string  `split_words:"true" default:"none"`
	Endpoint    string  `split_words:"true" default:"localhost:4317"`
	Insecure    bool    `split_words:"true" default:"false"`
	ServiceName string  `split_words:"true" default:"moneta-advisor"`
	SampleRatio float64 `split_words:"true" default:"1"`
}

// Init installs the global tracer provider. With the none exporter the global
// provider stays the OpenTelemetry no-op and shutdown does nothing.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	return initWithWriter(ctx, cfg, os.Stderr)
}

func initWithWriter(ctx context.Context, cfg Config, w io.Writer) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	exporter, err := newExporter(ctx, cfg, w)
	if err != nil {
		return nil, err
	}
	if exporter == nil {
		return noop, nil
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "moneta-advisor"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Info().
		Str("exporter", cfg.Exporter).
		Str("endpoint", cfg.Endpoint).
		Float64("sample_ratio", ratio).
		Str("service_name", serviceName).
		Msg("tracing enabled")
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config, w io.Writer) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		return exporter, nil
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create OTLP trace exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Fail marks the span as failed with err.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
