// Package tracer records OpenTelemetry spans for gateway handshakes and RPC
// requests. Spans are written to a file or to stderr; stdout belongs to chat
// output.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"openclawchat/internal/domain"
	"openclawchat/internal/infra/config"
)

const (
	scopeName          = "openclawchat/gateway"
	defaultServiceName = "openclaw-chat"
)

// Span names.
const (
	SpanConnect = "gateway.connect"
	SpanRequest = "gateway.request"
)

// Shutdown flushes buffered spans and releases the span sink.
type Shutdown func(context.Context) error

// Setup installs the global tracer provider described by cfg. Disabled
// tracing and the "noop" exporter install a provider that records nothing.
// The "stdout" exporter writes JSON spans to cfg.Endpoint when set, else to
// stderr.
func Setup(ctx context.Context, cfg config.TracerConfig) (Shutdown, error) {
	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if cfg.Exporter != "stdout" {
		return nil, fmt.Errorf("%w: tracer exporter %q", domain.ErrInvalidInput, cfg.Exporter)
	}

	w, closeSink, err := spanSink(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		closeSink()
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(serviceResource(cfg.ServiceName)),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), closeSink())
	}, nil
}

func spanSink(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stderr, func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, domain.NewDomainError("tracer.Setup", domain.ErrStorage, err.Error())
	}
	return f, f.Close, nil
}

func serviceResource(name string) *resource.Resource {
	if name == "" {
		name = defaultServiceName
	}
	return resource.NewSchemaless(attribute.String("service.name", name))
}

// StartConnect opens the span covering one dial and handshake with url.
func StartConnect(ctx context.Context, url string) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, SpanConnect,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("gateway.url", url)))
}

// Connected annotates a connect span with what the hello negotiated.
func Connected(span trace.Span, hello *domain.HelloOK) {
	span.SetAttributes(
		attribute.String("gateway.conn_id", hello.Server.ConnID),
		attribute.String("gateway.server_version", hello.Server.Version),
		attribute.Int("gateway.protocol", hello.Protocol),
		attribute.Int64("gateway.max_payload", hello.Policy.MaxPayload),
	)
}

// StartRequest opens the span covering one RPC round trip.
func StartRequest(ctx context.Context, method string) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, SpanRequest,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.method", method)))
}

// End sets the span status from err and ends it. Failures also carry the
// domain error code.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("openclaw.error_code", string(domain.ErrorCodeOf(err))))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
