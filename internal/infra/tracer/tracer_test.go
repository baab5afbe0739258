package tracer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"openclawchat/internal/domain"
	"openclawchat/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	for _, cfg := range []config.TracerConfig{
		{Enabled: false, Exporter: "stdout"},
		{Enabled: true, Exporter: "noop"},
		{Enabled: true},
	} {
		shutdown, err := Setup(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Setup(%+v): %v", cfg, err)
		}
		if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
			t.Errorf("Setup(%+v): expected noop provider, got %T", cfg, otel.GetTracerProvider())
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}
}

func TestSetupWritesSpansToEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.json")
	cfg := config.TracerConfig{Enabled: true, Exporter: "stdout", Endpoint: path, ServiceName: "chat-test"}
	shutdown, err := Setup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected sdk provider, got %T", otel.GetTracerProvider())
	}

	_, span := StartRequest(context.Background(), "chat.history")
	End(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read spans: %v", err)
	}
	for _, want := range []string{SpanRequest, "chat.history", "chat-test"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("span output missing %q", want)
		}
	}
}

func TestSetupUnwritableEndpoint(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.TracerConfig{Enabled: true, Exporter: "stdout", Endpoint: filepath.Join(blocker, "spans.json")}
	_, err := Setup(context.Background(), cfg)
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestServiceResource(t *testing.T) {
	for name, want := range map[string]string{"": defaultServiceName, "custom": "custom"} {
		res := serviceResource(name)
		v, ok := res.Set().Value("service.name")
		if !ok || v.AsString() != want {
			t.Errorf("serviceResource(%q) service.name = %q, want %q", name, v.AsString(), want)
		}
	}
}

func attr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestGatewaySpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	_, connect := StartConnect(context.Background(), "ws://gw:18789")
	Connected(connect, &domain.HelloOK{
		Protocol: 3,
		Server:   domain.ServerInfo{Version: "1.2.0", ConnID: "conn-1"},
		Policy:   domain.GatewayPolicy{MaxPayload: 1 << 20},
	})
	End(connect, nil)

	_, req := StartRequest(context.Background(), "chat.send")
	End(req, domain.NewDomainError("Client.Request", domain.ErrTimeout, "chat.send"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}

	c := spans[0]
	if c.Name() != SpanConnect || c.Status().Code != codes.Ok || c.SpanKind() != trace.SpanKindClient {
		t.Errorf("connect span = %s %v %v", c.Name(), c.Status(), c.SpanKind())
	}
	if c.InstrumentationScope().Name != scopeName {
		t.Errorf("scope = %q, want %q", c.InstrumentationScope().Name, scopeName)
	}
	for key, want := range map[string]string{"gateway.url": "ws://gw:18789", "gateway.conn_id": "conn-1", "gateway.server_version": "1.2.0"} {
		if v, ok := attr(c.Attributes(), key); !ok || v.AsString() != want {
			t.Errorf("connect %s = %q, want %q", key, v.AsString(), want)
		}
	}
	if v, _ := attr(c.Attributes(), "gateway.protocol"); v.AsInt64() != 3 {
		t.Errorf("connect gateway.protocol = %d", v.AsInt64())
	}
	if v, _ := attr(c.Attributes(), "gateway.max_payload"); v.AsInt64() != 1<<20 {
		t.Errorf("connect gateway.max_payload = %d", v.AsInt64())
	}

	r := spans[1]
	if r.Name() != SpanRequest || r.Status().Code != codes.Error {
		t.Errorf("request span = %s %v", r.Name(), r.Status())
	}
	if v, _ := attr(r.Attributes(), "rpc.method"); v.AsString() != "chat.send" {
		t.Errorf("rpc.method = %q", v.AsString())
	}
	if v, _ := attr(r.Attributes(), "openclaw.error_code"); v.AsString() != string(domain.CodeTimeout) {
		t.Errorf("openclaw.error_code = %q, want %q", v.AsString(), domain.CodeTimeout)
	}
	if len(r.Events()) != 1 {
		t.Errorf("request span events = %d, want 1 exception event", len(r.Events()))
	}
}
