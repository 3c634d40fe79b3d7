package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	rec := tracetest.NewSpanRecorder()
	return rec, NewProvider(nil, sdktrace.WithSpanProcessor(rec))
}

func attr(span sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestSetup_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{}
	c.applyDefaults()
	if c.ServiceName != "patientflow-server" {
		t.Errorf("expected default service name, got %q", c.ServiceName)
	}
	if c.Environment != "development" {
		t.Errorf("expected development, got %q", c.Environment)
	}
}

func TestTracingMiddleware_CreatesSpan(t *testing.T) {
	rec, tp := newRecorder()
	defer tp.Shutdown(context.Background())

	e := echo.New()
	e.Use(TracingMiddleware(tp))
	e.GET("/api/v1/queue/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/123", nil)
	e.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "HTTP GET /api/v1/queue/:id" {
		t.Errorf("unexpected span name %q", spans[0].Name())
	}
	if got := attr(spans[0], "http.route"); got != "/api/v1/queue/:id" {
		t.Errorf("expected route attribute, got %q", got)
	}
	if got := attr(spans[0], "http.status_code"); got != "200" {
		t.Errorf("expected status 200, got %q", got)
	}
}

func TestTracingMiddleware_ErrorStatus(t *testing.T) {
	rec, tp := newRecorder()
	defer tp.Shutdown(context.Background())

	e := echo.New()
	e.Use(TracingMiddleware(tp))
	e.GET("/boom", func(c echo.Context) error {
		return errors.New("boom")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status().Code)
	}
	if got := attr(spans[0], "http.status_code"); got != "500" {
		t.Errorf("expected status 500, got %q", got)
	}
}

func TestTracingMiddleware_ClientErrorNotMarked(t *testing.T) {
	rec, tp := newRecorder()
	defer tp.Shutdown(context.Background())

	e := echo.New()
	e.Use(TracingMiddleware(tp))
	e.GET("/bad", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "bad")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("4xx must not mark the span as error")
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	rec, tp := newRecorder()
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "sequence.allocate")
	span.SetAttributes(attribute.String("sequence.scope", "invoice"))
	EndSpan(span, errors.New("exhausted"))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected recorded error event")
	}
}
