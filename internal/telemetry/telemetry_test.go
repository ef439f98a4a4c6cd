package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := NewTracerProvider("preforkd", "w0-test", recorder)
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })
	return recorder, tp
}

func TestMiddleware_SpanPerRequest(t *testing.T) {
	recorder, tp := newRecordingTracer(t)

	handler := Middleware(tp.Tracer("dispatcher"))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "ok")
		}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/anything", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	span := spans[0]

	// Span names carry only the method; paths belong to the application.
	if span.Name() != http.MethodGet {
		t.Errorf("expected span named GET, got %q", span.Name())
	}

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["http.status_code"].AsInt64(); got != http.StatusOK {
		t.Errorf("expected status attribute 200, got %d", got)
	}
	if got := attrs["url.path"].AsString(); got != "/anything" {
		t.Errorf("expected path attribute, got %q", got)
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	recorder, tp := newRecordingTracer(t)

	handler := Middleware(tp.Tracer("dispatcher"))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status())
	}
}

func TestMiddleware_NilTracerPassesThrough(t *testing.T) {
	called := false
	handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("handler not reached with nil tracer")
	}
}
