package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRequestMetricsLogProducesObservabilityEvent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newRequestMetrics(context.Background(), logger, http.MethodGet, "/tasks")
	metrics.start = metrics.start.Add(-50 * time.Millisecond)
	metrics.ObserveAuth(10 * time.Millisecond)

	metrics.Log(http.StatusOK, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Message != observabilityEvent {
		t.Fatalf("unexpected message: %s", entry.Message)
	}
	if entry.Level != log.InfoLevel {
		t.Fatalf("unexpected level: %v", entry.Level)
	}
	if got := entry.Data["event.name"]; got != requestEventName {
		t.Fatalf("unexpected event name: %v", got)
	}
	if got := entry.Data["event.domain"]; got != requestEventDomain {
		t.Fatalf("unexpected event domain: %v", got)
	}
	attrsVal, ok := entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes not logged as map: %#v", entry.Data["attributes"])
	}
	if attrsVal["http.route"] != "/tasks" {
		t.Fatalf("unexpected route attribute: %#v", attrsVal["http.route"])
	}
	if ms, _ := attrsVal["taskboard.total_ms"].(float64); ms < 50 {
		t.Fatalf("expected total duration of at least 50ms, got %#v", attrsVal["taskboard.total_ms"])
	}
	if ms, _ := attrsVal["taskboard.auth_ms"].(float64); ms != 10 {
		t.Fatalf("unexpected auth duration: %#v", attrsVal["taskboard.auth_ms"])
	}
	if entry.Data["severity_text"] != "INFO" {
		t.Fatalf("unexpected severity text: %v", entry.Data["severity_text"])
	}
	if entry.Data["severity_number"] != 9 {
		t.Fatalf("unexpected severity number: %v", entry.Data["severity_number"])
	}
	if traceID, ok := entry.Data["trace_id"].(string); !ok || traceID == "" {
		t.Fatalf("expected trace_id to be recorded, got %#v", entry.Data["trace_id"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != requestSpanName {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("unexpected span status: %v", span.Status)
	}
	if len(span.Events) != 1 || span.Events[0].Name != observabilityEvent {
		t.Fatalf("expected observability span event, got %#v", span.Events)
	}
	eventAttrs := attributesToMap(span.Events[0].Attributes)
	if eventAttrs["event.name"] != requestEventName {
		t.Fatalf("unexpected span event name attribute: %#v", eventAttrs["event.name"])
	}
}

func TestRequestMetricsLogServerError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newRequestMetrics(context.Background(), logger, http.MethodPost, "/tasks")
	metrics.SetErrorStage("storage")
	metrics.Log(http.StatusInternalServerError, errors.New("disk full"))

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := waitForLogEntry(t, hook, time.Second)
	if entry.Level != log.ErrorLevel {
		t.Fatalf("unexpected level: %v", entry.Level)
	}
	if entry.Data["severity_number"] != 17 {
		t.Fatalf("unexpected severity number: %v", entry.Data["severity_number"])
	}
	attrsVal := entry.Data["attributes"].(map[string]any)
	if attrsVal["taskboard.error_stage"] != "storage" {
		t.Fatalf("unexpected error stage: %#v", attrsVal["taskboard.error_stage"])
	}
	if attrsVal["error.message"] != "disk full" {
		t.Fatalf("unexpected error message: %#v", attrsVal["error.message"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "disk full" {
		t.Fatalf("unexpected span status: %#v", spans[0].Status)
	}
}

func TestSeverityForStatus(t *testing.T) {
	cases := []struct {
		status int
		err    error
		text   string
		number int
	}{
		{http.StatusOK, nil, "INFO", 9},
		{http.StatusCreated, nil, "INFO", 9},
		{http.StatusConflict, nil, "WARN", 13},
		{http.StatusUnauthorized, errors.New("x"), "WARN", 13},
		{http.StatusServiceUnavailable, nil, "ERROR", 17},
		{0, errors.New("x"), "ERROR", 17},
	}
	for _, tc := range cases {
		text, number := severityForStatus(tc.status, tc.err)
		if text != tc.text || number != tc.number {
			t.Fatalf("status %d: got %s/%d, want %s/%d", tc.status, text, number, tc.text, tc.number)
		}
	}
}

func TestRequestMetricsMiddlewareRecordsRouteAndStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()
	_, exporter, restore := setupTestTracer(t)
	defer restore()

	e := echo.New()
	e.Use(RequestMetrics(logger))
	e.GET("/tasks/:id", func(c echo.Context) error {
		if metricsFrom(c) == nil {
			t.Error("expected request metrics on context")
		}
		return errorWithCode(c, "not_found", "task not found")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/abc", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	entry := waitForLogEntry(t, hook, time.Second)
	attrsVal := entry.Data["attributes"].(map[string]any)
	if attrsVal["http.route"] != "/tasks/:id" {
		t.Fatalf("unexpected route: %#v", attrsVal["http.route"])
	}
	if attrsVal["http.status_code"] != int64(http.StatusNotFound) {
		t.Fatalf("unexpected status attribute: %#v", attrsVal["http.status_code"])
	}
	if entry.Level != log.WarnLevel {
		t.Fatalf("unexpected level: %v", entry.Level)
	}
	if len(exporter.GetSpans()) != 1 {
		t.Fatalf("expected 1 span, got %d", len(exporter.GetSpans()))
	}
}

func TestDurationToMillis(t *testing.T) {
	if got := durationToMillis(1500 * time.Microsecond); got != 1.5 {
		t.Fatalf("unexpected millis: %v", got)
	}
	if got := durationToMillis(-time.Second); got != 0 {
		t.Fatalf("expected 0 for negative duration, got %v", got)
	}
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func waitForLogEntry(t *testing.T, hook *test.Hook, timeout time.Duration) *log.Entry {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if entry := hook.LastEntry(); entry != nil {
			return entry
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected log entry within %v", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
