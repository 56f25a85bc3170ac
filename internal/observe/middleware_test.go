package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// opsHandler is a stand-in for the real mux: health probes succeed, the
// scrape endpoint succeeds, everything else is a 404.
func opsHandler() http.Handler {
	mux := http.NewServeMux()
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	mux.HandleFunc("/healthz", ok)
	mux.HandleFunc("/readyz", ok)
	mux.HandleFunc("/metrics", ok)
	return mux
}

// newMiddleware builds the middleware over in-memory metric and span
// exporters.
func newMiddleware(t *testing.T) (func(http.Handler) http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return Middleware(m), reader, exp
}

// captureLogs routes the default logger into a buffer at the given level
// for the duration of the test.
func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	mw, _, _ := newMiddleware(t)
	captureLogs(t, slog.LevelInfo)

	var inCtx string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inCtx = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	if inCtx == "" || len(inCtx) != 32 {
		t.Fatalf("correlation ID in handler context = %q, want 32 hex chars", inCtx)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inCtx {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inCtx)
	}
}

func TestMiddleware_SpanPerRequest(t *testing.T) {
	mw, _, exp := newMiddleware(t)
	captureLogs(t, slog.LevelInfo)

	rec := httptest.NewRecorder()
	mw(opsHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "GET /readyz" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "GET /readyz")
	}
	var status int64 = -1
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusOK {
		t.Errorf("span status attribute = %d, want %d", status, http.StatusOK)
	}
}

func TestMiddleware_CapturesErrorStatus(t *testing.T) {
	mw, _, exp := newMiddleware(t)
	captureLogs(t, slog.LevelInfo)

	rec := httptest.NewRecorder()
	mw(opsHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/no-such-probe", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("response status = %d, want 404", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == http.StatusNotFound {
			found = true
		}
	}
	if !found {
		t.Error("span missing the 404 status attribute")
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	mw, reader, _ := newMiddleware(t)
	captureLogs(t, slog.LevelInfo)

	rec := httptest.NewRecorder()
	mw(opsHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "trunkline.http.request.duration")
	if met == nil {
		t.Fatal("trunkline.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("metric data = %T with no points", met.Data)
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	var method, path string
	for _, kv := range dp.Attributes.ToSlice() {
		switch string(kv.Key) {
		case "method":
			method = kv.Value.AsString()
		case "path":
			path = kv.Value.AsString()
		}
	}
	if method != "GET" || path != "/metrics" {
		t.Errorf("attributes method=%q path=%q, want GET /metrics", method, path)
	}
}

func TestMiddleware_ScrapesLogQuietly(t *testing.T) {
	mw, _, _ := newMiddleware(t)
	buf := captureLogs(t, slog.LevelInfo)
	handler := mw(opsHandler())

	// A successful scrape completes at debug and stays out of an
	// info-level log.
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(buf.String(), "http request") {
		t.Errorf("successful scrape logged at info: %s", buf.String())
	}

	// A 404 on a probe path is worth seeing.
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/no-such-probe", nil))
	logged := buf.String()
	if !strings.Contains(logged, "http request") || !strings.Contains(logged, "status=404") {
		t.Errorf("404 not logged at info: %s", logged)
	}
}

func TestMiddleware_PropagatesTraceContext(t *testing.T) {
	mw, _, _ := newMiddleware(t)
	captureLogs(t, slog.LevelInfo)

	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"

	var inCtx string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inCtx = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if inCtx != upstream {
		t.Errorf("correlation ID = %q, want the upstream trace ID %q", inCtx, upstream)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want %q", got, upstream)
	}
}
