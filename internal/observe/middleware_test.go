package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareHarness struct {
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	handler http.Handler
	seen    string // trace id observed by the last handled request
}

func newMiddlewareHarness(t *testing.T) *middlewareHarness {
	t.Helper()
	h := &middlewareHarness{
		reader: sdkmetric.NewManualReader(),
		spans:  tracetest.NewInMemoryExporter(),
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(h.spans))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.seen = TraceID(r.Context())
		if r.PathValue("id") == "missing" {
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /healthz", func(http.ResponseWriter, *http.Request) {})
	h.handler = Middleware(m, mux)
	return h
}

func (h *middlewareHarness) get(path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	h := newMiddlewareHarness(t)
	for _, p := range []string{"/calls/a", "/calls/b", "/calls/missing", "/nope"} {
		h.get(p, nil)
	}

	var names []string
	for _, s := range h.spans.GetSpans() {
		names = append(names, s.Name)
	}
	want := []string{"GET /calls/{id}", "GET /calls/{id}", "GET /calls/{id}", "GET unmatched"}
	if len(names) != len(want) {
		t.Fatalf("spans = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("span %d = %q, want %q", i, names[i], want[i])
		}
	}

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	met := findMetric(rm, "voxline.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	counts := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		counts[route.AsString()+" "+status.Emit()] += dp.Count
	}
	wantCounts := map[string]uint64{
		"GET /calls/{id} 200": 2,
		"GET /calls/{id} 404": 1,
		"unmatched 404":       1,
	}
	for k, n := range wantCounts {
		if counts[k] != n {
			t.Errorf("count[%s] = %d, want %d (all: %v)", k, counts[k], n, counts)
		}
	}
}

func TestMiddleware_TraceHeader(t *testing.T) {
	const parent = "4bf92f3577b34da6a3ce929d0e0e4736"
	tests := []struct {
		name   string
		header http.Header
		want   string
	}{
		{name: "new trace"},
		{
			name:   "continues traceparent",
			header: http.Header{"Traceparent": {"00-" + parent + "-00f067aa0ba902b7-01"}},
			want:   parent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newMiddlewareHarness(t)
			rec := h.get("/calls/x", tt.header)

			got := rec.Header().Get(TraceHeader)
			if len(got) != 32 || got != h.seen {
				t.Errorf("%s = %q, handler saw %q", TraceHeader, got, h.seen)
			}
			if tt.want != "" && got != tt.want {
				t.Errorf("trace id = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddleware_StatusOnSpan(t *testing.T) {
	h := newMiddlewareHarness(t)
	h.get("/calls/missing", nil)

	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			if a.Value.AsInt64() != http.StatusNotFound {
				t.Errorf("status attribute = %d", a.Value.AsInt64())
			}
			return
		}
	}
	t.Error("span lacks http.response.status_code")
}

func TestStatusWriter_Hijack(t *testing.T) {
	// ResponseRecorder cannot hijack; the wrapper must say so, not panic.
	w := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	var hj http.Hijacker = w
	if _, _, err := hj.Hijack(); err == nil {
		t.Error("Hijack() on a recorder returned nil error")
	}
	if w.status != http.StatusOK {
		t.Errorf("status = %d after failed hijack", w.status)
	}
}

func TestSpanName(t *testing.T) {
	tests := []struct{ method, route, want string }{
		{"GET", "GET /ws", "GET /ws"},
		{"GET", "unmatched", "GET unmatched"},
		{"POST", "/upload", "POST /upload"},
	}
	for _, tt := range tests {
		if got := spanName(tt.method, tt.route); got != tt.want {
			t.Errorf("spanName(%q, %q) = %q, want %q", tt.method, tt.route, got, tt.want)
		}
	}
}
