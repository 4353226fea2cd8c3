package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// keptSpans survives provider shutdown so flushed spans can be inspected.
type keptSpans struct{ *tracetest.InMemoryExporter }

func (keptSpans) Shutdown(context.Context) error { return nil }

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestSetup_ServesSessionMetrics(t *testing.T) {
	t.Parallel()
	tel, err := Setup(TelemetryConfig{ServiceName: "voicegate-test", InstanceID: "gw-1"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	ctx := context.Background()
	tel.Metrics.SessionsAdmitted.Add(ctx, 2, metric.WithAttributes(Attr("provider", "openai")))
	tel.Metrics.RecordFailover(ctx, "openai", "gemini", "switched")

	body := scrape(t, tel.Handler())
	for _, want := range []string{
		"voicegate_sessions_admitted",
		`provider="openai"`,
		"voicegate_provider_failovers",
		`service_name="voicegate-test"`,
		`service_instance_id="gw-1"`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestSetup_RegistriesAreIndependent(t *testing.T) {
	t.Parallel()
	a, err := Setup(TelemetryConfig{InstanceID: "gw-a"})
	if err != nil {
		t.Fatalf("Setup a: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	b, err := Setup(TelemetryConfig{InstanceID: "gw-b"})
	if err != nil {
		t.Fatalf("Setup b: %v", err)
	}
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	a.Metrics.RateLimitNotices.Add(context.Background(), 1)

	if !strings.Contains(scrape(t, a.Handler()), "voicegate_ratelimit_notices") {
		t.Error("gw-a exposition missing its own counter")
	}
	if strings.Contains(scrape(t, b.Handler()), "voicegate_ratelimit_notices") {
		t.Error("gw-b exposition shows gw-a's counter")
	}
}

func TestTelemetry_ShutdownFlushesSpans(t *testing.T) {
	exp := keptSpans{tracetest.NewInMemoryExporter()}
	tel, err := Setup(TelemetryConfig{TraceExporter: exp})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	tel.Install()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	_, span := StartSpan(WithSocket(context.Background(), "sock-1"), "orchestrator.teardown")
	span.End()

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "orchestrator.teardown" {
		t.Fatalf("exported spans = %v", spans)
	}
	if got, _ := spanAttr(spans[0], string(SocketIDKey)); got != "sock-1" {
		t.Errorf("socket attribute = %q, want sock-1", got)
	}
}
