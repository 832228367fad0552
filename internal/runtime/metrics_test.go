package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/decoding"
	"github.com/loqalabs/loqa-transcribe/internal/transcribe"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumByAttr(t *testing.T, data metricdata.Aggregation, key string) map[string]int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected int64 sum, got %T", data)
	}
	out := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestMetricsRecordDecodeActivity(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")
	m, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.RegisterGauges(meter, func() int64 { return 3 }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	m.ObserveWindow(ctx, transcribe.WindowReport{Duration: 40 * time.Millisecond})
	m.ObserveWindow(ctx, transcribe.WindowReport{
		Duration:      80 * time.Millisecond,
		FallbackCount: 2,
		Fallback:      &decoding.Fallback{Reason: decoding.ReasonCompressionRatio, NeedsFallback: true},
	})
	m.ObserveWindow(ctx, transcribe.WindowReport{Skipped: true})
	m.ObserveConfirmed(ctx, 4)
	m.ObserveBatchItem(ctx, "ok")
	m.ObserveBatchItem(ctx, "failed")
	m.ObserveBatchItem(ctx, "ok")
	m.ObserveWER(ctx, 0.25)

	data := collect(t, reader)
	if got := sumByAttr(t, data["decode.windows"], "none"); got[""] != 2 {
		t.Fatalf("expected 2 windows, got %v", got)
	}
	if got := sumByAttr(t, data["decode.fallbacks"], "reason"); got[decoding.ReasonCompressionRatio] != 2 {
		t.Fatalf("unexpected fallbacks %v", got)
	}
	if got := sumByAttr(t, data["batch.items"], "status"); got["ok"] != 2 || got["failed"] != 1 {
		t.Fatalf("unexpected batch items %v", got)
	}
	if got := sumByAttr(t, data["stream.confirmed_words"], "none"); got[""] != 4 {
		t.Fatalf("unexpected confirmed words %v", got)
	}
	hist, ok := data["decode.window.duration"].(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 || hist.DataPoints[0].Sum != 120 {
		t.Fatalf("unexpected duration histogram %+v", data["decode.window.duration"])
	}
	gauge, ok := data["stream.sessions"].(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 3 {
		t.Fatalf("unexpected sessions gauge %+v", data["stream.sessions"])
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveWindow(context.Background(), transcribe.WindowReport{})
	m.ObserveConfirmed(context.Background(), 1)
	m.ObserveBatchItem(context.Background(), "ok")
	m.ObserveWER(context.Background(), 1)
}
