package runtime

import (
	"context"

	"github.com/loqalabs/loqa-transcribe/internal/transcribe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the decode instruments exported at /metrics.
type Metrics struct {
	windows        metric.Int64Counter
	fallbacks      metric.Int64Counter
	windowDuration metric.Float64Histogram
	confirmedWords metric.Int64Counter
	batchItems     metric.Int64Counter
	werScore       metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.windows, err = meter.Int64Counter("decode.windows",
		metric.WithDescription("Windows decoded")); err != nil {
		return nil, err
	}
	if m.fallbacks, err = meter.Int64Counter("decode.fallbacks",
		metric.WithDescription("Temperature fallbacks by verdict reason")); err != nil {
		return nil, err
	}
	if m.windowDuration, err = meter.Float64Histogram("decode.window.duration",
		metric.WithDescription("Decode time per window"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.confirmedWords, err = meter.Int64Counter("stream.confirmed_words",
		metric.WithDescription("Words confirmed by streaming sessions")); err != nil {
		return nil, err
	}
	if m.batchItems, err = meter.Int64Counter("batch.items",
		metric.WithDescription("Batch items finished by status")); err != nil {
		return nil, err
	}
	if m.werScore, err = meter.Float64Histogram("wer.score",
		metric.WithDescription("Word error rate of batch items with a reference")); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterGauges exposes live counts through observable gauges.
func (m *Metrics) RegisterGauges(meter metric.Meter, sessions func() int64) error {
	gauge, err := meter.Int64ObservableGauge("stream.sessions", metric.WithDescription("Open streaming sessions"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, sessions())
		return nil
	}, gauge)
	return err
}

// ObserveWindow records one pipeline window. Skipped windows are not counted.
func (m *Metrics) ObserveWindow(ctx context.Context, r transcribe.WindowReport) {
	if m == nil || r.Skipped {
		return
	}
	m.windows.Add(ctx, 1)
	m.windowDuration.Record(ctx, float64(r.Duration.Microseconds())/1000)
	if r.FallbackCount > 0 || (r.Fallback != nil && r.Fallback.NeedsFallback) {
		// The verdict is the final attempt's; retries that recovered have none.
		reason := "recovered"
		if r.Fallback != nil {
			reason = r.Fallback.Reason
		}
		m.fallbacks.Add(ctx, int64(max(r.FallbackCount, 1)), metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *Metrics) ObserveConfirmed(ctx context.Context, words int) {
	if m == nil || words == 0 {
		return
	}
	m.confirmedWords.Add(ctx, int64(words))
}

func (m *Metrics) ObserveBatchItem(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.batchItems.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) ObserveWER(ctx context.Context, score float64) {
	if m == nil {
		return
	}
	m.werScore.Record(ctx, score)
}
