package metrics

import (
	"context"
	"testing"
	"time"

	"castbot/internal/broadcast"
	logx "castbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "not an int64 sum: %T", agg)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestProviderRecordsBroadcastActivity(t *testing.T) {
	r := sdkmetric.NewManualReader()
	p, err := NewWithReader(Config{ServiceName: "castbot-test"}, r, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	p.Attempt(ctx, broadcast.OutcomeDelivered)
	p.Attempt(ctx, broadcast.OutcomeDelivered)
	p.Attempt(ctx, broadcast.OutcomeThrottled)
	p.ThrottleWait(ctx, 3*time.Second)
	p.JobFinished(ctx, broadcast.Report{Total: 5, Succeeded: 2, Failed: 1, Skipped: 2}, 90*time.Second)

	queued := int64(4)
	require.NoError(t, p.Gauge("castbot.notifier.queued", "queued notifications", func() int64 { return queued }))

	got := collect(t, r)
	assert.Equal(t, int64(3), sumOf(t, got["castbot.broadcast.attempts"]))
	assert.Equal(t, int64(1), sumOf(t, got["castbot.broadcast.jobs"]))
	assert.Equal(t, int64(5), sumOf(t, got["castbot.broadcast.recipients"]))

	h, ok := got["castbot.broadcast.throttle_wait"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, h.DataPoints, 1)
	assert.Equal(t, 3.0, h.DataPoints[0].Sum)

	g, ok := got["castbot.notifier.queued"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, g.DataPoints, 1)
	assert.Equal(t, int64(4), g.DataPoints[0].Value)

	require.NoError(t, p.Shutdown(ctx))
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), Config{}, logx.Nop())
	require.NoError(t, err)
	p.Attempt(context.Background(), broadcast.OutcomePermanent)
	p.JobFinished(context.Background(), broadcast.Report{Succeeded: 1}, time.Second)
	require.NoError(t, p.Gauge("x", "x", func() int64 { return 1 }))
	assert.NoError(t, p.Shutdown(context.Background()))
}
