//nolint:errcheck // 测试代码中 defer 调用忽略 Shutdown 错误
package xengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/omeyang/xadmit/pkg/admission/xrule"
	"github.com/omeyang/xadmit/pkg/admission/xstore"
)

// counterSum 按名称汇总计数器，match 为空时累加全部数据点
func counterSum(t *testing.T, reader *sdkmetric.ManualReader, name string, match ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, name)
			for _, dp := range sum.DataPoints {
				if hasAll(dp.Attributes, match) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func hasAll(set attribute.Set, match []attribute.KeyValue) bool {
	for _, kv := range match {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

func histogramCount(t *testing.T, reader *sdkmetric.ManualReader, name string) uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var n uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if h, ok := m.Data.(metricdata.Histogram[float64]); ok && m.Name == name {
				for _, dp := range h.DataPoints {
					n += dp.Count
				}
			}
		}
	}
	return n
}

func TestNewMetrics_NilProvider(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// nil 接收者是空操作
	m.recordDecision(context.Background(), Request{}, Decision{}, nil, time.Millisecond)
	m.recordFallback(context.Background(), FailOpen, "timeout")
	m.recordDropped(context.Background(), "clean")
}

func TestMetrics_Decisions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider)
	require.NoError(t, err)

	ctx := context.Background()
	e := newEngine(t, []xrule.Rule{userRule("u", xrule.PerMinute, 2)}, xstore.NewMemory(), WithMetrics(m))
	for range 5 {
		_, err := e.CheckLimit(ctx, xrule.ScopeUser, "jane", xrule.ResourceAPI)
		require.NoError(t, err)
	}
	_, err = e.CheckLimit(ctx, xrule.ScopeIP, "198.51.100.1", xrule.ResourceAPI)
	require.Error(t, err)

	assert.Equal(t, int64(5), counterSum(t, reader, metricDecisionsTotal))
	assert.Equal(t, int64(2), counterSum(t, reader, metricDecisionsTotal, attribute.Bool("allowed", true)))
	assert.Equal(t, int64(3), counterSum(t, reader, metricDeniedTotal,
		attribute.String("reason", string(ReasonRateExceeded)), attribute.String("scope", "user")))
	assert.Equal(t, uint64(6), histogramCount(t, reader, metricCheckDuration), "config errors still record latency")
}

func TestMetrics_FallbackAndDropped(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider)
	require.NoError(t, err)

	ctx := context.Background()
	e := newEngine(t, []xrule.Rule{userRule("u", xrule.PerMinute, 2)}, downKV{}, WithMetrics(m), WithFailPolicy(FailClosed, time.Second))
	for range 3 {
		_, err := e.CheckLimit(ctx, xrule.ScopeUser, "kim", xrule.ResourceAPI)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), counterSum(t, reader, metricFallbackTotal,
		attribute.String("policy", "closed"), attribute.String("cause", "unavailable")))
	assert.Equal(t, int64(3), counterSum(t, reader, metricDeniedTotal,
		attribute.String("reason", string(ReasonStoreUnavailable))))

	rep := &blockingRep{release: make(chan struct{})}
	e2 := newEngine(t, []xrule.Rule{userRule("u", xrule.PerMinute, 100)}, xstore.NewMemory(),
		WithMetrics(m), WithReputation(rep), WithFeedback(1, 1, time.Second))
	for range 5 {
		_, err := e2.CheckLimit(ctx, xrule.ScopeUser, "lee", xrule.ResourceAPI)
		require.NoError(t, err)
	}
	close(rep.release)
	require.NoError(t, e2.Close())
	assert.Equal(t, int64(e2.Dropped()), counterSum(t, reader, metricFeedbackDroppedTotal, attribute.String("kind", "clean")))
	assert.GreaterOrEqual(t, e2.Dropped(), uint64(3))
}
