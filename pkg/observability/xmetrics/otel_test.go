package xmetrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestObserver(t *testing.T) (Observer, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	recorder := tracetest.NewSpanRecorder()
	obs, err := NewOTelObserver(
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))),
	)
	require.NoError(t, err)
	return obs, reader, recorder
}

func collectTotal(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != metricOperationTotal {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestOTelObserver_RecordsSpanAndMetrics(t *testing.T) {
	obs, reader, recorder := newTestObserver(t)

	_, span := obs.Start(context.Background(), SpanOptions{
		Component: "xengine",
		Operation: "check_limit",
		Attrs:     []Attr{String("scope", "user"), Int("limit", 10)},
	})
	span.End(Result{Attrs: []Attr{Bool("allowed", true)}})
	// 幂等
	span.End(Result{Err: errors.New("ignored")})

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "check_limit", ended[0].Name())
	assert.Equal(t, int64(1), collectTotal(t, reader))
}

func TestOTelObserver_ErrorStatus(t *testing.T) {
	obs, _, recorder := newTestObserver(t)

	_, span := obs.Start(context.Background(), SpanOptions{Kind: KindClient})
	span.End(Result{Err: errors.New("peer unreachable")})

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, unknownName, ended[0].Name())
	assert.Equal(t, "peer unreachable", ended[0].Status().Description)
}

func TestStart_NilObserver(t *testing.T) {
	//nolint:staticcheck // 验证 nil ctx 兜底
	ctx, span := Start(nil, nil, SpanOptions{})
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End(Result{})
}

func TestResolveStatus(t *testing.T) {
	assert.Equal(t, StatusOK, resolveStatus(Result{}))
	assert.Equal(t, StatusError, resolveStatus(Result{Err: errors.New("x")}))
	assert.Equal(t, StatusOK, resolveStatus(Result{Status: StatusOK, Err: errors.New("x")}))
}
