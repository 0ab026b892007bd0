package xengine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/omeyang/xadmit/xengine"

	metricDecisionsTotal       = "xadmit.decisions.total"
	metricDeniedTotal          = "xadmit.denied.total"
	metricFallbackTotal        = "xadmit.fallback.total"
	metricCheckDuration        = "xadmit.check.duration"
	metricFeedbackDroppedTotal = "xadmit.feedback.dropped.total"
)

// Metrics 判定指标。nil *Metrics 的所有方法都是空操作。
type Metrics struct {
	decisions metric.Int64Counter
	denied    metric.Int64Counter
	fallback  metric.Int64Counter
	duration  metric.Float64Histogram
	dropped   metric.Int64Counter
}

// NewMetrics 创建指标收集器；meterProvider 为 nil 时返回 nil（不收集）
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	if meterProvider == nil {
		return nil, nil
	}
	meter := meterProvider.Meter(instrumentationName)

	decisions, err := meter.Int64Counter(metricDecisionsTotal,
		metric.WithDescription("准入判定总数"), metric.WithUnit("{decision}"))
	if err != nil {
		return nil, err
	}
	denied, err := meter.Int64Counter(metricDeniedTotal,
		metric.WithDescription("被拒绝的请求数"), metric.WithUnit("{decision}"))
	if err != nil {
		return nil, err
	}
	fallback, err := meter.Int64Counter(metricFallbackTotal,
		metric.WithDescription("存储不可用时按失败策略处理的次数"), metric.WithUnit("{fallback}"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(metricCheckDuration,
		metric.WithDescription("判定耗时"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1),
	)
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter(metricFeedbackDroppedTotal,
		metric.WithDescription("反馈队列满时丢弃的条目数"), metric.WithUnit("{item}"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		decisions: decisions,
		denied:    denied,
		fallback:  fallback,
		duration:  duration,
		dropped:   dropped,
	}, nil
}

// recordDecision 记录一次判定；err 非 nil（配置错误、已关闭）时只记耗时
func (m *Metrics) recordDecision(ctx context.Context, req Request, dec Decision, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	// 调用方取消 ctx 后指标仍要记录
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(
		attribute.String("scope", req.Scope.String()),
		attribute.String("resource", req.Resource.String()),
	)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		return
	}
	withReason := metric.WithAttributes(
		attribute.String("scope", req.Scope.String()),
		attribute.String("resource", req.Resource.String()),
		attribute.Bool("allowed", dec.Allowed),
		attribute.String("reason", string(dec.Reason)),
	)
	m.decisions.Add(ctx, 1, withReason)
	if !dec.Allowed {
		m.denied.Add(ctx, 1, withReason)
	}
}

func (m *Metrics) recordFallback(ctx context.Context, policy FailPolicy, cause string) {
	if m == nil {
		return
	}
	m.fallback.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("policy", string(policy)),
		attribute.String("cause", cause),
	))
}

func (m *Metrics) recordDropped(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.dropped.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("kind", kind)))
}
