package xengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go4.org/netipx"

	"github.com/omeyang/xadmit/pkg/admission/xanomaly"
	"github.com/omeyang/xadmit/pkg/admission/xquota"
	"github.com/omeyang/xadmit/pkg/admission/xreputation"
	"github.com/omeyang/xadmit/pkg/admission/xrule"
	"github.com/omeyang/xadmit/pkg/admission/xsink"
	"github.com/omeyang/xadmit/pkg/admission/xthrottle"
	"github.com/omeyang/xadmit/pkg/admission/xwindow"
	"github.com/omeyang/xadmit/pkg/observability/xlog"
	"github.com/omeyang/xadmit/pkg/observability/xmetrics"
)

// RuleResolver 规则解析
type RuleResolver interface {
	Resolve(ctx context.Context, scope xrule.Scope, value string, resource xrule.ResourceType) (xrule.Resolution, error)
}

// Reputation 判定路径读取乘数，反馈 worker 写入违规与正常请求
type Reputation interface {
	Multiplier(ctx context.Context, userID string) (float64, error)
	RecordViolation(ctx context.Context, userID string, severity int, description string) (xreputation.Score, error)
	RecordCleanRequest(ctx context.Context, userID string) (bool, error)
}

// Throttle 全局负载乘数
type Throttle interface {
	GetThrottleMultiplier() float64
}

// ActivityObserver 接收请求活动，供异常检测使用
type ActivityObserver interface {
	Observe(a xanomaly.Activity)
}

var (
	_ RuleResolver     = (*xrule.Store)(nil)
	_ Reputation       = (*xreputation.Manager)(nil)
	_ Throttle         = (*xthrottle.Controller)(nil)
	_ ActivityObserver = (*xanomaly.Detector)(nil)
)

// Option 配置 Engine
type Option func(*Engine)

// WithReputation 设置信誉来源；未设置时乘数恒为 1 且不记录反馈
func WithReputation(r Reputation) Option {
	return func(e *Engine) { e.rep = r }
}

// WithThrottle 设置负载节流；未设置时乘数恒为 1
func WithThrottle(t Throttle) Option {
	return func(e *Engine) { e.throttle = t }
}

// WithActivityObserver 设置活动接收方
func WithActivityObserver(a ActivityObserver) Option {
	return func(e *Engine) { e.activity = a }
}

// WithFailPolicy 设置存储不可用时的策略，retryAfter 为 fail-closed 拒绝时的建议等待
func WithFailPolicy(p FailPolicy, retryAfter time.Duration) Option {
	return func(e *Engine) {
		if p.IsValid() {
			e.policy = p
		}
		if retryAfter > 0 {
			e.failRetry = retryAfter
		}
	}
}

// WithExempt 设置免检 IP 集合
func WithExempt(set *netipx.IPSet) Option {
	return func(e *Engine) { e.exempt = set }
}

// WithFeedback 设置反馈队列长度、worker 数和单条处理超时
func WithFeedback(queue, workers int, timeout time.Duration) Option {
	return func(e *Engine) {
		if queue > 0 {
			e.queueSize = queue
		}
		if workers > 0 {
			e.workers = workers
		}
		if timeout > 0 {
			e.fbTimeout = timeout
		}
	}
}

// WithAlertInterval 两次存储不可用告警的最小间隔，0 表示每次都告警
func WithAlertInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.alertEvery = d
		}
	}
}

// WithNode 设置告警中的节点 ID
func WithNode(node string) Option {
	return func(e *Engine) { e.node = node }
}

// WithSink 设置告警出口
func WithSink(s xsink.Sink) Option {
	return func(e *Engine) { e.sink = xsink.OrNop(s) }
}

// WithLogger 设置日志
func WithLogger(l xlog.Logger) Option {
	return func(e *Engine) { e.logger = xlog.OrNop(l) }
}

// WithObserver 设置追踪
func WithObserver(o xmetrics.Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithMetrics 设置指标
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNow 替换时钟，测试用
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine 准入判定引擎，可并发使用
type Engine struct {
	rules    RuleResolver
	window   *xwindow.Limiter
	quota    *xquota.Tracker
	rep      Reputation
	throttle Throttle
	activity ActivityObserver
	exempt   *netipx.IPSet

	policy      FailPolicy
	failRetry   time.Duration
	alertEvery  time.Duration
	lastAlert   atomic.Int64
	lastRepWarn atomic.Int64
	node        string

	sink     xsink.Sink
	logger   xlog.Logger
	observer xmetrics.Observer
	metrics  *Metrics
	now      func() time.Time

	queueSize int
	workers   int
	fbTimeout time.Duration
	queue     chan feedback
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// New 创建引擎并启动反馈 worker，用完需 Close
func New(rules RuleResolver, window *xwindow.Limiter, quota *xquota.Tracker, opts ...Option) (*Engine, error) {
	if rules == nil || window == nil || quota == nil {
		return nil, fmt.Errorf("%w: rules, window and quota are required", ErrInvalidConfig)
	}
	e := &Engine{
		rules:      rules,
		window:     window,
		quota:      quota,
		policy:     FailOpen,
		failRetry:  time.Second,
		alertEvery: 10 * time.Second,
		sink:       xsink.Nop(),
		logger:     xlog.Nop(),
		observer:   xmetrics.NoopObserver{},
		now:        time.Now,
		queueSize:  4096,
		workers:    4,
		fbTimeout:  2 * time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.queue = make(chan feedback, e.queueSize)
	for range e.workers {
		e.wg.Add(1)
		go e.worker()
	}
	return e, nil
}

// CheckLimit 按作用域判定；user 作用域的 ScopeValue 同时作为信誉归属
func (e *Engine) CheckLimit(ctx context.Context, scope xrule.Scope, scopeValue string, resource xrule.ResourceType) (Decision, error) {
	return e.Check(ctx, Request{Scope: scope, ScopeValue: scopeValue, Resource: resource})
}

// Check 判定一次请求。返回值要么是放行或拒绝的 Decision，
// 要么是配置错误（[ConfigError]）或 [ErrClosed]。
func (e *Engine) Check(ctx context.Context, req Request) (Decision, error) {
	if e.closed.Load() {
		return Decision{}, ErrClosed
	}
	start := time.Now()
	ctx, span := xmetrics.Start(ctx, e.observer, xmetrics.SpanOptions{
		Component: "xengine",
		Operation: "check_limit",
		Attrs: []xmetrics.Attr{
			xmetrics.String("scope", req.Scope.String()),
			xmetrics.String("resource", req.Resource.String()),
		},
	})
	dec, err := e.decide(ctx, req)
	span.End(xmetrics.Result{Err: err, Attrs: []xmetrics.Attr{
		xmetrics.Bool("allowed", dec.Allowed),
		xmetrics.String("reason", string(dec.Reason)),
		xmetrics.Int64("limit", dec.Limit),
	}})
	e.metrics.recordDecision(ctx, req, dec, err, time.Since(start))
	return dec, err
}

// consumed 本次请求已消耗的一条配额
type consumed struct {
	rule  xrule.Rule
	start time.Time
}

func (e *Engine) decide(ctx context.Context, req Request) (Decision, error) {
	res, err := e.rules.Resolve(ctx, req.Scope, req.ScopeValue, req.Resource)
	if err != nil {
		if errors.Is(err, xrule.ErrClosed) {
			return Decision{}, ErrClosed
		}
		return Decision{}, &ConfigError{Scope: req.Scope, ScopeValue: req.ScopeValue, Resource: req.Resource, Err: err}
	}
	rule := res.Window
	if e.exempted(req) {
		return Decision{Allowed: true, Limit: rule.LimitValue, Remaining: rule.LimitValue, Reason: ReasonExempt, Rule: rule}, nil
	}

	now := e.now()
	user := req.user()
	limit := xreputation.AdaptiveLimit(rule.LimitValue, e.multiplier(ctx, user))
	key := counterKey(req, rule)

	win, err := e.window.CheckAndConsume(ctx, key, rule.LimitType, limit, now)
	if err != nil {
		return e.fallback(ctx, req, rule, limit, err), nil
	}
	if !win.Allowed {
		dec := Decision{Limit: limit, ResetAt: win.ResetAt, RetryAfter: win.RetryAfter, Reason: ReasonRateExceeded, Rule: rule}
		e.denied(ctx, req, user, dec, now)
		return dec, nil
	}

	dec := Decision{Allowed: true, Limit: limit, Remaining: win.Remaining, ResetAt: win.ResetAt, Reason: ReasonAllowed, Rule: rule}
	quotaKey := req.quotaKey()
	taken := make([]consumed, 0, len(res.Quotas))
	for _, q := range res.Quotas {
		qr, err := e.quota.CheckAndConsume(ctx, quotaKey, q.ResourceType, q.LimitType, q.LimitValue, now)
		if err != nil {
			if e.policy == FailClosed {
				e.refund(ctx, key, rule, win.ResetAt, quotaKey, taken)
			}
			return e.fallback(ctx, req, rule, limit, err), nil
		}
		if !qr.Allowed {
			e.refund(ctx, key, rule, win.ResetAt, quotaKey, taken)
			dec = Decision{Limit: q.LimitValue, ResetAt: qr.ResetAt, RetryAfter: qr.RetryAfter, Reason: ReasonQuotaExceeded, Rule: q}
			e.denied(ctx, req, user, dec, now)
			return dec, nil
		}
		taken = append(taken, consumed{rule: q, start: qr.PeriodStart})
		dec.Remaining = min(dec.Remaining, qr.Remaining)
	}

	e.enqueue(ctx, feedback{kind: feedbackClean, user: user, activity: activityOf(req, user, true, now)})
	e.logger.Debug(ctx, "request admitted",
		slog.String("key", key), slog.Int64("limit", limit), slog.Int64("remaining", dec.Remaining))
	return dec, nil
}

// multiplier 信誉乘数 × 节流乘数。信誉读取失败时按中性乘数处理，不阻塞判定。
func (e *Engine) multiplier(ctx context.Context, user string) float64 {
	m := 1.0
	if e.throttle != nil {
		m = e.throttle.GetThrottleMultiplier()
	}
	if e.rep == nil || user == "" {
		return m
	}
	rm, err := e.rep.Multiplier(ctx, user)
	if err != nil {
		if e.due(&e.lastRepWarn) {
			e.logger.Warn(ctx, "reputation unavailable, using neutral multiplier", slog.String("user", user), xlog.Err(err))
		} else {
			e.logger.Debug(ctx, "reputation unavailable, using neutral multiplier", slog.String("user", user), xlog.Err(err))
		}
		return m
	}
	return m * rm
}

func (e *Engine) exempted(req Request) bool {
	if e.exempt == nil || req.Scope != xrule.ScopeIP {
		return false
	}
	addr, err := netip.ParseAddr(req.ScopeValue)
	if err != nil {
		return false
	}
	return e.exempt.Contains(addr.Unmap())
}

// denied 拒绝时记录违规，等级取请求资源的敏感度
func (e *Engine) denied(ctx context.Context, req Request, user string, dec Decision, now time.Time) {
	e.logger.Warn(ctx, "request denied",
		slog.String("scope", req.scopeKey()),
		slog.String("resource", req.Resource.String()),
		slog.String("reason", string(dec.Reason)),
		slog.Int64("limit", dec.Limit),
		slog.Duration("retry_after", dec.RetryAfter))
	e.enqueue(ctx, feedback{
		kind:     feedbackViolation,
		user:     user,
		severity: req.Resource.Sensitivity(),
		detail:   fmt.Sprintf("%s on %s (%s)", dec.Reason, req.scopeKey(), req.Resource),
		activity: activityOf(req, user, false, now),
	})
}

// refund 归还窗口和已消耗的配额，尽力而为
func (e *Engine) refund(ctx context.Context, key string, rule xrule.Rule, resetAt time.Time, quotaKey string, taken []consumed) {
	ctx = context.WithoutCancel(ctx)
	if err := e.window.Release(ctx, key, rule.LimitType, resetAt); err != nil {
		e.logger.Warn(ctx, "window refund failed", slog.String("key", key), xlog.Err(err))
	}
	for _, c := range taken {
		if err := e.quota.Release(ctx, quotaKey, c.rule.ResourceType, c.rule.LimitType, c.start); err != nil {
			e.logger.Warn(ctx, "quota refund failed", slog.String("key", quotaKey), xlog.Err(err))
		}
	}
}

// fallback 存储不可用时按策略给出判定，并发出（限频的）告警
func (e *Engine) fallback(ctx context.Context, req Request, rule xrule.Rule, limit int64, cause error) Decision {
	e.logger.Error(ctx, "admission store unavailable",
		slog.String("scope", req.scopeKey()), slog.String("policy", string(e.policy)), xlog.Err(cause))
	e.metrics.recordFallback(ctx, e.policy, classify(cause))
	e.alert(ctx, req, cause)

	dec := Decision{Limit: limit, Rule: rule}
	if e.policy == FailOpen {
		dec.Allowed = true
		dec.Reason = ReasonFailOpen
		return dec
	}
	dec.Reason = ReasonStoreUnavailable
	dec.RetryAfter = e.failRetry
	return dec
}

// due 每个 alertEvery 周期内只有一个调用方得到 true
func (e *Engine) due(last *atomic.Int64) bool {
	now := e.now().UnixNano()
	prev := last.Load()
	if prev != 0 && now-prev < int64(e.alertEvery) {
		return false
	}
	return last.CompareAndSwap(prev, now)
}

func (e *Engine) alert(ctx context.Context, req Request, cause error) {
	if !e.due(&e.lastAlert) {
		return
	}
	now := e.now()
	e.enqueue(ctx, feedback{kind: feedbackAlert, alert: xsink.Notification{
		Kind:   xsink.KindStoreUnavailable,
		Node:   e.node,
		Detail: fmt.Sprintf("%s: %s: %v", req.scopeKey(), classify(cause), cause),
		At:     now,
	}})
}

// Dropped 因队列满被丢弃的反馈条数
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// Close 停止接收请求，处理完队列中剩余的反馈后返回
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
		e.wg.Wait()
	})
	return nil
}
