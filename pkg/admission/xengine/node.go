package xengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/omeyang/xadmit/pkg/admission/xanomaly"
	"github.com/omeyang/xadmit/pkg/admission/xevent"
	"github.com/omeyang/xadmit/pkg/admission/xquota"
	"github.com/omeyang/xadmit/pkg/admission/xreputation"
	"github.com/omeyang/xadmit/pkg/admission/xrule"
	"github.com/omeyang/xadmit/pkg/admission/xsink"
	"github.com/omeyang/xadmit/pkg/admission/xstore"
	"github.com/omeyang/xadmit/pkg/admission/xsync"
	"github.com/omeyang/xadmit/pkg/admission/xthrottle"
	"github.com/omeyang/xadmit/pkg/admission/xwindow"
	"github.com/omeyang/xadmit/pkg/distributed/xcron"
	"github.com/omeyang/xadmit/pkg/lifecycle/xrun"
	"github.com/omeyang/xadmit/pkg/observability/xlog"
	"github.com/omeyang/xadmit/pkg/observability/xmetrics"
)

const decayJob = "xadmit-reputation-decay"

// Deps 节点的外部依赖。KV 与 Events 必需，其余可为空。
type Deps struct {
	// KV 计数器与信誉状态的共享存储
	KV xstore.KV
	// Events 信誉事件日志
	Events xevent.Log
	// Rules 规则仓库；为空时使用以 Config.Rules 初始化的内存仓库
	Rules xrule.Repository
	// Sampler 负载采样；为空时读取本机 CPU 与内存
	Sampler xthrottle.Sampler
	Sink    xsink.Sink
	// Locker 保证衰减在集群内只执行一次；为空时不加锁
	Locker xcron.Locker
	// Membership 与 PeerFactory 同时设置时自动发现对端
	Membership  xsync.Membership
	PeerFactory xsync.PeerFactory
	PullLimiter xsync.PullLimiter

	Logger        xlog.Logger
	Observer      xmetrics.Observer
	MeterProvider metric.MeterProvider
	Now           func() time.Time
}

// Node 一个服务节点：判定引擎加上各后台任务
type Node struct {
	id     string
	cfg    Config
	logger xlog.Logger
	now    func() time.Time

	events     xevent.Log
	rules      *xrule.Store
	window     *xwindow.Limiter
	quota      *xquota.Tracker
	rep        *xreputation.Manager
	throttle   *xthrottle.Controller
	detector   *xanomaly.Detector
	replicator *xsync.Replicator
	server     *xsync.Server
	cron       *xcron.Scheduler
	engine     *Engine
}

// NewNode 按配置装配节点。返回的节点需要 Run 驱动后台任务、Close 释放资源。
func NewNode(ctx context.Context, cfg Config, deps Deps) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.KV == nil || deps.Events == nil {
		return nil, fmt.Errorf("%w: kv and event log are required", ErrInvalidConfig)
	}
	id := cfg.Node
	if id == "" {
		id = uuid.NewString()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := xlog.OrNop(deps.Logger).With(slog.String("node", id))
	sink := xsink.OrNop(deps.Sink)
	loc, err := time.LoadLocation(cfg.Maintenance.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	n := &Node{id: id, cfg: cfg, logger: logger, now: now, events: deps.Events}

	repo := deps.Rules
	if repo == nil {
		repo = xrule.NewMemoryRepository(cfg.Rules...)
	}
	storeOpts := []xrule.Option{xrule.WithTTL(cfg.RuleTTL), xrule.WithLogger(logger), xrule.WithClock(now)}
	if cfg.DefaultRule != nil {
		storeOpts = append(storeOpts, xrule.WithDefaultRule(*cfg.DefaultRule))
	}
	if n.rules, err = xrule.NewStore(ctx, repo, storeOpts...); err != nil {
		return nil, err
	}

	clock := xevent.NewClock(id, now)
	n.rep, err = xreputation.New(deps.KV, deps.Events, clock,
		xreputation.WithPolicy(cfg.Reputation),
		xreputation.WithLogger(logger),
		xreputation.WithSink(sink),
		xreputation.WithNow(now))
	if err != nil {
		n.rules.Close()
		return nil, err
	}

	sampler := deps.Sampler
	if sampler == nil {
		sampler = xthrottle.NewSystemSampler()
	}
	n.throttle = xthrottle.NewController(sampler,
		xthrottle.WithInterval(cfg.Throttle.Interval),
		xthrottle.WithLogger(logger),
		xthrottle.WithSink(sink),
		xthrottle.WithNode(id),
		xthrottle.WithNow(now))

	n.detector, err = xanomaly.New(xanomaly.NewActivityStore(0), n.rep,
		xanomaly.WithConfig(cfg.Anomaly),
		xanomaly.WithLogger(logger),
		xanomaly.WithSink(sink),
		xanomaly.WithNode(id),
		xanomaly.WithNow(now))
	if err != nil {
		n.rules.Close()
		return nil, err
	}

	syncOpts := []xsync.Option{
		xsync.WithConfig(cfg.Sync),
		xsync.WithLogger(logger),
		xsync.WithSink(sink),
		xsync.WithNow(now),
	}
	if deps.Membership != nil {
		syncOpts = append(syncOpts, xsync.WithMembership(deps.Membership, deps.PeerFactory))
	}
	if n.replicator, err = xsync.New(deps.Events, clock, n.rep, syncOpts...); err != nil {
		n.rules.Close()
		return nil, err
	}
	serverOpts := []xsync.ServerOption{xsync.WithServerLogger(logger)}
	if deps.PullLimiter != nil {
		serverOpts = append(serverOpts, xsync.WithPullLimiter(deps.PullLimiter))
	}
	n.server = xsync.NewServer(id, deps.Events, n.rep, serverOpts...)

	n.window = xwindow.New(deps.KV, xwindow.WithSkewTolerance(cfg.SkewTolerance))
	n.quota = xquota.New(deps.KV)

	metrics, err := NewMetrics(deps.MeterProvider)
	if err != nil {
		n.rules.Close()
		return nil, err
	}
	exempt, err := ParseExempt(cfg.ExemptNetworks)
	if err != nil {
		n.rules.Close()
		return nil, err
	}
	n.engine, err = New(n.rules, n.window, n.quota,
		WithReputation(n.rep),
		WithThrottle(n.throttle),
		WithActivityObserver(n.detector),
		WithFailPolicy(cfg.FailPolicy, cfg.FailRetryAfter),
		WithExempt(exempt),
		WithFeedback(cfg.Feedback.QueueSize, cfg.Feedback.Workers, cfg.Feedback.Timeout),
		WithAlertInterval(cfg.AlertInterval),
		WithNode(id),
		WithSink(sink),
		WithLogger(logger),
		WithObserver(deps.Observer),
		WithMetrics(metrics),
		WithNow(now))
	if err != nil {
		n.rules.Close()
		return nil, err
	}

	locker := deps.Locker
	if locker == nil {
		locker = xcron.NoopLocker()
	}
	n.cron = xcron.New(xcron.WithLocker(locker), xcron.WithLogger(logger), xcron.WithLocation(loc))
	if _, err := n.cron.AddFunc(cfg.Maintenance.DecaySchedule, n.decay,
		xcron.WithName(decayJob), xcron.WithLockTTL(cfg.Maintenance.DecayLockTTL)); err != nil {
		n.Close()
		return nil, fmt.Errorf("%w: decay_schedule: %v", ErrInvalidConfig, err)
	}
	return n, nil
}

// ID 节点 ID
func (n *Node) ID() string { return n.id }

// CheckLimit 见 [Engine.CheckLimit]
func (n *Node) CheckLimit(ctx context.Context, scope xrule.Scope, scopeValue string, resource xrule.ResourceType) (Decision, error) {
	return n.engine.CheckLimit(ctx, scope, scopeValue, resource)
}

// Check 见 [Engine.Check]
func (n *Node) Check(ctx context.Context, req Request) (Decision, error) {
	return n.engine.Check(ctx, req)
}

// Engine 判定引擎
func (n *Node) Engine() *Engine { return n.engine }

// Rules 规则管理
func (n *Node) Rules() *xrule.Store { return n.rules }

// Quotas 配额查询与重置
func (n *Node) Quotas() *xquota.Tracker { return n.quota }

// Reputation 信誉管理
func (n *Node) Reputation() *xreputation.Manager { return n.rep }

// Throttle 负载节流，可设置人工覆盖
func (n *Node) Throttle() *xthrottle.Controller { return n.throttle }

// Anomalies 异常记录查询与处理
func (n *Node) Anomalies() *xanomaly.Detector { return n.detector }

// Sync 事件同步状态
func (n *Node) Sync() *xsync.Replicator { return n.replicator }

// SyncServer 对端拉取事件的服务端，由调用方注册到 gRPC
func (n *Node) SyncServer() *xsync.Server { return n.server }

// Run 运行全部后台任务直到 ctx 取消。各任务按自己的周期独立运行，只通过存储和事件日志交互。
func (n *Node) Run(ctx context.Context) error {
	g, _ := xrun.NewGroup(ctx, xrun.WithLogger(n.logger), xrun.WithName("xadmit-node"))
	g.GoWithName("throttle", n.throttle.Run)
	g.GoWithName("anomaly", n.detector.Run)
	g.GoWithName("sync", n.replicator.Run)
	g.GoWithName("sweep", xrun.Ticker(n.cfg.Maintenance.SweepInterval, false, n.sweep))
	g.GoWithName("compact", xrun.Ticker(n.cfg.Maintenance.CompactInterval, false, n.compact))
	g.GoWithName("decay", n.cron.Run)
	return g.Wait()
}

// 维护任务失败只记录日志，下个周期再试

func (n *Node) sweep(ctx context.Context) error {
	removed, err := n.window.Sweep(ctx, n.now())
	if err != nil && ctx.Err() == nil {
		n.logger.Warn(ctx, "bucket sweep failed", xlog.Err(err))
		return nil
	}
	if removed > 0 {
		n.logger.Debug(ctx, "buckets swept", slog.Int("removed", removed))
	}
	return nil
}

func (n *Node) compact(ctx context.Context) error {
	if _, err := n.rep.Compact(ctx, n.now().Add(-n.cfg.Maintenance.EventRetention)); err != nil && ctx.Err() == nil {
		n.logger.Warn(ctx, "event compaction failed", xlog.Err(err))
	}
	return nil
}

func (n *Node) decay(ctx context.Context) error {
	_, err := n.rep.ApplyDecayAll(ctx)
	return err
}

// RunDecay 立即执行一次衰减（仍经过分布式锁），返回是否真正执行
func (n *Node) RunDecay() bool {
	return n.cron.RunNow(n.decay, xcron.WithName(decayJob), xcron.WithLockTTL(n.cfg.Maintenance.DecayLockTTL))
}

// Close 关闭引擎与各组件。KV 与事件日志由调用方关闭。
func (n *Node) Close() error {
	var errs []error
	if n.engine != nil {
		errs = append(errs, n.engine.Close())
	}
	if n.replicator != nil {
		errs = append(errs, n.replicator.Close())
	}
	n.rules.Close()
	return errors.Join(errs...)
}
