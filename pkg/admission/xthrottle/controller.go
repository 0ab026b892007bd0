package xthrottle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omeyang/xadmit/pkg/admission/xsink"
	"github.com/omeyang/xadmit/pkg/lifecycle/xrun"
	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

// DefaultInterval 默认采样间隔
const DefaultInterval = 10 * time.Second

// State 当前限流状态
type State struct {
	Level      Level     `json:"level"`
	Multiplier float64   `json:"multiplier"`
	CPU        float64   `json:"cpu"`
	Memory     float64   `json:"memory"`
	SampledAt  time.Time `json:"sampled_at,omitzero"`
	Override   bool      `json:"override"`
	Reason     string    `json:"reason,omitempty"`
}

// Option 配置 Controller
type Option func(*Controller)

// WithInterval 设置采样间隔
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLogger 设置日志
func WithLogger(l xlog.Logger) Option {
	return func(c *Controller) { c.logger = xlog.OrNop(l) }
}

// WithSink 设置等级变化的通知出口
func WithSink(s xsink.Sink) Option {
	return func(c *Controller) { c.sink = xsink.OrNop(s) }
}

// WithNode 设置通知中的节点 ID
func WithNode(node string) Option {
	return func(c *Controller) { c.node = node }
}

// WithNow 替换时钟
func WithNow(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller 负载限流控制器
type Controller struct {
	sampler  Sampler
	interval time.Duration
	logger   xlog.Logger
	sink     xsink.Sink
	node     string
	now      func() time.Time

	// mu 串行化 Tick 与覆盖操作；读路径只用 state
	mu    sync.Mutex
	state atomic.Pointer[State]
}

// NewController 创建控制器，初始等级为 none
func NewController(sampler Sampler, opts ...Option) *Controller {
	c := &Controller{
		sampler:  sampler,
		interval: DefaultInterval,
		logger:   xlog.Nop(),
		sink:     xsink.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.state.Store(&State{Level: LevelNone, Multiplier: LevelNone.Multiplier()})
	return c
}

// GetThrottleMultiplier 当前乘数
func (c *Controller) GetThrottleMultiplier() float64 {
	return c.state.Load().Multiplier
}

// State 当前状态快照
func (c *Controller) State() State {
	return *c.state.Load()
}

// Tick 采样一次并重新计算等级。覆盖生效时只记录读数，不改等级。
func (c *Controller) Tick(ctx context.Context) error {
	load, err := c.sampler.Sample(ctx)
	if err != nil {
		c.logger.Warn(ctx, "load sampling failed, keeping last throttle state", xlog.Err(err))
		return err
	}
	if load.At.IsZero() {
		load.At = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prev := *c.state.Load()
	next := prev
	next.CPU, next.Memory, next.SampledAt = load.CPU, load.Memory, load.At
	if !prev.Override {
		next.Level = LevelFor(load.CPU, load.Memory)
		next.Multiplier = next.Level.Multiplier()
	}
	c.state.Store(&next)

	c.logger.Debug(ctx, "load sampled",
		slog.Float64("cpu", load.CPU), slog.Float64("memory", load.Memory), slog.String("level", next.Level.String()))
	if next.Level != prev.Level {
		c.levelChanged(ctx, prev, next)
	}
	return nil
}

// Run 按间隔采样直到 ctx 取消；单次采样失败不会终止
func (c *Controller) Run(ctx context.Context) error {
	return xrun.Ticker(c.interval, true, func(ctx context.Context) error {
		_ = c.Tick(ctx) //nolint:errcheck // 已记录日志，保留旧状态继续
		return nil
	})(ctx)
}

// SetOverride 冻结到指定等级，直到 ClearOverride
func (c *Controller) SetOverride(ctx context.Context, level Level, reason string) error {
	if !level.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := *c.state.Load()
	next := prev
	next.Level, next.Multiplier = level, level.Multiplier()
	next.Override, next.Reason = true, reason
	c.state.Store(&next)

	c.logger.Info(ctx, "throttle override set", slog.String("level", level.String()), slog.String("reason", reason))
	if next.Level != prev.Level {
		c.levelChanged(ctx, prev, next)
	}
	return nil
}

// ClearOverride 恢复自动计算，按最近一次读数立即重新定级
func (c *Controller) ClearOverride(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := *c.state.Load()
	if !prev.Override {
		return
	}
	next := prev
	next.Override, next.Reason = false, ""
	next.Level = LevelFor(prev.CPU, prev.Memory)
	next.Multiplier = next.Level.Multiplier()
	c.state.Store(&next)

	c.logger.Info(ctx, "throttle override cleared", slog.String("level", next.Level.String()))
	if next.Level != prev.Level {
		c.levelChanged(ctx, prev, next)
	}
}

func (c *Controller) levelChanged(ctx context.Context, prev, next State) {
	c.logger.Warn(ctx, "throttle level changed",
		slog.String("from", prev.Level.String()), slog.String("to", next.Level.String()),
		slog.Float64("multiplier", next.Multiplier), slog.Bool("override", next.Override))
	n := xsink.Notification{
		Kind:   xsink.KindThrottleLevelChange,
		Node:   c.node,
		Level:  next.Level.String(),
		Detail: fmt.Sprintf("%s -> %s cpu=%.1f%% mem=%.1f%%", prev.Level, next.Level, next.CPU, next.Memory),
		At:     c.now(),
	}
	if next.Override {
		n.Detail += " override: " + next.Reason
	}
	if err := c.sink.Publish(ctx, n); err != nil {
		c.logger.Warn(ctx, "publish throttle change failed", xlog.Err(err))
	}
}
