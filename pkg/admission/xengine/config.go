package xengine

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go4.org/netipx"

	"github.com/omeyang/xadmit/pkg/admission/xanomaly"
	"github.com/omeyang/xadmit/pkg/admission/xreputation"
	"github.com/omeyang/xadmit/pkg/admission/xrule"
	"github.com/omeyang/xadmit/pkg/admission/xsync"
	"github.com/omeyang/xadmit/pkg/admission/xthrottle"
	"github.com/omeyang/xadmit/pkg/admission/xwindow"
)

// FailPolicy 存储不可用时的处理策略
type FailPolicy string

const (
	// FailOpen 放行（不计数）
	FailOpen FailPolicy = "open"
	// FailClosed 拒绝，RetryAfter 为 Config.FailRetryAfter
	FailClosed FailPolicy = "closed"
)

// IsValid 检查策略是否合法
func (p FailPolicy) IsValid() bool {
	return p == FailOpen || p == FailClosed
}

// FeedbackConfig 反馈队列
type FeedbackConfig struct {
	QueueSize int           `koanf:"queue_size"`
	Workers   int           `koanf:"workers"`
	Timeout   time.Duration `koanf:"timeout"`
}

// ThrottleConfig 负载节流
type ThrottleConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// MaintenanceConfig 后台维护任务
type MaintenanceConfig struct {
	// SweepInterval 清理过期窗口桶的周期
	SweepInterval time.Duration `koanf:"sweep_interval"`
	// CompactInterval 压缩事件日志的周期，EventRetention 之前的事件折叠进检查点
	CompactInterval time.Duration `koanf:"compact_interval"`
	EventRetention  time.Duration `koanf:"event_retention"`
	// DecaySchedule 信誉衰减的 cron 表达式，默认每周一 03:00
	DecaySchedule string `koanf:"decay_schedule"`
	// DecayLockTTL 衰减任务分布式锁的持有时长
	DecayLockTTL time.Duration `koanf:"decay_lock_ttl"`
	// Location 衰减调度使用的时区，空表示 UTC
	Location string `koanf:"location"`
}

// Config 节点配置
type Config struct {
	// Node 节点 ID，空时启动时生成
	Node string `koanf:"node"`

	FailPolicy     FailPolicy    `koanf:"fail_policy"`
	FailRetryAfter time.Duration `koanf:"fail_retry_after"`
	// AlertInterval 同一节点两次存储不可用告警的最小间隔
	AlertInterval time.Duration `koanf:"alert_interval"`

	// DefaultRule 没有匹配规则时使用；为 nil 时无规则请求返回 ConfigError
	DefaultRule *xrule.Rule   `koanf:"default_rule"`
	Rules       []xrule.Rule  `koanf:"rules"`
	RuleTTL     time.Duration `koanf:"rule_ttl"`

	SkewTolerance time.Duration `koanf:"skew_tolerance"`
	// ExemptNetworks 免检的 CIDR 或单个 IP，仅作用于 ip 作用域
	ExemptNetworks []string `koanf:"exempt_networks"`

	Feedback    FeedbackConfig     `koanf:"feedback"`
	Reputation  xreputation.Policy `koanf:"reputation"`
	Throttle    ThrottleConfig     `koanf:"throttle"`
	Anomaly     xanomaly.Config    `koanf:"anomaly"`
	Sync        xsync.Config       `koanf:"sync"`
	Maintenance MaintenanceConfig  `koanf:"maintenance"`
}

// DefaultConfig 默认配置：fail-open，默认规则为每分钟 100 次
func DefaultConfig() Config {
	return Config{
		FailPolicy:     FailOpen,
		FailRetryAfter: time.Second,
		AlertInterval:  10 * time.Second,
		DefaultRule: &xrule.Rule{
			ID:           "default",
			Scope:        xrule.ScopeGlobal,
			LimitType:    xrule.PerMinute,
			LimitValue:   100,
			ResourceType: xrule.ResourceAny,
		},
		RuleTTL:       xrule.DefaultTTL,
		SkewTolerance: xwindow.DefaultSkewTolerance,
		Feedback: FeedbackConfig{
			QueueSize: 4096,
			Workers:   4,
			Timeout:   2 * time.Second,
		},
		Reputation: xreputation.DefaultPolicy(),
		Throttle:   ThrottleConfig{Interval: xthrottle.DefaultInterval},
		Anomaly:    xanomaly.DefaultConfig(),
		Sync:       xsync.DefaultConfig(),
		Maintenance: MaintenanceConfig{
			SweepInterval:   time.Minute,
			CompactInterval: time.Hour,
			EventRetention:  7 * 24 * time.Hour,
			DecaySchedule:   "0 3 * * 1",
			DecayLockTTL:    30 * time.Minute,
		},
	}
}

// Validate 校验配置，供 xconf.Load 调用
func (c Config) Validate() error {
	switch {
	case !c.FailPolicy.IsValid():
		return fmt.Errorf("%w: fail_policy %q", ErrInvalidConfig, c.FailPolicy)
	case c.FailRetryAfter <= 0 || c.AlertInterval < 0:
		return fmt.Errorf("%w: fail_retry_after/alert_interval", ErrInvalidConfig)
	case c.RuleTTL <= 0 || c.SkewTolerance < 0:
		return fmt.Errorf("%w: rule_ttl/skew_tolerance", ErrInvalidConfig)
	case c.Feedback.QueueSize <= 0 || c.Feedback.Workers <= 0 || c.Feedback.Timeout <= 0:
		return fmt.Errorf("%w: feedback %+v", ErrInvalidConfig, c.Feedback)
	case c.Throttle.Interval <= 0:
		return fmt.Errorf("%w: throttle.interval", ErrInvalidConfig)
	case c.Maintenance.SweepInterval <= 0 || c.Maintenance.CompactInterval <= 0 ||
		c.Maintenance.EventRetention <= 0 || c.Maintenance.DecayLockTTL <= 0:
		return fmt.Errorf("%w: maintenance intervals", ErrInvalidConfig)
	case strings.TrimSpace(c.Maintenance.DecaySchedule) == "":
		return fmt.Errorf("%w: maintenance.decay_schedule", ErrInvalidConfig)
	}
	if _, err := time.LoadLocation(c.Maintenance.Location); err != nil {
		return fmt.Errorf("%w: maintenance.location: %v", ErrInvalidConfig, err)
	}
	if c.DefaultRule != nil {
		if err := c.DefaultRule.Validate(); err != nil {
			return fmt.Errorf("%w: default_rule: %w", ErrInvalidConfig, err)
		}
		if c.DefaultRule.LimitType.IsQuota() {
			return fmt.Errorf("%w: default_rule must be a window rule", ErrInvalidConfig)
		}
	}
	for _, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: rule %q: %w", ErrInvalidConfig, r.ID, err)
		}
	}
	if _, err := ParseExempt(c.ExemptNetworks); err != nil {
		return err
	}
	if err := c.Reputation.Validate(); err != nil {
		return err
	}
	if err := c.Anomaly.Validate(); err != nil {
		return err
	}
	return c.Sync.Validate()
}

// ParseExempt 把 CIDR 或单个 IP 列表构造成 IP 集合，空列表返回 nil
func ParseExempt(networks []string) (*netipx.IPSet, error) {
	if len(networks) == 0 {
		return nil, nil
	}
	var b netipx.IPSetBuilder
	for _, n := range networks {
		n = strings.TrimSpace(n)
		if strings.Contains(n, "/") {
			p, err := netip.ParsePrefix(n)
			if err != nil {
				return nil, fmt.Errorf("%w: exempt network %q: %v", ErrInvalidConfig, n, err)
			}
			b.AddPrefix(p.Masked())
			continue
		}
		a, err := netip.ParseAddr(n)
		if err != nil {
			return nil, fmt.Errorf("%w: exempt address %q: %v", ErrInvalidConfig, n, err)
		}
		b.Add(a.Unmap())
	}
	return b.IPSet()
}
