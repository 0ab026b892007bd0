package xengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omeyang/xadmit/pkg/admission/xrule"
	"github.com/omeyang/xadmit/pkg/admission/xstore"
)

var (
	// ErrConfig 规则缺失或无效，用 errors.Is 判断
	ErrConfig = errors.New("xengine: configuration error")
	// ErrClosed 引擎已关闭
	ErrClosed = errors.New("xengine: closed")
	// ErrInvalidConfig 引擎或节点配置无效
	ErrInvalidConfig = errors.New("xengine: invalid config")
)

// ConfigError 解析规则失败。它不是拒绝，调用方应修正规则集而不是让请求重试。
type ConfigError struct {
	Scope      xrule.Scope
	ScopeValue string
	Resource   xrule.ResourceType
	Err        error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("xengine: no usable rule for %s:%s/%s: %v", e.Scope, e.ScopeValue, e.Resource, e.Err)
}

// Is 支持 errors.Is(err, ErrConfig)
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// Unwrap 返回底层的 xrule 错误
func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError 判断是否为配置错误
func IsConfigError(err error) bool { return errors.Is(err, ErrConfig) }

// Reason 判定原因
type Reason string

const (
	ReasonAllowed          Reason = "allowed"
	ReasonExempt           Reason = "exempt"
	ReasonRateExceeded     Reason = "rate_exceeded"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonFailOpen         Reason = "fail_open"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

// Request 一次准入请求
type Request struct {
	Scope      xrule.Scope
	ScopeValue string
	Resource   xrule.ResourceType
	// UserID 信誉与反馈归属的用户；为空且 Scope 为 user 时取 ScopeValue
	UserID string
	// Region 请求来源地域，供异常检测使用，可为空
	Region string
}

// user 信誉归属，可能为空
func (r Request) user() string {
	if r.UserID != "" {
		return r.UserID
	}
	if r.Scope == xrule.ScopeUser {
		return r.ScopeValue
	}
	return ""
}

// scopeKey 计数归属，例如 "user:alice"、"global"
func (r Request) scopeKey() string {
	if r.Scope == xrule.ScopeGlobal {
		return xrule.ScopeGlobal.String()
	}
	return r.Scope.String() + ":" + r.ScopeValue
}

// quotaKey 配额归属于用户：请求带有用户时按用户计，
// 同一用户从不同 IP 或会话发起的请求共用配额；否则按作用域计
func (r Request) quotaKey() string {
	if u := r.user(); u != "" {
		return xrule.ScopeUser.String() + ":" + u
	}
	return r.scopeKey()
}

// counterKey 计数器按 (作用域, 规则的资源类型) 区分：
// 匹配到 any 规则的所有资源共用一个计数器
func counterKey(req Request, rule xrule.Rule) string {
	return req.scopeKey() + ":" + rule.ResourceType.String()
}

// Decision 准入判定结果
type Decision struct {
	Allowed bool
	// Limit 本次生效的有效限额
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	// RetryAfter 仅在拒绝时有意义
	RetryAfter time.Duration
	Reason     Reason
	// Rule 匹配到的窗口规则
	Rule xrule.Rule
}

// classify 把存储错误归为低基数标签，用于指标与告警
func classify(err error) string {
	switch {
	case errors.Is(err, xstore.ErrConflict):
		return "conflict"
	case errors.Is(err, xstore.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
