package xrule

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRule 规则定义无效（配置错误，不是拒绝）
	ErrInvalidRule = errors.New("xrule: invalid rule")
	// ErrNoRule 没有匹配规则且未配置默认规则
	ErrNoRule = errors.New("xrule: no matching rule")
	// ErrNotFound 规则不存在
	ErrNotFound = errors.New("xrule: rule not found")
	// ErrClosed Store 已关闭
	ErrClosed = errors.New("xrule: store closed")
)

// Rule 一条限流规则
type Rule struct {
	ID           string       `json:"id" bson:"_id" koanf:"id"`
	Scope        Scope        `json:"scope" bson:"scope" koanf:"scope"`
	ScopeValue   string       `json:"scope_value,omitempty" bson:"scope_value" koanf:"scope_value"`
	LimitType    LimitType    `json:"limit_type" bson:"limit_type" koanf:"limit_type"`
	LimitValue   int64        `json:"limit_value" bson:"limit_value" koanf:"limit_value"`
	ResourceType ResourceType `json:"resource_type" bson:"resource_type" koanf:"resource_type"`
	// Disabled 为 true 时规则不参与匹配；零值即启用，配置里可以省略
	Disabled  bool      `json:"disabled,omitempty" bson:"disabled" koanf:"disabled"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at" koanf:"-"`
}

// Validate 校验规则
func (r Rule) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	case !r.Scope.Valid():
		return fmt.Errorf("%w: rule %s: unknown scope %d", ErrInvalidRule, r.ID, r.Scope)
	case !r.LimitType.Valid():
		return fmt.Errorf("%w: rule %s: unknown limit type %d", ErrInvalidRule, r.ID, r.LimitType)
	case !r.ResourceType.Valid():
		return fmt.Errorf("%w: rule %s: unknown resource type %d", ErrInvalidRule, r.ID, r.ResourceType)
	case r.LimitValue <= 0:
		return fmt.Errorf("%w: rule %s: limit must be positive, got %d", ErrInvalidRule, r.ID, r.LimitValue)
	case r.Scope == ScopeGlobal && r.ScopeValue != "":
		return fmt.Errorf("%w: rule %s: global scope takes no value", ErrInvalidRule, r.ID)
	}
	return nil
}

// Matches 规则是否适用于 (scope, value, resource)
func (r Rule) Matches(scope Scope, value string, resource ResourceType) bool {
	if r.Disabled || r.Scope != scope {
		return false
	}
	if r.ScopeValue != "" && r.ScopeValue != value {
		return false
	}
	return r.ResourceType == ResourceAny || r.ResourceType == resource
}

// specificity 精确值权重 2，精确资源权重 1
func (r Rule) specificity() int {
	s := 0
	if r.ScopeValue != "" {
		s += 2
	}
	if r.ResourceType != ResourceAny {
		s++
	}
	return s
}

// moreSpecific 报告 a 是否优先于 b
func moreSpecific(a, b Rule) bool {
	if sa, sb := a.specificity(), b.specificity(); sa != sb {
		return sa > sb
	}
	if a.LimitType != b.LimitType {
		return a.LimitType < b.LimitType
	}
	return a.ID < b.ID
}

// Resolution 一次解析的结果
type Resolution struct {
	// Window 滑动窗口规则
	Window Rule
	// Fallback 为 true 表示没有匹配的窗口规则，Window 是系统默认规则
	Fallback bool
	// Quotas 每种配额周期最多一条
	Quotas []Rule
	// Version 产生该结果的快照版本
	Version uint64
}

// resolve 在规则集合上做纯函数式解析
func resolve(rules []Rule, def *Rule, scope Scope, value string, resource ResourceType) (Resolution, error) {
	var (
		window   Rule
		hasWin   bool
		quotas   [limitTypeCount]Rule
		hasQuota [limitTypeCount]bool
	)
	for _, r := range rules {
		if !r.Matches(scope, value, resource) {
			continue
		}
		if r.LimitType.IsQuota() {
			if !hasQuota[r.LimitType] || moreSpecific(r, quotas[r.LimitType]) {
				quotas[r.LimitType] = r
				hasQuota[r.LimitType] = true
			}
			continue
		}
		if !hasWin || moreSpecific(r, window) {
			window = r
			hasWin = true
		}
	}

	res := Resolution{Window: window}
	if !hasWin {
		if def == nil {
			return Resolution{}, fmt.Errorf("%w: scope=%s value=%q resource=%s", ErrNoRule, scope, value, resource)
		}
		res.Window = *def
		res.Fallback = true
	}
	for lt := range quotas {
		if hasQuota[lt] {
			res.Quotas = append(res.Quotas, quotas[lt])
		}
	}
	return res, nil
}
