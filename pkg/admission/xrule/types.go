package xrule

import (
	"fmt"
	"time"
)

// Scope 限流维度
type Scope uint8

const (
	ScopeGlobal Scope = iota
	ScopeSession
	ScopeUser
	ScopeIP
	scopeCount
)

var scopeNames = [scopeCount]string{"global", "session", "user", "ip"}

func (s Scope) String() string {
	if s < scopeCount {
		return scopeNames[s]
	}
	return fmt.Sprintf("Scope(%d)", s)
}

// Valid 判断是否为已定义的值
func (s Scope) Valid() bool { return s < scopeCount }

// ParseScope 解析小写名称
func ParseScope(name string) (Scope, error) {
	for i, n := range scopeNames {
		if n == name {
			return Scope(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown scope %q", ErrInvalidRule, name)
}

func (s Scope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: unknown scope %d", ErrInvalidRule, s)
	}
	return []byte(s.String()), nil
}

func (s *Scope) UnmarshalText(b []byte) error {
	v, err := ParseScope(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// LimitType 规则的计数周期
type LimitType uint8

const (
	PerSecond LimitType = iota
	PerMinute
	PerHour
	PerDay
	PerWeek
	PerMonth
	limitTypeCount
)

var limitTypes = [limitTypeCount]struct {
	name   string
	window time.Duration
	quota  bool
}{
	PerSecond: {"per_second", time.Second, false},
	PerMinute: {"per_minute", time.Minute, false},
	PerHour:   {"per_hour", time.Hour, false},
	PerDay:    {"per_day", 0, true},
	PerWeek:   {"per_week", 0, true},
	PerMonth:  {"per_month", 0, true},
}

func (l LimitType) String() string {
	if l < limitTypeCount {
		return limitTypes[l].name
	}
	return fmt.Sprintf("LimitType(%d)", l)
}

// Valid 判断是否为已定义的值
func (l LimitType) Valid() bool { return l < limitTypeCount }

// IsQuota 是否为日/周/月配额
func (l LimitType) IsQuota() bool { return l.Valid() && limitTypes[l].quota }

// Window 滑动窗口长度，配额类型返回 0
func (l LimitType) Window() time.Duration {
	if !l.Valid() {
		return 0
	}
	return limitTypes[l].window
}

// ParseLimitType 解析小写名称
func ParseLimitType(name string) (LimitType, error) {
	for i, lt := range limitTypes {
		if lt.name == name {
			return LimitType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown limit type %q", ErrInvalidRule, name)
}

func (l LimitType) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: unknown limit type %d", ErrInvalidRule, l)
	}
	return []byte(l.String()), nil
}

func (l *LimitType) UnmarshalText(b []byte) error {
	v, err := ParseLimitType(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ResourceType 受保护的资源类别
type ResourceType uint8

const (
	ResourceAny ResourceType = iota
	ResourceCommand
	ResourceFileRead
	ResourceFileWrite
	ResourceSession
	ResourceAPI
	ResourceAdmin
	resourceTypeCount
)

// sensitivity 取值 1..3，拒绝时作为违规严重程度
var resourceTypes = [resourceTypeCount]struct {
	name        string
	sensitivity int
}{
	ResourceAny:       {"any", 1},
	ResourceCommand:   {"command", 2},
	ResourceFileRead:  {"file_read", 1},
	ResourceFileWrite: {"file_write", 2},
	ResourceSession:   {"session", 1},
	ResourceAPI:       {"api", 1},
	ResourceAdmin:     {"admin", 3},
}

func (r ResourceType) String() string {
	if r < resourceTypeCount {
		return resourceTypes[r].name
	}
	return fmt.Sprintf("ResourceType(%d)", r)
}

// Valid 判断是否为已定义的值
func (r ResourceType) Valid() bool { return r < resourceTypeCount }

// Sensitivity 资源敏感度（1..3）
func (r ResourceType) Sensitivity() int {
	if !r.Valid() {
		return 1
	}
	return resourceTypes[r].sensitivity
}

// ParseResourceType 解析小写名称
func ParseResourceType(name string) (ResourceType, error) {
	for i, rt := range resourceTypes {
		if rt.name == name {
			return ResourceType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown resource type %q", ErrInvalidRule, name)
}

func (r ResourceType) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: unknown resource type %d", ErrInvalidRule, r)
	}
	return []byte(r.String()), nil
}

func (r *ResourceType) UnmarshalText(b []byte) error {
	v, err := ParseResourceType(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
