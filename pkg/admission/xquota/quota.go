// Package xquota 跟踪按用户、资源统计的长周期配额（日/周/月）。
//
// 周期边界统一按 UTC 计算：日为 00:00，周为 ISO 周一 00:00，月为 1 日 00:00。
// 存储的周期起点早于当前周期时，在同一次原子更新内把计数归零，
// 因此每个边界只会重置一次；计数既不会为负，也不会超过上限。
//
// 配额检查独立于滑动窗口检查，两者都通过才放行，编排由调用方负责。
package xquota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omeyang/xadmit/pkg/admission/xrule"
	"github.com/omeyang/xadmit/pkg/admission/xstore"
)

const keyPrefix = "quota:"

// ErrInvalidQuota 周期或上限无效
var ErrInvalidQuota = errors.New("xquota: invalid quota")

// Usage 某用户某资源在一个周期内的用量
type Usage struct {
	UserKey     string             `json:"user"`
	Resource    xrule.ResourceType `json:"resource"`
	Period      xrule.LimitType    `json:"period"`
	PeriodStart time.Time          `json:"period_start"`
	Count       int64              `json:"count"`
}

// Result 一次配额检查的结果
type Result struct {
	Allowed   bool
	Cap       int64
	Used      int64
	Remaining int64
	// PeriodStart 当前周期起点
	PeriodStart time.Time
	// ResetAt 下一周期起点
	ResetAt time.Time
	// RetryAfter 仅在拒绝时有意义，等于距下一周期起点的时长
	RetryAfter time.Duration
}

type record struct {
	PeriodStart int64 `json:"ps"` // unix 纳秒
	Count       int64 `json:"c"`
}

// Tracker 配额跟踪器
type Tracker struct {
	kv xstore.KV
}

// New 创建配额跟踪器
func New(kv xstore.KV) *Tracker {
	return &Tracker{kv: kv}
}

// Key 配额记录在存储中的键
func Key(period xrule.LimitType, userKey string, resource xrule.ResourceType) string {
	return keyPrefix + period.String() + ":" + resource.String() + ":" + userKey
}

// PeriodStart 返回 now 所在周期的起点（UTC）
func PeriodStart(period xrule.LimitType, now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	switch period {
	case xrule.PerWeek:
		// time.Weekday 以周日为 0，ISO 周以周一开始
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case xrule.PerMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// NextPeriodStart 返回 now 所在周期的下一个周期起点（UTC）
func NextPeriodStart(period xrule.LimitType, now time.Time) time.Time {
	start := PeriodStart(period, now)
	switch period {
	case xrule.PerWeek:
		return start.AddDate(0, 0, 7)
	case xrule.PerMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// CheckAndConsume 检查配额，放行时在同一次原子更新内计数加一
func (t *Tracker) CheckAndConsume(ctx context.Context, userKey string, resource xrule.ResourceType,
	period xrule.LimitType, limit int64, now time.Time) (Result, error) {
	if err := validate(period, limit); err != nil {
		return Result{}, err
	}
	start, next := PeriodStart(period, now), NextPeriodStart(period, now)

	var res Result
	_, err := t.kv.Update(ctx, Key(period, userKey, resource), ttlFor(next, now), func(cur []byte, exists bool) ([]byte, error) {
		rec, err := decode(cur, exists)
		if err != nil {
			return nil, err
		}
		rec, _ = roll(rec, start)
		res = evaluate(rec, limit, now, next)
		if !res.Allowed {
			return nil, nil
		}
		rec.Count++
		res.Used = rec.Count
		res.Remaining = limit - rec.Count
		return json.Marshal(rec)
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Release 归还一次 CheckAndConsume 消耗的用量。periodStart 取自那次的 Result.PeriodStart，
// 已进入新周期时不做任何事，计数不会低于 0。
func (t *Tracker) Release(ctx context.Context, userKey string, resource xrule.ResourceType,
	period xrule.LimitType, periodStart time.Time) error {
	if !period.IsQuota() {
		return fmt.Errorf("%w: %s is not a quota period", ErrInvalidQuota, period)
	}
	ps := periodStart.UnixNano()
	_, err := t.kv.Update(ctx, Key(period, userKey, resource), ttlFor(NextPeriodStart(period, periodStart), periodStart),
		func(cur []byte, exists bool) ([]byte, error) {
			rec, err := decode(cur, exists)
			if err != nil || !exists || rec.PeriodStart != ps || rec.Count == 0 {
				return nil, err
			}
			rec.Count--
			return json.Marshal(rec)
		})
	return err
}

// Status 只读查询，不消耗
func (t *Tracker) Status(ctx context.Context, userKey string, resource xrule.ResourceType,
	period xrule.LimitType, limit int64, now time.Time) (Result, error) {
	if err := validate(period, limit); err != nil {
		return Result{}, err
	}
	cur, exists, err := t.kv.Get(ctx, Key(period, userKey, resource))
	if err != nil {
		return Result{}, err
	}
	rec, err := decode(cur, exists)
	if err != nil {
		return Result{}, err
	}
	rec, _ = roll(rec, PeriodStart(period, now))
	res := evaluate(rec, limit, now, NextPeriodStart(period, now))
	res.Remaining = max(limit-rec.Count, 0)
	return res, nil
}

// Reset 管理操作：清空某用户某资源在指定周期上的用量
func (t *Tracker) Reset(ctx context.Context, userKey string, resource xrule.ResourceType, period xrule.LimitType) error {
	if !period.IsQuota() {
		return fmt.Errorf("%w: %s is not a quota period", ErrInvalidQuota, period)
	}
	return t.kv.Delete(ctx, Key(period, userKey, resource))
}

// Usages 列出某用户在所有周期、资源上的当前用量，已跨周期的记录按 0 计
func (t *Tracker) Usages(ctx context.Context, userKey string, now time.Time) ([]Usage, error) {
	var out []Usage
	err := t.kv.Scan(ctx, keyPrefix, func(key string, value []byte) error {
		period, resource, user, ok := parseKey(key)
		if !ok || user != userKey {
			return nil
		}
		rec, err := decode(value, true)
		if err != nil {
			return err
		}
		start := PeriodStart(period, now)
		rec, _ = roll(rec, start)
		out = append(out, Usage{
			UserKey:     user,
			Resource:    resource,
			Period:      period,
			PeriodStart: time.Unix(0, rec.PeriodStart).UTC(),
			Count:       rec.Count,
		})
		return nil
	})
	return out, err
}

func validate(period xrule.LimitType, limit int64) error {
	if !period.IsQuota() {
		return fmt.Errorf("%w: %s is not a quota period", ErrInvalidQuota, period)
	}
	if limit <= 0 {
		return fmt.Errorf("%w: cap must be positive, got %d", ErrInvalidQuota, limit)
	}
	return nil
}

func decode(cur []byte, exists bool) (record, error) {
	var rec record
	if !exists || len(cur) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(cur, &rec); err != nil {
		return rec, fmt.Errorf("xquota: corrupt usage: %w", err)
	}
	return rec, nil
}

// roll 存储的周期早于 start 时归零。存储的周期晚于 start（本节点时钟落后）时沿用存储值，
// 不会把别的节点已进入的新周期退回去。
func roll(rec record, start time.Time) (record, bool) {
	s := start.UnixNano()
	if rec.PeriodStart < s {
		return record{PeriodStart: s}, true
	}
	return rec, false
}

func evaluate(rec record, limit int64, now, next time.Time) Result {
	res := Result{
		Cap:         limit,
		Used:        rec.Count,
		PeriodStart: time.Unix(0, rec.PeriodStart).UTC(),
		ResetAt:     next,
		Allowed:     rec.Count+1 <= limit,
	}
	if res.Allowed {
		res.Remaining = limit - rec.Count - 1
	} else {
		res.RetryAfter = max(next.Sub(now), time.Millisecond)
	}
	return res
}

// ttlFor 记录保留到下一周期起点之后一天
func ttlFor(next, now time.Time) time.Duration {
	return next.Sub(now) + 24*time.Hour
}

func parseKey(key string) (xrule.LimitType, xrule.ResourceType, string, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return 0, 0, "", false
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return 0, 0, "", false
	}
	period, err := xrule.ParseLimitType(parts[0])
	if err != nil || !period.IsQuota() {
		return 0, 0, "", false
	}
	resource, err := xrule.ParseResourceType(parts[1])
	if err != nil {
		return 0, 0, "", false
	}
	return period, resource, parts[2], true
}
