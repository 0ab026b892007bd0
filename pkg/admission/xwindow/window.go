// Package xwindow 实现滑动窗口限流（加权的前后两个固定窗口）。
//
// 当前窗口的估计值：
//
//	estimate = count + prev × (1 − elapsed/window)
//
// elapsed 先减去时钟偏差容忍度（默认 1s）再截断到 [0, window]，
// 节点间时钟略有偏差时，上一窗口的权重偏高，估计偏保守。
// 放行条件 estimate + 1 ≤ limit；放行时在同一次原子更新内 count+1。
//
// 桶状态保存在 xstore.KV 中，键为 "win:<limit_type>:<scope_key>"，
// TTL 为两个窗口长度；[Limiter.Sweep] 清理已无意义的旧桶。
package xwindow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/omeyang/xadmit/pkg/admission/xrule"
	"github.com/omeyang/xadmit/pkg/admission/xstore"
)

// DefaultSkewTolerance 默认时钟偏差容忍度
const DefaultSkewTolerance = time.Second

const keyPrefix = "win:"

// ErrInvalidLimit 限额或窗口类型无效
var ErrInvalidLimit = errors.New("xwindow: invalid limit")

// Result 一次检查的结果
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// ResetAt 当前固定窗口结束时间
	ResetAt time.Time
	// RetryAfter 仅在拒绝时有意义：当前窗口计数已满时指向窗口重置时刻，
	// 仅因上一窗口权重被拒时指向估计值回落到可放行的时刻
	RetryAfter time.Duration
	// Estimate 检查时的加权估计值（不含本次请求）
	Estimate float64
}

// bucket 持久化的桶状态
type bucket struct {
	WindowStart int64 `json:"ws"` // unix 纳秒
	Count       int64 `json:"c"`
	Prev        int64 `json:"p"`
}

// Option 配置 Limiter
type Option func(*Limiter)

// WithSkewTolerance 设置时钟偏差容忍度，0 表示不容忍
func WithSkewTolerance(d time.Duration) Option {
	return func(l *Limiter) {
		if d >= 0 {
			l.skew = d
		}
	}
}

// Limiter 滑动窗口限流器
type Limiter struct {
	kv   xstore.KV
	skew time.Duration
}

// New 创建限流器
func New(kv xstore.KV, opts ...Option) *Limiter {
	l := &Limiter{kv: kv, skew: DefaultSkewTolerance}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Key 桶在存储中的键
func Key(lt xrule.LimitType, scopeKey string) string {
	return keyPrefix + lt.String() + ":" + scopeKey
}

// CheckAndConsume 检查并在放行时消耗一个配额。存储错误原样返回，由调用方决定失败策略。
func (l *Limiter) CheckAndConsume(ctx context.Context, scopeKey string, lt xrule.LimitType, limit int64, now time.Time) (Result, error) {
	w, err := validate(lt, limit)
	if err != nil {
		return Result{}, err
	}

	var res Result
	_, err = l.kv.Update(ctx, Key(lt, scopeKey), 2*w+l.skew, func(cur []byte, exists bool) ([]byte, error) {
		b, err := decode(cur, exists)
		if err != nil {
			return nil, err
		}
		b = advance(b, w, now)
		res = l.evaluate(b, w, limit, now)
		if !res.Allowed {
			return nil, nil
		}
		b.Count++
		return json.Marshal(b)
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Release 归还一次 CheckAndConsume 消耗的配额。resetAt 取自那次的 Result.ResetAt，
// 窗口已经滚动时不做任何事。
func (l *Limiter) Release(ctx context.Context, scopeKey string, lt xrule.LimitType, resetAt time.Time) error {
	w := lt.Window()
	if w <= 0 {
		return fmt.Errorf("%w: %s is not a window type", ErrInvalidLimit, lt)
	}
	ws := resetAt.Add(-w).UnixNano()
	_, err := l.kv.Update(ctx, Key(lt, scopeKey), 2*w+l.skew, func(cur []byte, exists bool) ([]byte, error) {
		b, err := decode(cur, exists)
		if err != nil || !exists || b.WindowStart != ws || b.Count == 0 {
			return nil, err
		}
		b.Count--
		return json.Marshal(b)
	})
	return err
}

// Status 只读查询，不消耗
func (l *Limiter) Status(ctx context.Context, scopeKey string, lt xrule.LimitType, limit int64, now time.Time) (Result, error) {
	w, err := validate(lt, limit)
	if err != nil {
		return Result{}, err
	}
	cur, exists, err := l.kv.Get(ctx, Key(lt, scopeKey))
	if err != nil {
		return Result{}, err
	}
	b, err := decode(cur, exists)
	if err != nil {
		return Result{}, err
	}
	return l.evaluate(advance(b, w, now), w, limit, now), nil
}

// Sweep 删除结束超过一个窗口的桶（此时它既不是当前窗口也不是上一窗口），返回删除数量
func (l *Limiter) Sweep(ctx context.Context, now time.Time) (int, error) {
	var stale []string
	err := l.kv.Scan(ctx, keyPrefix, func(key string, value []byte) error {
		lt, ok := limitTypeOf(key)
		if !ok {
			return nil
		}
		b, err := decode(value, true)
		if err != nil || isStale(b, lt.Window(), now) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range stale {
		lt, _ := limitTypeOf(key)
		deleted := false
		// 在原子更新内复查，期间被新请求写入的桶不删
		_, err := l.kv.Update(ctx, key, 0, func(cur []byte, exists bool) ([]byte, error) {
			deleted = false
			if !exists {
				return nil, nil
			}
			b, err := decode(cur, true)
			if err != nil || isStale(b, lt.Window(), now) {
				deleted = true
				return xstore.Tombstone, nil
			}
			return nil, nil
		})
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

func validate(lt xrule.LimitType, limit int64) (time.Duration, error) {
	w := lt.Window()
	if w <= 0 {
		return 0, fmt.Errorf("%w: %s is not a window type", ErrInvalidLimit, lt)
	}
	if limit <= 0 {
		return 0, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidLimit, limit)
	}
	return w, nil
}

func decode(cur []byte, exists bool) (bucket, error) {
	var b bucket
	if !exists || len(cur) == 0 {
		return b, nil
	}
	if err := json.Unmarshal(cur, &b); err != nil {
		return b, fmt.Errorf("xwindow: corrupt bucket: %w", err)
	}
	return b, nil
}

func windowStart(now time.Time, w time.Duration) int64 {
	n := now.UnixNano()
	return n - n%int64(w)
}

// advance 把桶滚动到 now 所在的窗口
func advance(b bucket, w time.Duration, now time.Time) bucket {
	ws := windowStart(now, w)
	switch {
	case b.WindowStart == ws:
		return b
	case b.WindowStart == ws-int64(w):
		return bucket{WindowStart: ws, Prev: b.Count}
	default:
		return bucket{WindowStart: ws}
	}
}

func isStale(b bucket, w time.Duration, now time.Time) bool {
	return b.WindowStart+2*int64(w) <= now.UnixNano()
}

func (l *Limiter) evaluate(b bucket, w time.Duration, limit int64, now time.Time) Result {
	start := time.Unix(0, b.WindowStart).UTC()
	elapsed := min(max(now.Sub(start)-l.skew, 0), w)
	frac := float64(elapsed) / float64(w)
	estimate := float64(b.Count) + float64(b.Prev)*(1-frac)

	res := Result{
		Limit:    limit,
		ResetAt:  start.Add(w),
		Estimate: estimate,
		Allowed:  estimate+1 <= float64(limit),
	}
	left := float64(limit) - estimate
	if res.Allowed {
		left--
	}
	res.Remaining = max(int64(math.Floor(left)), 0)

	if !res.Allowed {
		res.RetryAfter = l.retryAfter(b, w, limit, now, start)
	}
	return res
}

// retryAfter 上一窗口的权重随时间线性衰减，求 estimate+1 ≤ limit 成立的最早时刻
func (l *Limiter) retryAfter(b bucket, w time.Duration, limit int64, now, start time.Time) time.Duration {
	reset := start.Add(w)
	at := reset
	if b.Count+1 <= limit && b.Prev > 0 {
		need := 1 - float64(limit-b.Count-1)/float64(b.Prev)
		at = start.Add(l.skew + time.Duration(math.Ceil(need*float64(w))))
		if at.After(reset) {
			at = reset
		}
	}
	return max(at.Sub(now), time.Millisecond)
}

func limitTypeOf(key string) (xrule.LimitType, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return 0, false
	}
	name, _, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, false
	}
	lt, err := xrule.ParseLimitType(name)
	if err != nil || lt.IsQuota() {
		return 0, false
	}
	return lt, true
}
