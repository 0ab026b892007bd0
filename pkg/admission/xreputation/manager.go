package xreputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/omeyang/xadmit/pkg/admission/xevent"
	"github.com/omeyang/xadmit/pkg/admission/xsink"
	"github.com/omeyang/xadmit/pkg/admission/xstore"
	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

const (
	keyPrefix        = "rep:"
	checkpointPrefix = "repcp:"
)

var (
	// ErrEmptyUser 用户 ID 为空
	ErrEmptyUser = errors.New("xreputation: empty user id")
	// ErrInvalidScore 管理员设置的分数超出 [0,100]
	ErrInvalidScore = errors.New("xreputation: score out of range")
	// ErrUnknownVIPTier 未知 VIP 等级
	ErrUnknownVIPTier = errors.New("xreputation: unknown vip tier")
	// errStaleMerge 物化期间本地又有新事件
	errStaleMerge = errors.New("xreputation: merged state is stale")
)

// Score 用户信誉视图
type Score struct {
	UserID         string    `json:"user_id"`
	Score          int       `json:"score"`
	Tier           Tier      `json:"tier"`
	Multiplier     float64   `json:"multiplier"`
	VIPTier        string    `json:"vip_tier,omitempty"`
	VIPExpiresAt   time.Time `json:"vip_expires_at,omitzero"`
	ViolationCount int64     `json:"violation_count"`
	CleanCount     int64     `json:"clean_count"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

// Option 配置 Manager
type Option func(*Manager)

// WithPolicy 设置策略，调用方负责先 Validate
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithLogger 设置日志
func WithLogger(l xlog.Logger) Option {
	return func(m *Manager) { m.logger = xlog.OrNop(l) }
}

// WithSink 设置通知出口
func WithSink(s xsink.Sink) Option {
	return func(m *Manager) { m.sink = xsink.OrNop(s) }
}

// WithNow 替换判断 VIP 过期使用的时钟
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager 信誉管理器
type Manager struct {
	kv     xstore.KV
	log    xevent.Log
	clock  *xevent.Clock
	ids    *xevent.IDGenerator
	policy Policy
	logger xlog.Logger
	sink   xsink.Sink
	now    func() time.Time

	cache *expirable.LRU[string, xevent.State]
	// cleanSeen 每个用户的放行计数，用于正常请求采样
	cleanSeen *lru.Cache[string, *atomic.Uint64]
}

// New 创建管理器；clock 决定本节点 ID
func New(kv xstore.KV, log xevent.Log, clock *xevent.Clock, opts ...Option) (*Manager, error) {
	if kv == nil || log == nil || clock == nil {
		return nil, errors.New("xreputation: kv, log and clock are required")
	}
	m := &Manager{
		kv:     kv,
		log:    log,
		clock:  clock,
		policy: DefaultPolicy(),
		logger: xlog.Nop(),
		sink:   xsink.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if err := m.policy.Validate(); err != nil {
		return nil, err
	}
	ids, err := xevent.NewIDGenerator(clock.Node())
	if err != nil {
		return nil, err
	}
	m.ids = ids
	m.cache = expirable.NewLRU[string, xevent.State](m.policy.CacheSize, nil, m.policy.CacheTTL)
	m.cleanSeen, err = lru.New[string, *atomic.Uint64](m.policy.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("xreputation: clean sampler: %w", err)
	}
	return m, nil
}

// Policy 当前策略
func (m *Manager) Policy() Policy { return m.policy }

// Node 本节点 ID
func (m *Manager) Node() string { return m.clock.Node() }

// Get 返回用户信誉，首次访问时为 50 分 standard（此时不落盘）
func (m *Manager) Get(ctx context.Context, userID string) (Score, error) {
	st, err := m.state(ctx, userID)
	if err != nil {
		return Score{}, err
	}
	return m.view(st), nil
}

// Multiplier 用户当前乘数
func (m *Manager) Multiplier(ctx context.Context, userID string) (float64, error) {
	sc, err := m.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return sc.Multiplier, nil
}

// GetAdaptiveLimit VIP 生效时用 VIP 乘数，否则用等级乘数；结果至少为 1
func (m *Manager) GetAdaptiveLimit(ctx context.Context, userID string, base int64) (int64, error) {
	mult, err := m.Multiplier(ctx, userID)
	if err != nil {
		return 0, err
	}
	return AdaptiveLimit(base, mult), nil
}

func (m *Manager) state(ctx context.Context, userID string) (xevent.State, error) {
	if userID == "" {
		return xevent.State{}, ErrEmptyUser
	}
	if st, ok := m.cache.Get(userID); ok {
		return st, nil
	}
	raw, exists, err := m.kv.Get(ctx, keyPrefix+userID)
	if err != nil {
		return xevent.State{}, err
	}
	st, err := decodeState(userID, raw, exists)
	if err != nil {
		return xevent.State{}, err
	}
	m.cache.Add(userID, st)
	return st, nil
}

func (m *Manager) view(st xevent.State) Score {
	now := m.now()
	sc := Score{
		UserID:         st.UserID,
		Score:          st.Score,
		ViolationCount: st.ViolationCount,
		CleanCount:     st.CleanCount,
	}
	if st.Last.Timestamp != 0 {
		sc.UpdatedAt = time.Unix(0, st.Last.Timestamp).UTC()
	}
	vip := vipActive(st, now)
	if vip {
		sc.VIPTier = st.VIPTier
		if st.VIPExpires != 0 {
			sc.VIPExpiresAt = time.Unix(0, st.VIPExpires).UTC()
		}
	}
	sc.Tier = m.policy.TierFor(st.Score, vip)
	sc.Multiplier = m.policy.Multiplier(sc.Tier)
	return sc
}

func vipActive(st xevent.State, now time.Time) bool {
	return st.VIPTier != "" && (st.VIPExpires == 0 || now.UnixNano() < st.VIPExpires)
}

// RecordViolation 按等级扣分（1..3 对应 Policy.Penalties）
func (m *Manager) RecordViolation(ctx context.Context, userID string, severity int, description string) (Score, error) {
	severity = min(max(severity, 1), 3)
	penalty := m.policy.Penalty(severity)
	sc, err := m.mutate(ctx, userID, xevent.Event{Type: xevent.TypeViolation, Severity: severity, Reason: description},
		func(st *xevent.State) { st.Score -= penalty })
	if err != nil {
		return Score{}, err
	}
	m.logger.Info(ctx, "violation recorded",
		slog.String("user", userID), slog.Int("severity", severity), slog.Int("score", sc.Score))
	m.publish(ctx, xsink.Notification{Kind: xsink.KindViolation, UserID: userID, Severity: severity, Score: sc.Score, Detail: description})
	return sc, nil
}

// RecordAnomaly 异常检测产生的违规，事件类型为 anomaly
func (m *Manager) RecordAnomaly(ctx context.Context, userID string, severity int, description string) (Score, error) {
	severity = min(max(severity, 1), 3)
	penalty := m.policy.Penalty(severity)
	sc, err := m.mutate(ctx, userID, xevent.Event{Type: xevent.TypeAnomaly, Severity: severity, Reason: description},
		func(st *xevent.State) { st.Score -= penalty })
	if err != nil {
		return Score{}, err
	}
	m.logger.Info(ctx, "anomaly violation recorded",
		slog.String("user", userID), slog.Int("severity", severity), slog.Int("score", sc.Score))
	return sc, nil
}

// RecordCleanRequest 每 CleanSampleEvery 次放行记录一次加分；未采样时 recorded=false
func (m *Manager) RecordCleanRequest(ctx context.Context, userID string) (recorded bool, err error) {
	if userID == "" {
		return false, ErrEmptyUser
	}
	counter := new(atomic.Uint64)
	if prev, ok, _ := m.cleanSeen.PeekOrAdd(userID, counter); ok {
		counter = prev
	}
	if counter.Add(1)%uint64(m.policy.CleanSampleEvery) != 0 {
		return false, nil
	}
	reward := m.policy.CleanReward
	if _, err := m.mutate(ctx, userID, xevent.Event{Type: xevent.TypeClean},
		func(st *xevent.State) { st.Score += reward }); err != nil {
		return false, err
	}
	m.logger.Debug(ctx, "clean request recorded", slog.String("user", userID))
	return true, nil
}

// SetUserReputation 管理员直接设分
func (m *Manager) SetUserReputation(ctx context.Context, userID string, score int, reason string) (Score, error) {
	if score < xevent.MinScore || score > xevent.MaxScore {
		return Score{}, fmt.Errorf("%w: %d", ErrInvalidScore, score)
	}
	sc, err := m.mutate(ctx, userID, xevent.Event{Type: xevent.TypeManualScore, Score: score, Manual: true, Reason: reason},
		func(st *xevent.State) { st.Score = score })
	if err != nil {
		return Score{}, err
	}
	m.logger.Info(ctx, "reputation overridden", slog.String("user", userID), slog.Int("score", score), slog.String("reason", reason))
	m.publish(ctx, xsink.Notification{Kind: xsink.KindManual, UserID: userID, Score: score, Detail: reason})
	return sc, nil
}

// SetVIPTier 设置 VIP 等级；expiresAt 为零值表示不过期
func (m *Manager) SetVIPTier(ctx context.Context, userID, tier string, expiresAt time.Time, reason string) (Score, error) {
	if tier != VIPPremium {
		return Score{}, fmt.Errorf("%w: %q", ErrUnknownVIPTier, tier)
	}
	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.UnixNano()
	}
	sc, err := m.mutate(ctx, userID, xevent.Event{Type: xevent.TypeVIPSet, VIPTier: tier, VIPExpires: exp, Manual: true, Reason: reason},
		func(st *xevent.State) { st.VIPTier, st.VIPExpires = tier, exp })
	if err != nil {
		return Score{}, err
	}
	m.logger.Info(ctx, "vip tier set", slog.String("user", userID), slog.String("tier", tier), slog.Time("expires_at", expiresAt))
	m.publish(ctx, xsink.Notification{Kind: xsink.KindManual, UserID: userID, Score: sc.Score, Level: tier, Detail: reason})
	return sc, nil
}

// RemoveVIPTier 移除 VIP 等级
func (m *Manager) RemoveVIPTier(ctx context.Context, userID, reason string) (Score, error) {
	sc, err := m.mutate(ctx, userID, xevent.Event{Type: xevent.TypeVIPRemoved, Manual: true, Reason: reason},
		func(st *xevent.State) { st.VIPTier, st.VIPExpires = "", 0 })
	if err != nil {
		return Score{}, err
	}
	m.logger.Info(ctx, "vip tier removed", slog.String("user", userID), slog.String("reason", reason))
	m.publish(ctx, xsink.Notification{Kind: xsink.KindManual, UserID: userID, Score: sc.Score, Detail: reason})
	return sc, nil
}

// History 用户的事件历史（审计窗口内）
func (m *Manager) History(ctx context.Context, userID string) ([]xevent.Event, error) {
	if userID == "" {
		return nil, ErrEmptyUser
	}
	return m.log.ByUser(ctx, userID)
}

// ApplyDecayAll 所有已落盘用户的分数向中性值移动一步，返回发生变化的用户数。
// 每个集群每周期只应运行一次，由调用方保证。
func (m *Manager) ApplyDecayAll(ctx context.Context) (int, error) {
	var users []string
	err := m.kv.Scan(ctx, keyPrefix, func(key string, _ []byte) error {
		users = append(users, strings.TrimPrefix(key, keyPrefix))
		return nil
	})
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		before, err := m.state(ctx, user)
		if err != nil {
			return changed, err
		}
		if m.policy.Decay(before.Score) == before.Score {
			continue
		}
		_, err = m.mutate(ctx, user, xevent.Event{Type: xevent.TypeDecay, Reason: "scheduled decay"},
			func(st *xevent.State) { st.Score = m.policy.Decay(st.Score) })
		if err != nil {
			return changed, err
		}
		changed++
	}
	m.logger.Info(ctx, "reputation decay applied", slog.Int("users", changed))
	if changed > 0 {
		m.publish(ctx, xsink.Notification{Kind: xsink.KindDecay, Detail: fmt.Sprintf("%d users decayed", changed)})
	}
	return changed, nil
}

// mutate 在一次原子更新内修改状态，然后追加事件。
// 事件记录截断后的实际变化量，合并时直接求和。
func (m *Manager) mutate(ctx context.Context, userID string, ev xevent.Event, apply func(*xevent.State)) (Score, error) {
	if userID == "" {
		return Score{}, ErrEmptyUser
	}
	stamp := m.clock.Tick()
	ev.UserID = userID
	ev.Seal(stamp)

	var next xevent.State
	_, err := m.kv.Update(ctx, keyPrefix+userID, 0, func(cur []byte, exists bool) ([]byte, error) {
		st, err := decodeState(userID, cur, exists)
		if err != nil {
			return nil, err
		}
		prev := st.Score
		apply(&st)
		st.Score = xevent.Clamp(st.Score)
		ev.ScoreDelta = st.Score - prev

		switch ev.Type {
		case xevent.TypeViolation, xevent.TypeAnomaly:
			st.ViolationCount++
		case xevent.TypeClean:
			st.CleanCount++
		case xevent.TypeManualScore:
			ev.ScoreDelta = 0
			st.Manual = stamp
		case xevent.TypeVIPSet, xevent.TypeVIPRemoved:
			st.VIP = stamp
		}
		if st.Last.Less(stamp) {
			st.Last = stamp
		}
		next = st
		return json.Marshal(st)
	})
	m.cache.Remove(userID)
	if err != nil {
		return Score{}, err
	}

	id, err := m.ids.Next()
	if err != nil {
		m.logger.Warn(ctx, "event id unavailable", xlog.Err(err))
	}
	ev.ID = id
	if _, err := m.log.Append(ctx, ev); err != nil {
		// 本地状态已生效；事件缺失只影响跨节点同步
		m.logger.Error(ctx, "append reputation event failed",
			slog.String("user", userID), slog.String("type", ev.Type.String()), xlog.Err(err))
	}
	return m.view(next), nil
}

func (m *Manager) publish(ctx context.Context, n xsink.Notification) {
	n.Node = m.clock.Node()
	if n.At.IsZero() {
		n.At = m.now()
	}
	if err := m.sink.Publish(ctx, n); err != nil {
		m.logger.Warn(ctx, "publish notification failed", slog.String("kind", n.Kind.String()), xlog.Err(err))
	}
}

func decodeState(userID string, raw []byte, exists bool) (xevent.State, error) {
	if !exists || len(raw) == 0 {
		return xevent.NewState(userID), nil
	}
	var st xevent.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return xevent.State{}, fmt.Errorf("xreputation: corrupt state for %s: %w", userID, err)
	}
	st.UserID = userID
	return st, nil
}
