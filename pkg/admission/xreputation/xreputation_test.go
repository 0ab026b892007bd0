package xreputation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xadmit/pkg/admission/xevent"
	"github.com/omeyang/xadmit/pkg/admission/xsink"
	"github.com/omeyang/xadmit/pkg/admission/xstore"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type node struct {
	mgr *Manager
	kv  *xstore.Memory
	log *xevent.MemoryLog
}

func newNode(t *testing.T, id string, opts ...Option) node {
	t.Helper()
	kv := xstore.NewMemory()
	log := xevent.NewMemoryLog()
	opts = append([]Option{WithNow(func() time.Time { return t0 })}, opts...)
	mgr, err := New(kv, log, xevent.NewClock(id, func() time.Time { return t0 }), opts...)
	require.NoError(t, err)
	return node{mgr: mgr, kv: kv, log: log}
}

func TestPolicy_TierBoundaries(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		score int
		tier  Tier
		mult  float64
	}{
		{0, TierFlagged, 0.5},
		{19, TierFlagged, 0.5},
		{20, TierStandard, 1.0},
		{79, TierStandard, 1.0},
		{80, TierTrusted, 1.5},
		{89, TierTrusted, 1.5},
		{90, TierTrusted, 1.5},
		{100, TierTrusted, 1.5},
	}
	for _, tt := range tests {
		tier := p.TierFor(tt.score, false)
		assert.Equal(t, tt.tier, tier, "score %d", tt.score)
		assert.InDelta(t, tt.mult, p.Multiplier(tier), 1e-12, "score %d", tt.score)
		assert.Equal(t, TierPremium, p.TierFor(tt.score, true), "vip overrides score %d", tt.score)
	}
	assert.InDelta(t, 2.0, p.Multiplier(TierPremium), 1e-12)
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	mutations := []func(*Policy){
		func(p *Policy) { p.Penalties[1] = -1 },
		func(p *Policy) { p.CleanSampleEvery = 0 },
		func(p *Policy) { p.DecayTarget = 101 },
		func(p *Policy) { p.FlaggedBelow = 90 },
		func(p *Policy) { p.TrustedMultiplier = 0.9 },
		func(p *Policy) { p.CacheTTL = 0 },
	}
	for i, mutate := range mutations {
		p := DefaultPolicy()
		mutate(&p)
		assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy, "case %d", i)
	}
}

func TestPolicy_Decay(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 95, p.Decay(100))
	assert.Equal(t, 50, p.Decay(53))
	assert.Equal(t, 50, p.Decay(47))
	assert.Equal(t, 50, p.Decay(50))
	assert.Equal(t, 5, p.Decay(0))
}

func TestAdaptiveLimit(t *testing.T) {
	assert.Equal(t, int64(90), AdaptiveLimit(100, 1.5*0.6))
	assert.Equal(t, int64(200), AdaptiveLimit(100, 2.0))
	assert.Equal(t, int64(1), AdaptiveLimit(1, 0.5*0.2))
	assert.Equal(t, int64(3), AdaptiveLimit(7, 0.5))
}

func TestGet_LazyDefault(t *testing.T) {
	n := newNode(t, "n1")
	sc, err := n.mgr.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 50, sc.Score)
	assert.Equal(t, TierStandard, sc.Tier)
	assert.InDelta(t, 1.0, sc.Multiplier, 1e-12)
	assert.Zero(t, n.kv.Len(), "reading does not persist")

	_, err = n.mgr.Get(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyUser)
}

func TestRecordViolation(t *testing.T) {
	ctx := context.Background()
	bus := xsink.NewBus()
	notes, cancel := bus.Subscribe(16)
	defer cancel()
	n := newNode(t, "n1", WithSink(bus))

	sc, err := n.mgr.RecordViolation(ctx, "alice", 1, "burst")
	require.NoError(t, err)
	assert.Equal(t, 47, sc.Score)
	sc, err = n.mgr.RecordViolation(ctx, "alice", 2, "burst")
	require.NoError(t, err)
	assert.Equal(t, 41, sc.Score)
	sc, err = n.mgr.RecordViolation(ctx, "alice", 3, "admin")
	require.NoError(t, err)
	assert.Equal(t, 32, sc.Score)
	assert.Equal(t, int64(3), sc.ViolationCount)

	// 等级越界按边界处理
	sc, err = n.mgr.RecordViolation(ctx, "alice", 7, "x")
	require.NoError(t, err)
	assert.Equal(t, 23, sc.Score)

	note := <-notes
	assert.Equal(t, xsink.KindViolation, note.Kind)
	assert.Equal(t, "alice", note.UserID)
	assert.Equal(t, "n1", note.Node)
	assert.Equal(t, 47, note.Score)

	hist, err := n.mgr.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, -3, hist[0].ScoreDelta)
	assert.Equal(t, xevent.TypeViolation, hist[0].Type)
	assert.NoError(t, hist[0].Validate())
	assert.NotZero(t, hist[0].ID)
}

func TestScoreClampedAndDeltaRecordedAfterClamp(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "n1")
	for range 10 {
		sc, err := n.mgr.RecordViolation(ctx, "bob", 3, "x")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, sc.Score, 0)
	}
	sc, err := n.mgr.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, sc.Score)
	assert.Equal(t, TierFlagged, sc.Tier)

	hist, err := n.mgr.History(ctx, "bob")
	require.NoError(t, err)
	sum := 0
	for _, ev := range hist {
		sum += ev.ScoreDelta
	}
	assert.Equal(t, -50, sum)
	assert.Equal(t, 0, hist[len(hist)-1].ScoreDelta)
}

func TestRecordCleanRequest_Sampled(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "n1")

	recorded := 0
	for range 25 {
		ok, err := n.mgr.RecordCleanRequest(ctx, "carol")
		require.NoError(t, err)
		if ok {
			recorded++
		}
	}
	assert.Equal(t, 2, recorded)
	sc, err := n.mgr.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 52, sc.Score)
	assert.Equal(t, int64(2), sc.CleanCount)

	// 满分后不再增长
	_, err = n.mgr.SetUserReputation(ctx, "carol", 100, "test")
	require.NoError(t, err)
	for range 10 {
		_, err := n.mgr.RecordCleanRequest(ctx, "carol")
		require.NoError(t, err)
	}
	sc, err = n.mgr.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 100, sc.Score)
}

func TestGetAdaptiveLimit_MonotonicInScore(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "n1")
	prev := int64(0)
	for score := 0; score <= 100; score++ {
		_, err := n.mgr.SetUserReputation(ctx, "dave", score, "sweep")
		require.NoError(t, err)
		limit, err := n.mgr.GetAdaptiveLimit(ctx, "dave", 100)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, limit, prev, "score %d", score)
		prev = limit
	}
	assert.Equal(t, int64(150), prev)

	_, err := n.mgr.SetUserReputation(ctx, "dave", 101, "bad")
	assert.ErrorIs(t, err, ErrInvalidScore)
}

func TestVIP_OverridesTier(t *testing.T) {
	ctx := context.Background()
	now := t0
	n := newNode(t, "n1", WithNow(func() time.Time { return now }))

	_, err := n.mgr.SetUserReputation(ctx, "erin", 10, "abuse")
	require.NoError(t, err)
	limit, err := n.mgr.GetAdaptiveLimit(ctx, "erin", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(50), limit)

	sc, err := n.mgr.SetVIPTier(ctx, "erin", VIPPremium, t0.Add(time.Hour), "contract")
	require.NoError(t, err)
	assert.Equal(t, TierPremium, sc.Tier)
	assert.Equal(t, 10, sc.Score)
	limit, err = n.mgr.GetAdaptiveLimit(ctx, "erin", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(200), limit)

	// 过期后回到分数决定的等级
	now = t0.Add(2 * time.Hour)
	sc, err = n.mgr.Get(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, TierFlagged, sc.Tier)
	assert.Empty(t, sc.VIPTier)

	now = t0
	_, err = n.mgr.SetVIPTier(ctx, "erin", VIPPremium, time.Time{}, "permanent")
	require.NoError(t, err)
	sc, err = n.mgr.RemoveVIPTier(ctx, "erin", "ended")
	require.NoError(t, err)
	assert.Equal(t, TierFlagged, sc.Tier)

	_, err = n.mgr.SetVIPTier(ctx, "erin", "gold", time.Time{}, "")
	assert.ErrorIs(t, err, ErrUnknownVIPTier)

	hist, err := n.mgr.History(ctx, "erin")
	require.NoError(t, err)
	for _, ev := range hist {
		assert.True(t, ev.Manual, "%s must be tagged manual", ev.Type)
	}
}

func TestApplyDecayAll_ConvergesWithoutOvershoot(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "n1")
	start := map[string]int{"hi": 100, "lo": 0, "near": 52, "mid": 50}
	for user, score := range start {
		_, err := n.mgr.SetUserReputation(ctx, user, score, "seed")
		require.NoError(t, err)
	}

	prev := start
	for round := 0; round < 15; round++ {
		_, err := n.mgr.ApplyDecayAll(ctx)
		require.NoError(t, err)
		cur := make(map[string]int)
		for user := range start {
			sc, err := n.mgr.Get(ctx, user)
			require.NoError(t, err)
			cur[user] = sc.Score
			if start[user] >= 50 {
				assert.GreaterOrEqual(t, sc.Score, 50)
				assert.LessOrEqual(t, sc.Score, prev[user])
			} else {
				assert.LessOrEqual(t, sc.Score, 50)
				assert.GreaterOrEqual(t, sc.Score, prev[user])
			}
		}
		prev = cur
	}
	for user := range start {
		assert.Equal(t, 50, prev[user], user)
	}

	changed, err := n.mgr.ApplyDecayAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestCache_InvalidatedOnMutation(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "n1")
	_, err := n.mgr.Get(ctx, "frank")
	require.NoError(t, err)
	_, err = n.mgr.RecordViolation(ctx, "frank", 2, "x")
	require.NoError(t, err)
	sc, err := n.mgr.Get(ctx, "frank")
	require.NoError(t, err)
	assert.Equal(t, 44, sc.Score)
}

// exchange 把 from 日志中的事件追加到 to，模拟一次同步
func exchange(t *testing.T, from, to node) {
	t.Helper()
	events, err := from.log.Since(context.Background(), 0, 0)
	require.NoError(t, err)
	for _, ev := range events {
		to.mgr.clock.Observe(ev.Lamport)
		_, err := to.log.Append(context.Background(), ev)
		require.NoError(t, err)
	}
}

func TestApplyMerged_Converges(t *testing.T) {
	ctx := context.Background()
	a, b := newNode(t, "a"), newNode(t, "b")

	_, err := a.mgr.RecordViolation(ctx, "u", 3, "x")
	require.NoError(t, err)
	_, err = a.mgr.RecordViolation(ctx, "u", 1, "x")
	require.NoError(t, err)
	_, err = b.mgr.RecordViolation(ctx, "u", 2, "y")
	require.NoError(t, err)

	exchange(t, a, b)
	exchange(t, b, a)

	sa, err := a.mgr.ApplyMerged(ctx, "u")
	require.NoError(t, err)
	sb, err := b.mgr.ApplyMerged(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 50-9-3-6, sa.Score)
	assert.Equal(t, sa.Score, sb.Score)
	assert.Equal(t, int64(3), sb.ViolationCount)

	got, err := b.mgr.Get(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, sa.Score, got.Score)

	// 合并后的本地变更在合并状态之上继续
	sc, err := b.mgr.RecordViolation(ctx, "u", 1, "z")
	require.NoError(t, err)
	assert.Equal(t, 29, sc.Score)
}

func TestCompact(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "n1")
	for range 3 {
		_, err := n.mgr.RecordViolation(ctx, "g", 2, "x")
		require.NoError(t, err)
	}
	_, err := n.mgr.RecordViolation(ctx, "h", 1, "x")
	require.NoError(t, err)

	before, err := n.mgr.Merged(ctx, "g")
	require.NoError(t, err)

	// 固定时钟下事件时间戳为 t0..t0+3ns，折叠前两条
	removed, err := n.mgr.Compact(ctx, time.Unix(0, t0.UnixNano()+2))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, n.log.Len())

	after, err := n.mgr.Merged(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, before.Score, after.Score)
	assert.Equal(t, before.ViolationCount, after.ViolationCount)

	sc, err := n.mgr.ApplyMerged(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 32, sc.Score)
}

func TestApplyMerged_CleanAtMaxRecordsZeroDelta(t *testing.T) {
	ctx := context.Background()
	p := DefaultPolicy()
	p.CleanReward = 50
	p.CleanSampleEvery = 1
	a, b := newNode(t, "a", WithPolicy(p)), newNode(t, "b", WithPolicy(p))

	for range 2 {
		recorded, err := a.mgr.RecordCleanRequest(ctx, "gail")
		require.NoError(t, err)
		require.True(t, recorded)
	}
	hist, err := a.mgr.History(ctx, "gail")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 50, hist[0].ScoreDelta)
	assert.Equal(t, 0, hist[1].ScoreDelta, "reward at the ceiling is recorded as applied")

	_, err = b.mgr.RecordViolation(ctx, "gail", 3, "x")
	require.NoError(t, err)

	exchange(t, a, b)
	exchange(t, b, a)

	sa, err := a.mgr.ApplyMerged(ctx, "gail")
	require.NoError(t, err)
	sb, err := b.mgr.ApplyMerged(ctx, "gail")
	require.NoError(t, err)
	assert.Equal(t, 50+50+0-9, sa.Score)
	assert.Equal(t, sa.Score, sb.Score)
}
