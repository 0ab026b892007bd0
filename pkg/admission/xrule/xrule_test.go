package xrule

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnums_TextRoundTrip(t *testing.T) {
	r := Rule{ID: "r1", Scope: ScopeIP, LimitType: PerWeek, LimitValue: 10, ResourceType: ResourceFileWrite}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scope":"ip"`)
	assert.Contains(t, string(data), `"limit_type":"per_week"`)
	assert.Contains(t, string(data), `"resource_type":"file_write"`)

	var back Rule
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r.Scope, back.Scope)
	assert.Equal(t, r.LimitType, back.LimitType)
	assert.Equal(t, r.ResourceType, back.ResourceType)

	_, err = ParseScope("tenant")
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = ParseLimitType("per_year")
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Error(t, json.Unmarshal([]byte(`{"resource_type":"gpu"}`), &back))
}

func TestLimitType_Table(t *testing.T) {
	assert.Equal(t, time.Minute, PerMinute.Window())
	assert.False(t, PerHour.IsQuota())
	assert.True(t, PerMonth.IsQuota())
	assert.Zero(t, PerDay.Window())
	assert.Equal(t, 3, ResourceAdmin.Sensitivity())
	assert.Equal(t, 1, ResourceType(200).Sensitivity())
}

func TestRule_Validate(t *testing.T) {
	ok := Rule{ID: "a", Scope: ScopeUser, LimitType: PerMinute, LimitValue: 1}
	require.NoError(t, ok.Validate())

	bad := []Rule{
		{Scope: ScopeUser, LimitType: PerMinute, LimitValue: 1},
		{ID: "a", Scope: Scope(9), LimitType: PerMinute, LimitValue: 1},
		{ID: "a", Scope: ScopeUser, LimitType: LimitType(9), LimitValue: 1},
		{ID: "a", Scope: ScopeUser, LimitType: PerMinute, LimitValue: 0},
		{ID: "a", Scope: ScopeGlobal, ScopeValue: "x", LimitType: PerMinute, LimitValue: 1},
	}
	for i, r := range bad {
		assert.ErrorIs(t, r.Validate(), ErrInvalidRule, "case %d", i)
	}
}

func TestResolve_MostSpecific(t *testing.T) {
	rules := []Rule{
		{ID: "any-any", Scope: ScopeUser, LimitType: PerMinute, LimitValue: 100},
		{ID: "any-cmd", Scope: ScopeUser, LimitType: PerMinute, LimitValue: 50, ResourceType: ResourceCommand},
		{ID: "alice-any", Scope: ScopeUser, ScopeValue: "alice", LimitType: PerMinute, LimitValue: 20},
		{ID: "alice-cmd", Scope: ScopeUser, ScopeValue: "alice", LimitType: PerMinute, LimitValue: 10, ResourceType: ResourceCommand},
		{ID: "alice-off", Scope: ScopeUser, ScopeValue: "alice", LimitType: PerSecond, LimitValue: 1, ResourceType: ResourceCommand, Disabled: true},
		{ID: "day", Scope: ScopeUser, LimitType: PerDay, LimitValue: 1000},
		{ID: "day-alice", Scope: ScopeUser, ScopeValue: "alice", LimitType: PerDay, LimitValue: 500},
		{ID: "month", Scope: ScopeUser, LimitType: PerMonth, LimitValue: 9000},
	}

	tests := []struct {
		value    string
		resource ResourceType
		window   string
		quotas   []string
	}{
		{"alice", ResourceCommand, "alice-cmd", []string{"day-alice", "month"}},
		{"alice", ResourceAPI, "alice-any", []string{"day-alice", "month"}},
		{"bob", ResourceCommand, "any-cmd", []string{"day", "month"}},
		{"bob", ResourceAPI, "any-any", []string{"day", "month"}},
	}
	for _, tt := range tests {
		res, err := resolve(rules, nil, ScopeUser, tt.value, tt.resource)
		require.NoError(t, err)
		assert.Equal(t, tt.window, res.Window.ID, "%s/%s", tt.value, tt.resource)
		assert.False(t, res.Fallback)
		var ids []string
		for _, q := range res.Quotas {
			ids = append(ids, q.ID)
		}
		assert.Equal(t, tt.quotas, ids)
	}
}

func TestStore_DefaultRuleAndNoRule(t *testing.T) {
	ctx := context.Background()
	def := Rule{ID: "default", Scope: ScopeGlobal, LimitType: PerMinute, LimitValue: 60}

	s, err := NewStore(ctx, NewMemoryRepository(), WithDefaultRule(def))
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Resolve(ctx, ScopeIP, "10.0.0.1", ResourceAPI)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, "default", res.Window.ID)

	bare, err := NewStore(ctx, NewMemoryRepository())
	require.NoError(t, err)
	defer bare.Close()
	_, err = bare.Resolve(ctx, ScopeIP, "10.0.0.1", ResourceAPI)
	assert.ErrorIs(t, err, ErrNoRule)

	_, err = NewStore(ctx, NewMemoryRepository(), WithDefaultRule(Rule{ID: "q", Scope: ScopeGlobal, LimitType: PerDay, LimitValue: 1}))
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestStore_InvalidateOnWrite(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, NewMemoryRepository(
		Rule{ID: "u", Scope: ScopeUser, LimitType: PerMinute, LimitValue: 10},
	))
	require.NoError(t, err)
	defer s.Close()

	v0 := s.Version()
	res, err := s.Resolve(ctx, ScopeUser, "alice", ResourceAPI)
	require.NoError(t, err)
	assert.EqualValues(t, 10, res.Window.LimitValue)

	require.NoError(t, s.Put(ctx, Rule{ID: "u", Scope: ScopeUser, LimitType: PerMinute, LimitValue: 5}))
	assert.Greater(t, s.Version(), v0)

	res, err = s.Resolve(ctx, ScopeUser, "alice", ResourceAPI)
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.Window.LimitValue)

	require.NoError(t, s.Delete(ctx, "u"))
	_, err = s.Resolve(ctx, ScopeUser, "alice", ResourceAPI)
	assert.ErrorIs(t, err, ErrNoRule)
	assert.ErrorIs(t, s.Delete(ctx, "u"), ErrNotFound)

	assert.ErrorIs(t, s.Put(ctx, Rule{ID: "bad"}), ErrInvalidRule)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStore_TTLRefresh(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	repo := NewMemoryRepository(Rule{ID: "u", Scope: ScopeUser, LimitType: PerMinute, LimitValue: 10})

	s, err := NewStore(ctx, repo, WithTTL(time.Minute), WithClock(clk.Now))
	require.NoError(t, err)
	defer s.Close()

	// 绕过 Store 直接改仓库，模拟其他节点写入
	require.NoError(t, repo.Put(ctx, Rule{ID: "u", Scope: ScopeUser, LimitType: PerMinute, LimitValue: 3}))

	res, err := s.Resolve(ctx, ScopeUser, "alice", ResourceAPI)
	require.NoError(t, err)
	assert.EqualValues(t, 10, res.Window.LimitValue, "fresh snapshot is served until TTL")

	clk.Advance(2 * time.Minute)
	res, err = s.Resolve(ctx, ScopeUser, "alice", ResourceAPI)
	require.NoError(t, err)
	assert.EqualValues(t, 10, res.Window.LimitValue, "stale snapshot is served while refreshing")

	assert.Eventually(t, func() bool {
		res, err := s.Resolve(ctx, ScopeUser, "alice", ResourceAPI)
		return err == nil && res.Window.LimitValue == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStore_Replace(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(
		Rule{ID: "old", Scope: ScopeIP, LimitType: PerSecond, LimitValue: 1},
	)
	s, err := NewStore(ctx, repo)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Replace(ctx, []Rule{
		{ID: "new", Scope: ScopeIP, LimitType: PerMinute, LimitValue: 30},
	}))
	rules := s.List()
	require.Len(t, rules, 1)
	assert.Equal(t, "new", rules[0].ID)
	assert.False(t, rules[0].UpdatedAt.IsZero())

	err = s.Replace(ctx, []Rule{{ID: "x", LimitValue: -1}})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

type failingRepo struct{ MemoryRepository }

func (f *failingRepo) List(context.Context) ([]Rule, error) {
	return nil, errors.New("mongo down")
}

func TestNewStore_LoadError(t *testing.T) {
	_, err := NewStore(context.Background(), &failingRepo{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo down")
}
