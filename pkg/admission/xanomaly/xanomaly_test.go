package xanomaly

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omeyang/xadmit/pkg/admission/xevent"
	"github.com/omeyang/xadmit/pkg/admission/xreputation"
	"github.com/omeyang/xadmit/pkg/admission/xrule"
	"github.com/omeyang/xadmit/pkg/admission/xsink"
	"github.com/omeyang/xadmit/pkg/admission/xstore"
)

var t0 = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

type violation struct {
	user     string
	severity int
}

type fakeRecorder struct {
	mu   sync.Mutex
	got  []violation
	fail error
}

func (f *fakeRecorder) RecordAnomaly(_ context.Context, user string, severity int, _ string) (xreputation.Score, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return xreputation.Score{}, f.fail
	}
	f.got = append(f.got, violation{user, severity})
	return xreputation.Score{UserID: user}, nil
}

func (f *fakeRecorder) calls() []violation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]violation(nil), f.got...)
}

func testConfig() Config {
	c := DefaultConfig()
	c.Warmup = 2
	c.BurstMinRate = 1
	return c
}

func newDetector(t *testing.T, rec ViolationRecorder, opts ...Option) *Detector {
	t.Helper()
	opts = append([]Option{WithConfig(testConfig()), WithNow(func() time.Time { return t0 })}, opts...)
	d, err := New(NewActivityStore(0), rec, opts...)
	require.NoError(t, err)
	return d
}

// feed 在 (end-1m, end) 内均匀写入 n 条活动
func feed(d *Detector, user string, n int, end time.Time, allowed bool, region string) {
	for i := range n {
		d.Observe(Activity{
			UserID:   user,
			Resource: xrule.ResourceCommand,
			Allowed:  allowed,
			Region:   region,
			At:       end.Add(-time.Duration(i+1) * time.Second),
		})
	}
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		score    int
		band     Band
		severity int
	}{
		{0, BandLow, 1}, {24, BandLow, 1},
		{25, BandMedium, 2}, {49, BandMedium, 2},
		{50, BandHigh, 3}, {74, BandHigh, 3},
		{75, BandCritical, 3}, {100, BandCritical, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.band, BandFor(tt.score), "score %d", tt.score)
		assert.Equal(t, tt.severity, BandFor(tt.score).Severity())
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Retention = 30 * time.Minute
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = DefaultConfig()
	bad.BurstFactor = 1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	_, err := New(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestScan_Burst(t *testing.T) {
	rec := &fakeRecorder{}
	d := newDetector(t, rec)
	ctx := context.Background()

	now := t0
	for range 3 {
		feed(d, "alice", 3, now, true, "")
		got, err := d.Scan(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, got)
		now = now.Add(time.Minute)
	}
	p, ok := d.Profile("alice")
	require.True(t, ok)
	assert.Equal(t, 3, p.Samples)
	assert.InDelta(t, 3, p.RateEWMA, 1e-9)

	feed(d, "alice", 20, now, true, "")
	got, err := d.Scan(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Has(SignalBurst))
	assert.Equal(t, 30, got[0].Score)
	assert.Equal(t, BandMedium, got[0].Band)
	assert.True(t, got[0].Applied)
	assert.Equal(t, []violation{{"alice", 2}}, rec.calls())
}

func TestScan_BurstNeedsWarmup(t *testing.T) {
	d := newDetector(t, &fakeRecorder{})
	ctx := context.Background()

	feed(d, "bob", 1, t0, true, "")
	_, err := d.Scan(ctx, t0)
	require.NoError(t, err)

	feed(d, "bob", 50, t0.Add(time.Minute), true, "")
	got, err := d.Scan(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScan_ResourceSpike(t *testing.T) {
	rec := &fakeRecorder{}
	d := newDetector(t, rec)

	feed(d, "carol", 11, t0, false, "")
	got, err := d.Scan(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Has(SignalResourceSpike))
	assert.Equal(t, 25, got[0].Score)
	assert.Equal(t, BandMedium, got[0].Band)

	// 恰好 10 次不触发
	d2 := newDetector(t, rec)
	feed(d2, "dave", 10, t0, false, "")
	got, err = d2.Scan(context.Background(), t0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScan_Geographic(t *testing.T) {
	rec := &fakeRecorder{}
	d := newDetector(t, rec)
	ctx := context.Background()

	feed(d, "erin", 2, t0, true, "eu-west")
	got, err := d.Scan(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, got, "first region is learned, not flagged")

	next := t0.Add(time.Minute)
	feed(d, "erin", 2, next, true, "ap-south")
	got, err = d.Scan(ctx, next)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Has(SignalGeographic))
	assert.Equal(t, BandLow, got[0].Band)
	assert.Equal(t, []violation{{"erin", 1}}, rec.calls())

	p, _ := d.Profile("erin")
	assert.ElementsMatch(t, []string{"eu-west", "ap-south"}, p.Regions)
}

func TestScan_OffHours(t *testing.T) {
	cfg := testConfig()
	cfg.MinHistory = 24
	d := newDetector(t, &fakeRecorder{}, WithConfig(cfg))
	ctx := context.Background()

	// 历史活动全部在 10 点
	feed(d, "frank", 48, t0, true, "")
	got, err := d.Scan(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, got)

	night := time.Date(2026, 5, 5, 3, 1, 0, 0, time.UTC)
	feed(d, "frank", 1, night, true, "")
	got, err = d.Scan(ctx, night)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Has(SignalOffHours))
	assert.Equal(t, 20, got[0].Score)

	// 常用时段不触发
	day := time.Date(2026, 5, 5, 10, 20, 0, 0, time.UTC)
	feed(d, "frank", 1, day, true, "")
	got, err = d.Scan(ctx, day)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScan_ScoreCapped(t *testing.T) {
	cfg := testConfig()
	cfg.Weights.Geographic = 60
	cfg.Weights.ResourceSpike = 60
	rec := &fakeRecorder{}
	d := newDetector(t, rec, WithConfig(cfg))
	ctx := context.Background()

	feed(d, "gina", 1, t0, true, "eu")
	_, err := d.Scan(ctx, t0)
	require.NoError(t, err)

	next := t0.Add(time.Minute)
	feed(d, "gina", 11, next, false, "us")
	got, err := d.Scan(ctx, next)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 100, got[0].Score)
	assert.Equal(t, BandCritical, got[0].Band)
	assert.Equal(t, []violation{{"gina", 3}}, rec.calls())
}

func TestScan_PrunesOldActivity(t *testing.T) {
	d := newDetector(t, nil)
	d.Observe(Activity{UserID: "old", At: t0.Add(-3 * time.Hour), Allowed: true})
	d.Observe(Activity{UserID: "new", At: t0.Add(-time.Second), Allowed: true})
	d.Observe(Activity{At: t0})
	require.Equal(t, 2, d.Store().Len())

	_, err := d.Scan(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Store().Len())
}

func TestRecordsAndResolve(t *testing.T) {
	rec := &fakeRecorder{fail: errors.New("store down")}
	bus := xsink.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	d := newDetector(t, rec, WithSink(bus), WithNode("n1"))
	ctx := context.Background()

	feed(d, "hank", 11, t0, false, "")
	feed(d, "ivy", 11, t0, false, "")
	got, err := d.Scan(ctx, t0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].Applied, "recorder failure keeps the record unapplied")

	n := <-ch
	assert.Equal(t, xsink.KindAnomaly, n.Kind)
	assert.Equal(t, "hank", n.UserID)
	assert.Equal(t, "n1", n.Node)
	assert.Equal(t, "medium", n.Level)

	assert.Len(t, d.Records(Filter{}), 2)
	assert.Len(t, d.Records(Filter{UserID: "ivy"}), 1)
	assert.Empty(t, d.Records(Filter{MinBand: BandHigh}))
	last := d.Records(Filter{Limit: 1})
	require.Len(t, last, 1)
	assert.Equal(t, "ivy", last[0].UserID)

	res, err := d.Resolve(ctx, got[0].ID, "ops", "known batch job")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, "ops", res.ResolvedBy)
	assert.Equal(t, t0, res.ResolvedAt)

	_, err = d.Resolve(ctx, got[0].ID, "ops", "")
	assert.ErrorIs(t, err, ErrResolved)
	_, err = d.Resolve(ctx, "missing", "ops", "")
	assert.ErrorIs(t, err, ErrNotFound)

	open := d.Records(Filter{Unresolved: true})
	require.Len(t, open, 1)
	assert.Equal(t, "ivy", open[0].UserID)
}

func TestRecords_Bounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecords = 2
	d := newDetector(t, nil, WithConfig(cfg))
	for _, u := range []string{"a", "b", "c"} {
		feed(d, u, 11, t0, false, "")
	}
	_, err := d.Scan(context.Background(), t0)
	require.NoError(t, err)
	recs := d.Records(Filter{})
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].UserID)
	assert.Equal(t, "c", recs[1].UserID)
}

func TestDetector_FeedsReputation(t *testing.T) {
	clock := func() time.Time { return t0 }
	mgr, err := xreputation.New(xstore.NewMemory(), xevent.NewMemoryLog(), xevent.NewClock("n1", clock), xreputation.WithNow(clock))
	require.NoError(t, err)
	d := newDetector(t, mgr)
	ctx := context.Background()

	feed(d, "jack", 11, t0, false, "")
	got, err := d.Scan(ctx, t0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	sc, err := mgr.Get(ctx, "jack")
	require.NoError(t, err)
	assert.Equal(t, 44, sc.Score)

	// 处理记录不回滚扣分
	_, err = d.Resolve(ctx, got[0].ID, "ops", "")
	require.NoError(t, err)
	sc, err = mgr.Get(ctx, "jack")
	require.NoError(t, err)
	assert.Equal(t, 44, sc.Score)
}

func TestDetector_Run(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond
	d, err := New(NewActivityStore(0), nil, WithConfig(cfg))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
