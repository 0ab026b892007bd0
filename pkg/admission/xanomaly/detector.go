package xanomaly

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/omeyang/xadmit/pkg/admission/xreputation"
	"github.com/omeyang/xadmit/pkg/admission/xsink"
	"github.com/omeyang/xadmit/pkg/lifecycle/xrun"
	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

// ViolationRecorder 接收检测结果的信誉违规
type ViolationRecorder interface {
	RecordAnomaly(ctx context.Context, userID string, severity int, description string) (xreputation.Score, error)
}

var _ ViolationRecorder = (*xreputation.Manager)(nil)

// Weights 各信号分值
type Weights struct {
	Burst         int `koanf:"burst"`
	OffHours      int `koanf:"off_hours"`
	ResourceSpike int `koanf:"resource_spike"`
	Geographic    int `koanf:"geographic"`
}

// Config 检测参数
type Config struct {
	Interval  time.Duration `koanf:"interval"`
	Retention time.Duration `koanf:"retention"`
	// Alpha 速率 EWMA 的平滑系数
	Alpha float64 `koanf:"alpha"`
	// Warmup 画像至少经历多少轮活跃扫描后才评估 burst
	Warmup int `koanf:"warmup"`
	// BurstFactor 本轮速率超过 EWMA 的倍数
	BurstFactor float64 `koanf:"burst_factor"`
	// BurstMinRate 每分钟请求数低于此值不算 burst
	BurstMinRate float64 `koanf:"burst_min_rate"`
	// OffHoursFactor 小时均值与该小时历史计数之比超过此值视为冷清时段
	OffHoursFactor float64 `koanf:"off_hours_factor"`
	// MinHistory 小时分布累计活动数达到此值后才评估 off_hours
	MinHistory  int64   `koanf:"min_history"`
	SpikeDenied int     `koanf:"spike_denied"`
	Weights     Weights `koanf:"weights"`
	MaxRecords  int     `koanf:"max_records"`
	MaxProfiles int     `koanf:"max_profiles"`
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		Retention:      2 * time.Hour,
		Alpha:          0.3,
		Warmup:         5,
		BurstFactor:    2,
		BurstMinRate:   5,
		OffHoursFactor: 3,
		MinHistory:     100,
		SpikeDenied:    10,
		Weights:        Weights{Burst: 30, OffHours: 20, ResourceSpike: 25, Geographic: 15},
		MaxRecords:     10000,
		MaxProfiles:    100000,
	}
}

// Validate 校验参数
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	case c.Retention < time.Hour:
		return fmt.Errorf("%w: retention must cover the one-hour spike window", ErrInvalidConfig)
	case c.Alpha <= 0 || c.Alpha > 1:
		return fmt.Errorf("%w: alpha must be in (0,1]", ErrInvalidConfig)
	case c.BurstFactor <= 1 || c.OffHoursFactor <= 1:
		return fmt.Errorf("%w: burst and off-hours factors must exceed 1", ErrInvalidConfig)
	case c.SpikeDenied <= 0:
		return fmt.Errorf("%w: spike_denied must be positive", ErrInvalidConfig)
	case c.Weights.Burst < 0 || c.Weights.OffHours < 0 || c.Weights.ResourceSpike < 0 || c.Weights.Geographic < 0:
		return fmt.Errorf("%w: negative weight", ErrInvalidConfig)
	case c.MaxRecords <= 0 || c.MaxProfiles <= 0:
		return fmt.Errorf("%w: max_records and max_profiles must be positive", ErrInvalidConfig)
	}
	return nil
}

// Profile 用户行为画像
type Profile struct {
	UserID string `json:"user_id"`
	// RateEWMA 活跃扫描轮次中每分钟请求数的指数加权平均
	RateEWMA float64   `json:"rate_ewma"`
	Hours    [24]int64 `json:"hours"`
	Regions  []string  `json:"regions,omitempty"`
	Samples  int       `json:"samples"`
	LastSeen time.Time `json:"last_seen"`
}

func (p *Profile) hourTotal() int64 {
	var n int64
	for _, c := range p.Hours {
		n += c
	}
	return n
}

func (p *Profile) knowsRegion(r string) bool {
	return slices.Contains(p.Regions, r)
}

// Option 配置 Detector
type Option func(*Detector)

// WithConfig 设置检测参数
func WithConfig(c Config) Option {
	return func(d *Detector) { d.cfg = c }
}

// WithLogger 设置日志
func WithLogger(l xlog.Logger) Option {
	return func(d *Detector) { d.logger = xlog.OrNop(l) }
}

// WithSink 设置通知出口
func WithSink(s xsink.Sink) Option {
	return func(d *Detector) { d.sink = xsink.OrNop(s) }
}

// WithNode 设置通知中的节点 ID
func WithNode(node string) Option {
	return func(d *Detector) { d.node = node }
}

// WithNow 替换 Run 使用的时钟
func WithNow(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLocation 设置小时分布使用的时区，默认 UTC
func WithLocation(loc *time.Location) Option {
	return func(d *Detector) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// Detector 异常检测器
type Detector struct {
	store    *ActivityStore
	recorder ViolationRecorder
	cfg      Config
	logger   xlog.Logger
	sink     xsink.Sink
	node     string
	now      func() time.Time
	loc      *time.Location

	// scanMu 串行化扫描；profiles 只在扫描中读写
	scanMu   sync.Mutex
	lastScan time.Time
	profiles *lru.Cache[string, *Profile]

	mu      sync.RWMutex
	records []*Record
	byID    map[string]*Record
}

// New 创建检测器；recorder 可为 nil，此时只生成记录
func New(store *ActivityStore, recorder ViolationRecorder, opts ...Option) (*Detector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil activity store", ErrInvalidConfig)
	}
	d := &Detector{
		store:    store,
		recorder: recorder,
		cfg:      DefaultConfig(),
		logger:   xlog.Nop(),
		sink:     xsink.Nop(),
		now:      time.Now,
		loc:      time.UTC,
		byID:     make(map[string]*Record),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if err := d.cfg.Validate(); err != nil {
		return nil, err
	}
	profiles, err := lru.New[string, *Profile](d.cfg.MaxProfiles)
	if err != nil {
		return nil, fmt.Errorf("xanomaly: profile cache: %w", err)
	}
	d.profiles = profiles
	return d, nil
}

// Store 活动存储
func (d *Detector) Store() *ActivityStore { return d.store }

// Observe 记录一次准入结果
func (d *Detector) Observe(a Activity) { d.store.Add(a) }

// Run 按间隔扫描直到 ctx 取消
func (d *Detector) Run(ctx context.Context) error {
	return xrun.Ticker(d.cfg.Interval, false, func(ctx context.Context) error {
		if _, err := d.Scan(ctx, d.now()); err != nil {
			d.logger.Warn(ctx, "anomaly scan failed", xlog.Err(err))
		}
		return nil
	})(ctx)
}

// Scan 处理上一轮之后 (last, now] 的活动，返回本轮新建的记录
func (d *Detector) Scan(ctx context.Context, now time.Time) ([]Record, error) {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	from := d.lastScan
	if from.IsZero() || !from.Before(now) {
		from = now.Add(-d.cfg.Interval)
	}
	minutes := now.Sub(from).Minutes()
	batch := d.store.Between(from, now)

	users := make([]string, 0, len(batch))
	for u := range batch {
		users = append(users, u)
	}
	slices.Sort(users)

	var created []Record
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		acts := batch[user]
		p, ok := d.profiles.Get(user)
		if !ok {
			p = &Profile{UserID: user}
			d.profiles.Add(user, p)
		}
		signals := d.evaluate(p, acts, now, minutes)
		d.learn(p, acts, minutes)
		if len(signals) == 0 {
			continue
		}
		created = append(created, d.report(ctx, user, signals, now))
	}

	d.lastScan = now
	if pruned := d.store.Prune(now.Add(-d.cfg.Retention)); pruned > 0 {
		d.logger.Debug(ctx, "activity pruned", slog.Int("removed", pruned))
	}
	return created, nil
}

func (d *Detector) evaluate(p *Profile, acts []Activity, now time.Time, minutes float64) []Signal {
	var signals []Signal
	w := d.cfg.Weights

	rate := float64(len(acts)) / minutes
	if p.Samples >= d.cfg.Warmup && p.RateEWMA > 0 &&
		rate >= d.cfg.BurstMinRate && rate > d.cfg.BurstFactor*p.RateEWMA {
		signals = append(signals, Signal{Type: SignalBurst, Points: w.Burst,
			Reason: fmt.Sprintf("rate %.1f/min vs average %.1f/min", rate, p.RateEWMA)})
	}

	if total := p.hourTotal(); total >= d.cfg.MinHistory {
		mean := float64(total) / 24
		for _, a := range acts {
			h := a.At.In(d.loc).Hour()
			if float64(p.Hours[h])*d.cfg.OffHoursFactor < mean {
				signals = append(signals, Signal{Type: SignalOffHours, Points: w.OffHours,
					Reason: fmt.Sprintf("hour %02d seen %d times vs hourly mean %.1f", h, p.Hours[h], mean)})
				break
			}
		}
	}

	if slices.ContainsFunc(acts, func(a Activity) bool { return !a.Allowed }) {
		denied := d.store.Denied(p.UserID, now.Add(-time.Hour), now)
		if denied > d.cfg.SpikeDenied {
			signals = append(signals, Signal{Type: SignalResourceSpike, Points: w.ResourceSpike,
				Reason: fmt.Sprintf("%d denials in the last hour", denied)})
		}
	}

	if len(p.Regions) > 0 {
		for _, a := range acts {
			if a.Region != "" && !p.knowsRegion(a.Region) {
				signals = append(signals, Signal{Type: SignalGeographic, Points: w.Geographic,
					Reason: "new region " + a.Region})
				break
			}
		}
	}
	return signals
}

func (d *Detector) learn(p *Profile, acts []Activity, minutes float64) {
	rate := float64(len(acts)) / minutes
	if p.Samples == 0 {
		p.RateEWMA = rate
	} else {
		p.RateEWMA = d.cfg.Alpha*rate + (1-d.cfg.Alpha)*p.RateEWMA
	}
	p.Samples++
	for _, a := range acts {
		p.Hours[a.At.In(d.loc).Hour()]++
		if a.Region != "" && !p.knowsRegion(a.Region) {
			p.Regions = append(p.Regions, a.Region)
		}
		if a.At.After(p.LastSeen) {
			p.LastSeen = a.At
		}
	}
}

func (d *Detector) report(ctx context.Context, user string, signals []Signal, now time.Time) Record {
	score := 0
	reasons := make([]string, 0, len(signals))
	for _, s := range signals {
		score += s.Points
		reasons = append(reasons, s.Type.String())
	}
	score = min(score, 100)
	rec := &Record{
		ID:      uuid.NewString(),
		UserID:  user,
		Signals: signals,
		Score:   score,
		Band:    BandFor(score),
		At:      now,
	}
	desc := fmt.Sprintf("anomaly %s score=%d [%s]", rec.Band, score, strings.Join(reasons, ","))

	if d.recorder != nil {
		if _, err := d.recorder.RecordAnomaly(ctx, user, rec.Band.Severity(), desc); err != nil {
			d.logger.Error(ctx, "record anomaly violation failed", slog.String("user", user), xlog.Err(err))
		} else {
			rec.Applied = true
		}
	}
	d.keep(rec)

	d.logger.Warn(ctx, "anomaly detected", slog.String("user", user),
		slog.Int("score", score), slog.String("band", rec.Band.String()), slog.String("record", rec.ID))
	if err := d.sink.Publish(ctx, xsink.Notification{
		Kind:     xsink.KindAnomaly,
		UserID:   user,
		Node:     d.node,
		Severity: rec.Band.Severity(),
		Score:    score,
		Level:    rec.Band.String(),
		Detail:   desc,
		At:       now,
	}); err != nil {
		d.logger.Warn(ctx, "publish anomaly failed", xlog.Err(err))
	}
	return rec.clone()
}

func (d *Detector) keep(rec *Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.records) >= d.cfg.MaxRecords {
		delete(d.byID, d.records[0].ID)
		d.records[0] = nil
		d.records = d.records[1:]
	}
	d.records = append(d.records, rec)
	d.byID[rec.ID] = rec
}

// Profile 返回用户画像快照
func (d *Detector) Profile(userID string) (Profile, bool) {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()
	p, ok := d.profiles.Peek(userID)
	if !ok {
		return Profile{}, false
	}
	cp := *p
	cp.Regions = slices.Clone(p.Regions)
	return cp, true
}

// Records 按时间顺序返回匹配的记录
func (d *Detector) Records(f Filter) []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Record
	for _, r := range d.records {
		if f.match(r) {
			out = append(out, r.clone())
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Resolve 标记记录已处理；不影响已经记入信誉的扣分
func (d *Detector) Resolve(ctx context.Context, id, by, note string) (Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.byID[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Resolved {
		return r.clone(), ErrResolved
	}
	r.Resolved, r.ResolvedBy, r.ResolvedAt, r.Note = true, by, d.now(), note
	d.logger.Info(ctx, "anomaly resolved", slog.String("record", id), slog.String("by", by))
	return r.clone(), nil
}
