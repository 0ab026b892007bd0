package xsync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xadmit/pkg/admission/xevent"
	"github.com/omeyang/xadmit/pkg/admission/xsink"
	"github.com/omeyang/xadmit/pkg/lifecycle/xrun"
	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

// maxSpread [0,100] 内评分的标准差上限
const maxSpread = 50.0

// Config 复制参数
type Config struct {
	Interval            time.Duration `koanf:"interval"`
	PeerTimeout         time.Duration `koanf:"peer_timeout"`
	BatchSize           int           `koanf:"batch_size"`
	MaxPages            int           `koanf:"max_pages"`
	Concurrency         int           `koanf:"concurrency"`
	ConfidenceThreshold float64       `koanf:"confidence_threshold"`
	DegradedAfter       time.Duration `koanf:"degraded_after"`
	// BreakerFailures 连续失败多少次后熔断对端
	BreakerFailures uint32 `koanf:"breaker_failures"`
	// WatchUsers 每轮请求对端评分视图的用户数上限
	WatchUsers int `koanf:"watch_users"`
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		Interval:            10 * time.Second,
		PeerTimeout:         3 * time.Second,
		BatchSize:           DefaultPullLimit,
		MaxPages:            20,
		Concurrency:         8,
		ConfidenceThreshold: 0.8,
		DegradedAfter:       60 * time.Second,
		BreakerFailures:     3,
		WatchUsers:          1000,
	}
}

// Validate 校验参数
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0 || c.PeerTimeout <= 0 || c.DegradedAfter <= 0:
		return fmt.Errorf("%w: durations must be positive", ErrInvalidConfig)
	case c.BatchSize <= 0 || c.BatchSize > MaxPullLimit:
		return fmt.Errorf("%w: batch_size must be in (0,%d]", ErrInvalidConfig, MaxPullLimit)
	case c.MaxPages <= 0 || c.Concurrency <= 0 || c.WatchUsers <= 0:
		return fmt.Errorf("%w: max_pages, concurrency and watch_users must be positive", ErrInvalidConfig)
	case c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1:
		return fmt.Errorf("%w: confidence_threshold must be in [0,1]", ErrInvalidConfig)
	case c.BreakerFailures == 0:
		return fmt.Errorf("%w: breaker_failures must be positive", ErrInvalidConfig)
	}
	return nil
}

// PeerStatus 对端同步状态
type PeerStatus struct {
	ID          string    `json:"id"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	Failures    int       `json:"failures"`
	// Cursor 已拉取到的对端序号
	Cursor uint64 `json:"cursor"`
	// Lag 对端日志中尚未拉取的事件数
	Lag      uint64 `json:"lag"`
	Degraded bool   `json:"degraded"`
	Breaker  string `json:"breaker"`
}

// Flag 需要复核的用户
type Flag struct {
	UserID     string         `json:"user_id"`
	Confidence float64        `json:"confidence"`
	Views      map[string]int `json:"views"`
	Since      time.Time      `json:"since"`
}

// MergedScore 物化评分及其置信度
type MergedScore struct {
	UserID     string         `json:"user_id"`
	Score      int            `json:"score"`
	Confidence float64        `json:"confidence"`
	Views      map[string]int `json:"views"`
	Flagged    bool           `json:"flagged"`
}

// Report 一轮同步的结果
type Report struct {
	Peers    int      `json:"peers"`
	Pulled   int      `json:"pulled"`
	Appended int      `json:"appended"`
	Touched  int      `json:"touched"`
	Failed   []string `json:"failed,omitempty"`
	Flagged  int      `json:"flagged"`
}

// PeerFactory 为成员创建对端
type PeerFactory func(Member) (Peer, error)

// Option 配置 Replicator
type Option func(*Replicator)

// WithConfig 设置复制参数
func WithConfig(c Config) Option {
	return func(r *Replicator) { r.cfg = c }
}

// WithLogger 设置日志
func WithLogger(l xlog.Logger) Option {
	return func(r *Replicator) { r.logger = xlog.OrNop(l) }
}

// WithSink 设置通知出口
func WithSink(s xsink.Sink) Option {
	return func(r *Replicator) { r.sink = xsink.OrNop(s) }
}

// WithNow 替换时钟
func WithNow(now func() time.Time) Option {
	return func(r *Replicator) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMembership 每轮同步前从成员来源刷新对端
func WithMembership(m Membership, factory PeerFactory) Option {
	return func(r *Replicator) { r.members, r.factory = m, factory }
}

type peerState struct {
	peer      Peer
	breaker   *gobreaker.CircuitBreaker[PullResponse]
	firstSeen time.Time
	status    PeerStatus
	// views 对端最近报告的评分
	views map[string]int
}

// Replicator 事件复制器
type Replicator struct {
	log     xevent.Log
	clock   *xevent.Clock
	rep     Reputation
	cfg     Config
	logger  xlog.Logger
	sink    xsink.Sink
	now     func() time.Time
	members Membership
	factory PeerFactory

	// syncMu 串行化同步轮次，localSeq 只在持锁时读写
	syncMu   sync.Mutex
	localSeq uint64

	mu      sync.RWMutex
	peers   map[string]*peerState
	flagged map[string]Flag
}

// New 创建复制器
func New(log xevent.Log, clock *xevent.Clock, rep Reputation, opts ...Option) (*Replicator, error) {
	if log == nil || clock == nil || rep == nil {
		return nil, fmt.Errorf("%w: log, clock and reputation are required", ErrInvalidConfig)
	}
	r := &Replicator{
		log:     log,
		clock:   clock,
		rep:     rep,
		cfg:     DefaultConfig(),
		logger:  xlog.Nop(),
		sink:    xsink.Nop(),
		now:     time.Now,
		peers:   make(map[string]*peerState),
		flagged: make(map[string]Flag),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	if r.members != nil && r.factory == nil {
		return nil, fmt.Errorf("%w: membership needs a peer factory", ErrInvalidConfig)
	}
	return r, nil
}

// Node 本节点 ID
func (r *Replicator) Node() string { return r.clock.Node() }

// AddPeer 加入对端；同 ID 的旧对端被替换
func (r *Replicator) AddPeer(p Peer) {
	if p == nil || p.ID() == r.Node() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.peers[p.ID()]; ok {
		closePeer(old.peer)
	}
	r.peers[p.ID()] = r.newPeerState(p)
}

// RemovePeer 移除对端
func (r *Replicator) RemovePeer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.peers[id]; ok {
		closePeer(ps.peer)
		delete(r.peers, id)
	}
}

func closePeer(p Peer) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close() //nolint:errcheck // 对端连接关闭失败不影响本地
	}
}

func (r *Replicator) newPeerState(p Peer) *peerState {
	failures := r.cfg.BreakerFailures
	return &peerState{
		peer: p,
		breaker: gobreaker.NewCircuitBreaker[PullResponse](gobreaker.Settings{
			Name:    "xsync:" + p.ID(),
			Timeout: r.cfg.Interval,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
		}),
		firstSeen: r.now(),
		status:    PeerStatus{ID: p.ID()},
		views:     make(map[string]int),
	}
}

// refreshPeers 按成员列表增删对端
func (r *Replicator) refreshPeers(ctx context.Context) {
	if r.members == nil {
		return
	}
	members, err := r.members.Members(ctx)
	if err != nil {
		r.logger.Warn(ctx, "membership unavailable, keeping known peers", xlog.Err(err))
		return
	}
	want := make(map[string]Member, len(members))
	for _, m := range members {
		if m.ID != r.Node() {
			want[m.ID] = m
		}
	}
	r.mu.RLock()
	var stale []string
	for id := range r.peers {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	var fresh []Member
	for id, m := range want {
		if _, ok := r.peers[id]; !ok {
			fresh = append(fresh, m)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.RemovePeer(id)
		r.logger.Info(ctx, "peer left", slog.String("peer", id))
	}
	for _, m := range fresh {
		p, err := r.factory(m)
		if err != nil {
			r.logger.Warn(ctx, "peer setup failed", slog.String("peer", m.ID), xlog.Err(err))
			continue
		}
		r.AddPeer(p)
		r.logger.Info(ctx, "peer joined", slog.String("peer", m.ID), slog.String("addr", m.Addr))
	}
}

// Run 按间隔同步直到 ctx 取消
func (r *Replicator) Run(ctx context.Context) error {
	return xrun.Ticker(r.cfg.Interval, false, func(ctx context.Context) error {
		if _, err := r.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn(ctx, "event sync failed", xlog.Err(err))
		}
		return nil
	})(ctx)
}

// SyncOnce 执行一轮同步。单个对端失败只记录在 Report.Failed 中。
func (r *Replicator) SyncOnce(ctx context.Context) (Report, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	r.refreshPeers(ctx)
	watch, err := r.watchList(ctx)
	if err != nil {
		return Report{}, err
	}

	r.mu.RLock()
	peers := make([]*peerState, 0, len(r.peers))
	for _, ps := range r.peers {
		peers = append(peers, ps)
	}
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		touched = make(map[string]struct{})
		report  = Report{Peers: len(peers)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, ps := range peers {
		g.Go(func() error {
			pulled, appended, users, err := r.pullPeer(gctx, ps, watch)
			mu.Lock()
			defer mu.Unlock()
			report.Pulled += pulled
			report.Appended += appended
			for u := range users {
				touched[u] = struct{}{}
			}
			if err != nil {
				report.Failed = append(report.Failed, ps.peer.ID())
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // 对端错误已计入 report

	users := make([]string, 0, len(touched))
	for u := range touched {
		users = append(users, u)
	}
	slices.Sort(users)
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := r.rep.ApplyMerged(ctx, u); err != nil {
			r.logger.Error(ctx, "apply merged reputation failed", slog.String("user", u), xlog.Err(err))
		}
	}
	report.Touched = len(users)
	slices.Sort(report.Failed)

	report.Flagged = r.assess(ctx, watch)
	r.logger.Debug(ctx, "event sync finished", slog.Int("peers", report.Peers),
		slog.Int("pulled", report.Pulled), slog.Int("appended", report.Appended), slog.Int("touched", report.Touched))
	return report, nil
}

// watchList 本地日志中上一轮之后出现的用户，加上仍被标记的用户
func (r *Replicator) watchList(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for {
		page, err := r.log.Since(ctx, r.localSeq, r.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, ev := range page {
			seen[ev.UserID] = struct{}{}
		}
		r.localSeq = page[len(page)-1].Seq
	}
	r.mu.RLock()
	for u := range r.flagged {
		seen[u] = struct{}{}
	}
	r.mu.RUnlock()
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	slices.Sort(users)
	if len(users) > r.cfg.WatchUsers {
		users = users[:r.cfg.WatchUsers]
	}
	return users, nil
}

func (r *Replicator) pullPeer(ctx context.Context, ps *peerState, watch []string) (pulled, appended int, touched map[string]struct{}, err error) {
	touched = make(map[string]struct{})
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PeerTimeout)
	defer cancel()

	r.mu.RLock()
	cursor := ps.status.Cursor
	r.mu.RUnlock()

	var (
		head  uint64
		views map[string]int
	)
	for page := range r.cfg.MaxPages {
		req := PullRequest{From: r.Node(), Since: cursor, Limit: r.cfg.BatchSize}
		if page == 0 {
			req.Users = watch
		}
		var resp PullResponse
		resp, err = ps.breaker.Execute(func() (PullResponse, error) { return ps.peer.Pull(ctx, req) })
		if err != nil {
			break
		}
		if page == 0 {
			views = resp.Scores
		}
		head = resp.Head
		for _, ev := range resp.Events {
			pulled++
			r.clock.Observe(ev.Lamport)
			ok, aerr := r.log.Append(ctx, ev)
			if aerr != nil {
				if errors.Is(aerr, xevent.ErrInvalidEvent) {
					r.logger.Warn(ctx, "dropping invalid remote event", slog.String("peer", ps.peer.ID()), xlog.Err(aerr))
					continue
				}
				err = aerr
				break
			}
			if ok {
				appended++
				touched[ev.UserID] = struct{}{}
			}
		}
		if err != nil {
			break
		}
		cursor = resp.Next
		if !resp.More {
			break
		}
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &ps.status
	st.Breaker = ps.breaker.State().String()
	if cursor > st.Cursor {
		st.Cursor = cursor
	}
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
		last := st.LastSuccess
		if last.IsZero() {
			last = ps.firstSeen
		}
		wasDegraded := st.Degraded
		st.Degraded = now.Sub(last) > r.cfg.DegradedAfter
		if st.Degraded && !wasDegraded {
			r.logger.Warn(ctx, "peer degraded, continuing on local state",
				slog.String("peer", ps.peer.ID()), slog.Time("last_success", st.LastSuccess))
		} else {
			r.logger.Warn(ctx, "pull from peer failed", slog.String("peer", ps.peer.ID()), xlog.Err(err))
		}
		return pulled, appended, touched, err
	}
	st.LastSuccess, st.LastError, st.Failures, st.Degraded = now, "", 0, false
	if head > st.Cursor {
		st.Lag = head - st.Cursor
	} else {
		st.Lag = 0
	}
	for u, sc := range views {
		ps.views[u] = sc
	}
	return pulled, appended, touched, nil
}

// assess 重新计算被观察用户的置信度，返回本轮新标记的用户数
func (r *Replicator) assess(ctx context.Context, users []string) int {
	newly := 0
	for _, u := range users {
		sc, err := r.rep.Get(ctx, u)
		if err != nil {
			r.logger.Warn(ctx, "local score unavailable", slog.String("user", u), xlog.Err(err))
			continue
		}
		views := r.views(u, sc.Score)
		conf := Confidence(views)

		r.mu.Lock()
		prev, was := r.flagged[u]
		switch {
		case conf < r.cfg.ConfidenceThreshold && !was:
			r.flagged[u] = Flag{UserID: u, Confidence: conf, Views: views, Since: r.now()}
			newly++
		case conf < r.cfg.ConfidenceThreshold:
			prev.Confidence, prev.Views = conf, views
			r.flagged[u] = prev
		case was:
			delete(r.flagged, u)
		}
		r.mu.Unlock()

		switch {
		case conf < r.cfg.ConfidenceThreshold && !was:
			r.logger.Warn(ctx, "low reputation confidence", slog.String("user", u), slog.Float64("confidence", conf))
			if err := r.sink.Publish(ctx, xsink.Notification{
				Kind:   xsink.KindLowConfidence,
				UserID: u,
				Node:   r.Node(),
				Score:  sc.Score,
				Detail: fmt.Sprintf("confidence %.2f views %v", conf, views),
				At:     r.now(),
			}); err != nil {
				r.logger.Warn(ctx, "publish low confidence failed", xlog.Err(err))
			}
		case conf >= r.cfg.ConfidenceThreshold && was:
			r.logger.Info(ctx, "reputation confidence recovered", slog.String("user", u), slog.Float64("confidence", conf))
		}
	}
	return newly
}

// views 本地评分加上各健康对端最近报告的评分
func (r *Replicator) views(userID string, local int) map[string]int {
	out := map[string]int{r.Node(): local}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, ps := range r.peers {
		if ps.status.Degraded {
			continue
		}
		if sc, ok := ps.views[userID]; ok {
			out[id] = sc
		}
	}
	return out
}

// Confidence 按各节点评分的总体标准差计算置信度，少于两个视图时为 1
func Confidence(views map[string]int) float64 {
	if len(views) < 2 {
		return 1
	}
	var sum float64
	for _, v := range views {
		sum += float64(v)
	}
	mean := sum / float64(len(views))
	var sq float64
	for _, v := range views {
		d := float64(v) - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(len(views)))
	return max(0, 1-stddev/maxSpread)
}

// MergedScore 本地物化评分与跨节点置信度
func (r *Replicator) MergedScore(ctx context.Context, userID string) (MergedScore, error) {
	sc, err := r.rep.Get(ctx, userID)
	if err != nil {
		return MergedScore{}, err
	}
	views := r.views(userID, sc.Score)
	r.mu.RLock()
	_, flagged := r.flagged[userID]
	r.mu.RUnlock()
	return MergedScore{
		UserID:     userID,
		Score:      sc.Score,
		Confidence: Confidence(views),
		Views:      views,
		Flagged:    flagged,
	}, nil
}

// Flagged 当前待复核的用户，按用户 ID 排序
func (r *Replicator) Flagged() []Flag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Flag, 0, len(r.flagged))
	for _, f := range r.flagged {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b Flag) int { return cmp.Compare(a.UserID, b.UserID) })
	return out
}

// PeerStatus 各对端状态，按 ID 排序。未成功的对端按当前时间重新判断 degraded。
func (r *Replicator) PeerStatus() []PeerStatus {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerStatus, 0, len(r.peers))
	for _, ps := range r.peers {
		st := ps.status
		last := st.LastSuccess
		if last.IsZero() {
			last = ps.firstSeen
		}
		st.Degraded = now.Sub(last) > r.cfg.DegradedAfter
		st.Breaker = ps.breaker.State().String()
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b PeerStatus) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Close 关闭所有对端连接
func (r *Replicator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ps := range r.peers {
		closePeer(ps.peer)
		delete(r.peers, id)
	}
	return nil
}
