package xrule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

// DefaultTTL 规则快照默认有效期
const DefaultTTL = 30 * time.Second

// Option 配置 Store
type Option func(*Store)

// WithTTL 设置快照有效期
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithDefaultRule 设置没有匹配窗口规则时使用的系统默认规则
func WithDefaultRule(r Rule) Option {
	return func(s *Store) {
		rule := r
		s.def = &rule
	}
}

// WithLogger 设置日志器
func WithLogger(l xlog.Logger) Option {
	return func(s *Store) {
		s.logger = xlog.OrNop(l)
	}
}

// WithClock 替换时钟，用于测试
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type snapshot struct {
	version  uint64
	loadedAt time.Time
	rules    []Rule
}

// Store 版本化的规则缓存
type Store struct {
	repo   Repository
	ttl    time.Duration
	def    *Rule
	logger xlog.Logger
	now    func() time.Time

	snap    atomic.Pointer[snapshot]
	version atomic.Uint64
	loadMu  sync.Mutex
	sf      singleflight.Group
	memo    *ristretto.Cache[string, Resolution]
	closed  atomic.Bool

	refreshing atomic.Bool
}

// NewStore 创建 Store 并同步加载第一份快照
func NewStore(ctx context.Context, repo Repository, opts ...Option) (*Store, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: repository is nil", ErrInvalidRule)
	}
	s := &Store{
		repo:   repo,
		ttl:    DefaultTTL,
		logger: xlog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.def != nil {
		if err := s.def.Validate(); err != nil {
			return nil, fmt.Errorf("default rule: %w", err)
		}
		if s.def.LimitType.IsQuota() {
			return nil, fmt.Errorf("%w: default rule must be a window rule", ErrInvalidRule)
		}
	}

	memo, err := ristretto.NewCache(&ristretto.Config[string, Resolution]{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("xrule: create resolution cache: %w", err)
	}
	s.memo = memo

	if err := s.Refresh(ctx); err != nil {
		memo.Close()
		return nil, err
	}
	return s, nil
}

// Version 当前快照版本，每次重新加载递增
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// Resolve 解析 (scope, value, resource) 的窗口规则与配额规则
func (s *Store) Resolve(ctx context.Context, scope Scope, value string, resource ResourceType) (Resolution, error) {
	if s.closed.Load() {
		return Resolution{}, ErrClosed
	}
	if !scope.Valid() || !resource.Valid() {
		return Resolution{}, fmt.Errorf("%w: scope=%d resource=%d", ErrInvalidRule, scope, resource)
	}
	snap := s.snap.Load()
	if s.now().Sub(snap.loadedAt) > s.ttl {
		s.refreshAsync(ctx)
	}

	key := memoKey(snap.version, scope, value, resource)
	if res, ok := s.memo.Get(key); ok {
		return res, nil
	}
	res, err := resolve(snap.rules, s.def, scope, value, resource)
	if err != nil {
		return Resolution{}, err
	}
	res.Version = snap.version
	s.memo.Set(key, res, 1)
	return res, nil
}

// Refresh 同步重新加载规则
func (s *Store) Refresh(ctx context.Context) error {
	_, err, _ := s.sf.Do("refresh", func() (any, error) {
		return nil, s.load(ctx)
	})
	return err
}

// refreshAsync 同一时刻最多一个后台刷新
func (s *Store) refreshAsync(ctx context.Context) {
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		defer s.refreshing.Store(false)
		if err := s.Refresh(bg); err != nil {
			s.logger.Warn(bg, "rule refresh failed, serving stale snapshot", xlog.Err(err))
		}
	}()
}

func (s *Store) load(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	rules, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("xrule: load rules: %w", err)
	}
	valid := rules[:0:0]
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			s.logger.Warn(ctx, "skipping invalid rule", xlog.Err(err))
			continue
		}
		valid = append(valid, r)
	}
	v := s.version.Add(1)
	s.snap.Store(&snapshot{version: v, loadedAt: s.now(), rules: valid})
	s.logger.Debug(ctx, "rules loaded", slog.Int("count", len(valid)), slog.Uint64("version", v))
	return nil
}

// List 返回当前快照中的规则
func (s *Store) List() []Rule {
	snap := s.snap.Load()
	out := make([]Rule, len(snap.rules))
	copy(out, snap.rules)
	return out
}

// Put 写入规则并立即失效缓存
func (s *Store) Put(ctx context.Context, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.UpdatedAt = s.now().UTC()
	if err := s.repo.Put(ctx, rule); err != nil {
		return err
	}
	return s.Refresh(ctx)
}

// Delete 删除规则并立即失效缓存
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	return s.Refresh(ctx)
}

// Replace 用 rules 整体替换规则集（配置热更新），不在 rules 中的规则被删除
func (s *Store) Replace(ctx context.Context, rules []Rule) error {
	keep := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		keep[r.ID] = struct{}{}
	}
	existing, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("xrule: list rules: %w", err)
	}
	now := s.now().UTC()
	for _, r := range rules {
		r.UpdatedAt = now
		if err := s.repo.Put(ctx, r); err != nil {
			return err
		}
	}
	for _, r := range existing {
		if _, ok := keep[r.ID]; ok {
			continue
		}
		if err := s.repo.Delete(ctx, r.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return s.Refresh(ctx)
}

// Close 释放解析缓存
func (s *Store) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.memo.Close()
	}
}

func memoKey(version uint64, scope Scope, value string, resource ResourceType) string {
	return fmt.Sprintf("%d|%d|%d|%s", version, scope, resource, value)
}
