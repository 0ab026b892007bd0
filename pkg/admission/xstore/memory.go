package xstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Memory 进程内 KV，实现 [KV]
type Memory struct {
	locks  *keyLock
	mu     sync.RWMutex
	data   map[string]memEntry
	now    func() time.Time
	closed atomic.Bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

var _ KV = (*Memory)(nil)

// MemoryOption 配置 Memory
type MemoryOption func(*Memory)

// WithMemoryClock 替换过期判断使用的时钟
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory 创建进程内存储
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{locks: newKeyLock(), data: make(map[string]memEntry), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Memory) read(key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok || e.expired(m.now()) {
		return nil, false
	}
	return slices.Clone(e.value), true
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := m.read(key)
	return v, ok, nil
}

func (m *Memory) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	unlock, err := m.locks.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, exists := m.read(key)
	next, err := fn(cur, exists)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}

	if isTombstone(next) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return nil, nil
	}

	e := memEntry{value: slices.Clone(next)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = e
	m.mu.Unlock()
	return next, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	unlock, err := m.locks.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Scan 按键排序遍历，顺带清理已过期的键
func (m *Memory) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	if m.closed.Load() {
		return ErrClosed
	}
	now := m.now()
	type kv struct {
		k string
		v []byte
	}
	var items []kv
	m.mu.Lock()
	for k, e := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if e.expired(now) {
			delete(m.data, k)
			continue
		}
		items = append(items, kv{k, slices.Clone(e.value)})
	}
	m.mu.Unlock()

	slices.SortFunc(items, func(a, b kv) int { return strings.Compare(a.k, b.k) })
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(it.k, it.v); err != nil {
			return err
		}
	}
	return nil
}

// Len 未过期的键数量
func (m *Memory) Len() int {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
