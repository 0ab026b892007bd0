package xevent

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Log 只追加的事件日志
type Log interface {
	// Append 追加事件并分配本地序号；内容哈希已存在或早于审计窗口时返回 false
	Append(ctx context.Context, ev Event) (bool, error)

	// Since 返回序号大于 seq 的事件，按序号升序，最多 limit 条（<=0 不限）
	Since(ctx context.Context, seq uint64, limit int) ([]Event, error)

	// ByUser 返回某用户的全部事件，按序号升序
	ByUser(ctx context.Context, userID string) ([]Event, error)

	// Prune 删除时间戳早于 before 的事件，返回删除数量
	Prune(ctx context.Context, before time.Time) (int, error)

	// LastSeq 当前最大序号
	LastSeq(ctx context.Context) (uint64, error)

	Close() error
}

// MemoryLog 进程内事件日志
type MemoryLog struct {
	mu      sync.RWMutex
	events  []Event // 按 Seq 升序
	hashes  map[string]struct{}
	seq     uint64
	horizon int64
	closed  bool
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog 创建内存日志
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{hashes: make(map[string]struct{})}
}

func (m *MemoryLog) Append(_ context.Context, ev Event) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if ev.Timestamp < m.horizon {
		return false, nil
	}
	if _, ok := m.hashes[ev.ContentHash]; ok {
		return false, nil
	}
	m.seq++
	ev.Seq = m.seq
	m.events = append(m.events, ev)
	m.hashes[ev.ContentHash] = struct{}{}
	return true, nil
}

func (m *MemoryLog) Since(_ context.Context, seq uint64, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	i := sort.Search(len(m.events), func(i int) bool { return m.events[i].Seq > seq })
	rest := m.events[i:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	return slices.Clone(rest), nil
}

func (m *MemoryLog) ByUser(_ context.Context, userID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Event
	for _, ev := range m.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryLog) Prune(_ context.Context, before time.Time) (int, error) {
	cut := before.UnixNano()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if cut > m.horizon {
		m.horizon = cut
	}
	n := len(m.events)
	m.events = slices.DeleteFunc(m.events, func(ev Event) bool {
		if ev.Timestamp < cut {
			delete(m.hashes, ev.ContentHash)
			return true
		}
		return false
	})
	return n - len(m.events), nil
}

func (m *MemoryLog) LastSeq(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq, nil
}

// Len 当前保留的事件数
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
