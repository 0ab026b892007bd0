package xsink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed Sink 已关闭
var ErrClosed = errors.New("xsink: closed")

// Kind 通知类型
type Kind uint8

const (
	KindViolation Kind = iota
	KindClean
	KindDecay
	KindAnomaly
	KindThrottleLevelChange
	KindManual
	KindLowConfidence
	KindStoreUnavailable
	kindCount
)

var kindNames = [kindCount]string{
	"violation", "clean", "decay", "anomaly", "throttle_level_change",
	"manual", "low_confidence", "store_unavailable",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// ParseKind 解析小写名称
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("xsink: unknown kind %q", name)
}

func (k Kind) MarshalText() ([]byte, error) {
	if k >= kindCount {
		return nil, fmt.Errorf("xsink: unknown kind %d", k)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Notification 一条通知
type Notification struct {
	Kind     Kind      `json:"kind"`
	UserID   string    `json:"user_id,omitempty"`
	Node     string    `json:"node,omitempty"`
	Severity int       `json:"severity,omitempty"`
	Score    int       `json:"score,omitempty"`
	Level    string    `json:"level,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Sink 通知出口
type Sink interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Notification) error { return nil }
func (nopSink) Close() error                                { return nil }

// Nop 丢弃所有通知
func Nop() Sink { return nopSink{} }

// OrNop s 为 nil 时返回 Nop
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop()
	}
	return s
}

// Multi 依次发布到所有 sink，错误合并返回
type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) Publish(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bus 进程内扇出。Publish 从不阻塞：订阅者缓冲区满时丢弃。
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Notification
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

var _ Sink = (*Bus)(nil)

// NewBus 创建总线
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Notification)}
}

// Subscribe 订阅所有通知，buffer<=0 时为 64。返回的 cancel 关闭通道。
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Publish(_ context.Context, n Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped 因订阅者缓冲区满而丢弃的通知数
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close 关闭所有订阅通道
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
