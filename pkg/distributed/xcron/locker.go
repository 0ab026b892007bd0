package xcron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld 锁已过期或被其他实例持有。
var ErrLockNotHeld = errors.New("xcron: lock not held by this instance")

// LockHandle 一次成功加锁的句柄。
type LockHandle interface {
	Unlock(ctx context.Context) error
	Key() string
}

// Locker 分布式锁接口。
// TryLock 非阻塞：锁被占用时返回 (nil, nil)，出错返回 (nil, err)。
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (LockHandle, error)
}

// NoopLocker 总是加锁成功，用于单节点部署。
func NoopLocker() Locker { return noopLocker{} }

type noopLocker struct{}

type noopHandle string

func (noopLocker) TryLock(_ context.Context, key string, _ time.Duration) (LockHandle, error) {
	return noopHandle(key), nil
}

func (noopHandle) Unlock(context.Context) error { return nil }
func (h noopHandle) Key() string                { return string(h) }

// RedsyncLocker 基于 redsync 的 Redis 分布式锁。
type RedsyncLocker struct {
	rs     *redsync.Redsync
	prefix string
}

var _ Locker = (*RedsyncLocker)(nil)

// NewRedsyncLocker 创建 Redis 锁，prefix 为空时使用 "xadmit:cron:"。
func NewRedsyncLocker(client redis.UniversalClient, prefix string) (*RedsyncLocker, error) {
	if client == nil {
		return nil, errors.New("xcron: redis client is nil")
	}
	if prefix == "" {
		prefix = "xadmit:cron:"
	}
	return &RedsyncLocker{rs: redsync.New(goredis.NewPool(client)), prefix: prefix}, nil
}

// TryLock 尝试一次加锁。
func (l *RedsyncLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (LockHandle, error) {
	fullKey := l.prefix + key
	mutex := l.rs.NewMutex(fullKey, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := mutex.TryLockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var taken *redsync.ErrTaken
		var nodeTaken *redsync.ErrNodeTaken
		if errors.As(err, &taken) || errors.As(err, &nodeTaken) || errors.Is(err, redsync.ErrFailed) {
			return nil, nil
		}
		return nil, fmt.Errorf("xcron: redis lock failed: %w", err)
	}
	return &redsyncHandle{mutex: mutex, key: fullKey}, nil
}

type redsyncHandle struct {
	mutex *redsync.Mutex
	key   string
}

func (h *redsyncHandle) Unlock(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) {
			return ErrLockNotHeld
		}
		return fmt.Errorf("xcron: redis unlock failed: %w", err)
	}
	if !ok {
		return ErrLockNotHeld
	}
	return nil
}

func (h *redsyncHandle) Key() string { return h.key }
