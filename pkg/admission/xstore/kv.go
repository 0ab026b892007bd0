package xstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable 存储不可用（网络错误、超时、熔断打开）
	ErrUnavailable = errors.New("xstore: store unavailable")
	// ErrConflict 乐观并发冲突，重试次数耗尽
	ErrConflict = errors.New("xstore: update conflict retries exhausted")
	// ErrClosed 存储已关闭
	ErrClosed = errors.New("xstore: closed")
)

// UpdateFunc 在原子更新内被调用。
// current 为当前值（exists=false 时为 nil）；返回 next=nil 表示不写入，
// 返回 [Tombstone]（空的非 nil 切片）表示删除该键。
// Redis 实现在冲突重试时会再次调用，函数必须无副作用。
type UpdateFunc func(current []byte, exists bool) (next []byte, err error)

// Tombstone 作为 UpdateFunc 的返回值时删除键
var Tombstone = []byte{}

func isTombstone(b []byte) bool { return b != nil && len(b) == 0 }

// KV 原子读-改-写存储
type KV interface {
	// Get 读取键，不存在时 exists=false
	Get(ctx context.Context, key string) (value []byte, exists bool, err error)

	// Update 原子地读-改-写；ttl>0 时写入后设置过期时间。返回写入后的值。
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error)

	// Delete 删除键，不存在不报错
	Delete(ctx context.Context, key string) error

	// Scan 遍历前缀下的所有键，fn 返回错误时停止
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	Close() error
}

// callbackError 区分 UpdateFunc 自身的错误与存储错误
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// IsUnavailable 判断错误是否应按存储不可用处理（包括冲突重试耗尽）
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConflict)
}
