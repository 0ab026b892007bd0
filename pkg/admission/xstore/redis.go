package xstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

// RedisOption 配置 Redis
type RedisOption func(*redisOptions)

type redisOptions struct {
	prefix       string
	maxRetries   uint
	opTimeout    time.Duration
	tripAfter    uint32
	openTimeout  time.Duration
	logger       xlog.Logger
	breakerLabel string
}

// WithPrefix 设置键前缀，默认 "xadmit:"
func WithPrefix(prefix string) RedisOption {
	return func(o *redisOptions) { o.prefix = prefix }
}

// WithMaxRetries 设置乐观事务冲突的最大尝试次数，默认 5
func WithMaxRetries(n uint) RedisOption {
	return func(o *redisOptions) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithOpTimeout 设置单次调用超时（含重试），默认 50ms
func WithOpTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		if d > 0 {
			o.opTimeout = d
		}
	}
}

// WithBreaker 设置熔断：连续 tripAfter 次失败后打开，openTimeout 后半开
func WithBreaker(tripAfter uint32, openTimeout time.Duration) RedisOption {
	return func(o *redisOptions) {
		if tripAfter > 0 {
			o.tripAfter = tripAfter
		}
		if openTimeout > 0 {
			o.openTimeout = openTimeout
		}
	}
}

// WithRedisLogger 设置日志器
func WithRedisLogger(l xlog.Logger) RedisOption {
	return func(o *redisOptions) { o.logger = xlog.OrNop(l) }
}

// Redis 基于 go-redis 的共享存储，实现 [KV]
type Redis struct {
	client redis.UniversalClient
	opts   redisOptions
	cb     *gobreaker.CircuitBreaker[[]byte]
	closed atomic.Bool
}

var _ KV = (*Redis)(nil)

// NewRedis 创建 Redis 存储。client 由调用方管理，Close 不会关闭它。
func NewRedis(client redis.UniversalClient, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, errors.New("xstore: redis client is nil")
	}
	o := redisOptions{
		prefix:       "xadmit:",
		maxRetries:   5,
		opTimeout:    50 * time.Millisecond,
		tripAfter:    5,
		openTimeout:  5 * time.Second,
		logger:       xlog.Nop(),
		breakerLabel: "xstore.redis",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	r := &Redis{client: client, opts: o}
	r.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    o.breakerLabel,
		Timeout: o.openTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= o.tripAfter
		},
		// 回调错误与事务冲突说明存储本身是通的
		IsSuccessful: func(err error) bool {
			var cbErr *callbackError
			return err == nil || errors.As(err, &cbErr) || errors.Is(err, ErrConflict) || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Warn(context.Background(), "store breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return r, nil
}

// guard 施加超时与熔断，并把错误归类
func (r *Redis) guard(ctx context.Context, op func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	opCtx, cancel := context.WithTimeout(ctx, r.opts.opTimeout)
	defer cancel()

	out, err := r.cb.Execute(func() ([]byte, error) { return op(opCtx) })
	if err == nil {
		return out, nil
	}

	var cbErr *callbackError
	switch {
	case errors.As(err, &cbErr):
		return nil, cbErr.err
	case errors.Is(err, ErrConflict):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var exists bool
	out, err := r.guard(ctx, func(ctx context.Context) ([]byte, error) {
		v, err := r.client.Get(ctx, r.opts.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		exists = true
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, exists, nil
}

// Update 使用 WATCH/GET/MULTI/SET/EXEC；EXEC 因 WATCH 失败时重试，最多 maxRetries 次
func (r *Redis) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error) {
	full := r.opts.prefix + key
	return r.guard(ctx, func(ctx context.Context) ([]byte, error) {
		var out []byte
		txf := func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, full).Bytes()
			exists := true
			if errors.Is(err, redis.Nil) {
				exists, err = false, nil
			}
			if err != nil {
				return err
			}
			next, err := fn(cur, exists)
			if err != nil {
				return &callbackError{err: err}
			}
			if next == nil {
				out = cur
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				if isTombstone(next) {
					p.Del(ctx, full)
				} else {
					p.Set(ctx, full, next, ttl)
				}
				return nil
			})
			if err == nil && !isTombstone(next) {
				out = next
			}
			return err
		}

		err := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.opts.maxRetries),
			retry.Delay(time.Millisecond),
			retry.MaxJitter(time.Millisecond),
			retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
			retry.RetryIf(func(err error) bool { return errors.Is(err, redis.TxFailedErr) }),
			retry.LastErrorOnly(true),
		).Do(func() error {
			return r.client.Watch(ctx, txf, full)
		})
		if errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("%w: key %s", ErrConflict, key)
		}
		return out, err
	})
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	_, err := r.guard(ctx, func(ctx context.Context) ([]byte, error) {
		return nil, r.client.Del(ctx, r.opts.prefix+key).Err()
	})
	return err
}

// Scan 使用 SCAN MATCH 遍历；集群模式下逐个 master 扫描。
// Scan 是后台操作，不受 opTimeout 约束，也不经过熔断。
func (r *Redis) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	if r.closed.Load() {
		return ErrClosed
	}
	pattern := escapeGlob(r.opts.prefix+prefix) + "*"
	scanOne := func(ctx context.Context, c redis.Cmdable) error {
		iter := c.Scan(ctx, 0, pattern, 200).Iterator()
		for iter.Next(ctx) {
			full := iter.Val()
			v, err := c.Get(ctx, full).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
			if err := fn(strings.TrimPrefix(full, r.opts.prefix), v); err != nil {
				return err
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil
	}

	if cc, ok := r.client.(*redis.ClusterClient); ok {
		return cc.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return scanOne(ctx, c)
		})
	}
	return scanOne(ctx, r.client)
}

// Close 标记关闭，不关闭底层 client
func (r *Redis) Close() error {
	r.closed.Store(true)
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
