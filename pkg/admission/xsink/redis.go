package xsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream 默认 Stream 名
const DefaultStream = "xadmit:notifications"

// RedisStreamOption 配置 RedisStream
type RedisStreamOption func(*RedisStream)

// WithStream 设置 Stream 名
func WithStream(name string) RedisStreamOption {
	return func(s *RedisStream) {
		if name != "" {
			s.stream = name
		}
	}
}

// WithMaxLen 设置近似最大长度，默认 10000
func WithMaxLen(n int64) RedisStreamOption {
	return func(s *RedisStream) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// WithPublishTimeout 设置单次 XADD 超时，默认 100ms
func WithPublishTimeout(d time.Duration) RedisStreamOption {
	return func(s *RedisStream) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// RedisStream 把通知写入 Redis Stream，字段为 kind 与 JSON 编码的 data
type RedisStream struct {
	client  redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
}

var _ Sink = (*RedisStream)(nil)

// NewRedisStream 创建 Stream sink；客户端生命周期由调用方管理
func NewRedisStream(client redis.UniversalClient, opts ...RedisStreamOption) (*RedisStream, error) {
	if client == nil {
		return nil, errors.New("xsink: redis client is nil")
	}
	s := &RedisStream{client: client, stream: DefaultStream, maxLen: 10000, timeout: 100 * time.Millisecond}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *RedisStream) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("xsink: encode notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"kind": n.Kind.String(), "data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("xsink: xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisStream) Close() error { return nil }
