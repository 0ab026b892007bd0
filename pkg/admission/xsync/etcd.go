package xsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

// DefaultMemberTTL 节点键的租约时长
const DefaultMemberTTL = 15 * time.Second

// EtcdMembership 在 etcd 前缀下登记本节点并列出其他节点。
// 节点键绑定租约，进程退出或失联超过 TTL 后自动消失。
type EtcdMembership struct {
	client *clientv3.Client
	prefix string
	self   Member
	ttl    time.Duration
	logger xlog.Logger
}

var _ Membership = (*EtcdMembership)(nil)

// NewEtcdMembership 创建 etcd 成员；ttl <= 0 时使用默认值
func NewEtcdMembership(client *clientv3.Client, prefix string, self Member, ttl time.Duration, logger xlog.Logger) (*EtcdMembership, error) {
	if client == nil || self.ID == "" {
		return nil, fmt.Errorf("%w: etcd client and self id are required", ErrInvalidConfig)
	}
	if ttl <= 0 {
		ttl = DefaultMemberTTL
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdMembership{client: client, prefix: prefix, self: self, ttl: ttl, logger: xlog.OrNop(logger)}, nil
}

func (e *EtcdMembership) key() string { return e.prefix + e.self.ID }

func (e *EtcdMembership) Members(ctx context.Context) ([]Member, error) {
	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("xsync: list members: %w", err)
	}
	out := make([]Member, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var m Member
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			e.logger.Warn(ctx, "skip malformed member", slog.String("key", string(kv.Key)), xlog.Err(err))
			continue
		}
		if m.ID == "" || m.ID == e.self.ID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// register 申请租约并写入本节点键，返回租约与续约通道
func (e *EtcdMembership) register(ctx context.Context) (clientv3.LeaseID, <-chan *clientv3.LeaseKeepAliveResponse, error) {
	lease, err := e.client.Grant(ctx, int64(e.ttl/time.Second))
	if err != nil {
		return 0, nil, fmt.Errorf("xsync: grant lease: %w", err)
	}
	data, err := json.Marshal(e.self)
	if err != nil {
		return 0, nil, err
	}
	if _, err := e.client.Put(ctx, e.key(), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("xsync: register member: %w", err)
	}
	ch, err := e.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("xsync: keep alive: %w", err)
	}
	return lease.ID, ch, nil
}

// Run 登记本节点并持续续约，续约中断后重新登记；ctx 取消时撤销租约
func (e *EtcdMembership) Run(ctx context.Context) error {
	for {
		lease, ch, err := e.register(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn(ctx, "member registration failed", xlog.Err(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.ttl / 3):
			}
			continue
		}
		e.logger.Info(ctx, "member registered", slog.String("key", e.key()))

		for range ch {
			// 续约响应本身不需要处理，通道关闭表示租约失效或 ctx 取消
		}
		if ctx.Err() != nil {
			revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			_, err := e.client.Revoke(revokeCtx, lease)
			cancel()
			if err != nil {
				e.logger.Warn(ctx, "revoke member lease failed", xlog.Err(err))
			}
			return ctx.Err()
		}
		e.logger.Warn(ctx, "member lease lost, re-registering")
	}
}
