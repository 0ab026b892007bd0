package xsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/omeyang/xadmit/pkg/admission/xevent"
	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

const (
	// DefaultPullLimit 单次拉取的默认事件数
	DefaultPullLimit = 500
	// MaxPullLimit 单次拉取的事件数上限
	MaxPullLimit = 5000
	// maxScoreUsers 单次请求最多返回的评分视图数
	maxScoreUsers = 1000
)

// PullLimiter 按请求方节点限制拉取频率
type PullLimiter interface {
	Allow(ctx context.Context, from string) error
}

// RedisPullLimiter 基于 redis_rate 的 GCRA 限流，多个服务进程共享配额
type RedisPullLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

var _ PullLimiter = (*RedisPullLimiter)(nil)

// NewRedisPullLimiter 每个请求方每秒最多 perSecond 次拉取
func NewRedisPullLimiter(client redis.UniversalClient, perSecond int) *RedisPullLimiter {
	return &RedisPullLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit:   redis_rate.PerSecond(max(perSecond, 1)),
		prefix:  "xadmit:sync:pull:",
	}
}

func (l *RedisPullLimiter) Allow(ctx context.Context, from string) error {
	res, err := l.limiter.Allow(ctx, l.prefix+from, l.limit)
	if err != nil {
		return fmt.Errorf("xsync: pull limiter: %w", err)
	}
	if res.Allowed == 0 {
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, res.RetryAfter)
	}
	return nil
}

// ServerOption 配置 Server
type ServerOption func(*Server)

// WithPullLimiter 设置拉取限流
func WithPullLimiter(l PullLimiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithServerLogger 设置日志
func WithServerLogger(l xlog.Logger) ServerOption {
	return func(s *Server) { s.logger = xlog.OrNop(l) }
}

// Server 从本地事件日志响应对端拉取
type Server struct {
	node    string
	log     xevent.Log
	rep     Reputation
	limiter PullLimiter
	logger  xlog.Logger
}

// NewServer 创建服务端；rep 用于返回评分视图，可为 nil
func NewServer(node string, log xevent.Log, rep Reputation, opts ...ServerOption) *Server {
	s := &Server{node: node, log: log, rep: rep, logger: xlog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Node 本节点 ID
func (s *Server) Node() string { return s.node }

// Pull 返回序号大于 req.Since 的一页事件
func (s *Server) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, req.From); err != nil {
			return PullResponse{}, err
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	limit = min(limit, MaxPullLimit)

	head, err := s.log.LastSeq(ctx)
	if err != nil {
		return PullResponse{}, err
	}
	events, err := s.log.Since(ctx, req.Since, limit)
	if err != nil {
		return PullResponse{}, err
	}
	resp := PullResponse{Node: s.node, Events: events, Next: req.Since, Head: head}
	if n := len(events); n > 0 {
		resp.Next = events[n-1].Seq
		resp.More = n == limit && resp.Next < head
	}

	if s.rep != nil && len(req.Users) > 0 {
		users := req.Users[:min(len(req.Users), maxScoreUsers)]
		resp.Scores = make(map[string]int, len(users))
		for _, u := range users {
			sc, err := s.rep.Get(ctx, u)
			if err != nil {
				s.logger.Warn(ctx, "score view unavailable", slog.String("user", u), xlog.Err(err))
				continue
			}
			resp.Scores[u] = sc.Score
		}
	}
	s.logger.Debug(ctx, "pull served", slog.String("from", req.From),
		slog.Int("events", len(events)), slog.Uint64("next", resp.Next))
	return resp, nil
}

// LocalPeer 进程内直接调用 Server 的对端
type LocalPeer struct {
	srv *Server
	// Delay 模拟网络延迟，测试用
	Delay time.Duration
}

var _ Peer = (*LocalPeer)(nil)

// NewLocalPeer 包装进程内服务端
func NewLocalPeer(srv *Server) *LocalPeer { return &LocalPeer{srv: srv} }

func (p *LocalPeer) ID() string { return p.srv.node }

func (p *LocalPeer) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return PullResponse{}, ctx.Err()
		}
	}
	return p.srv.Pull(ctx, req)
}
