package xsync

import (
	"context"
	"errors"
	"slices"

	"github.com/omeyang/xadmit/pkg/admission/xevent"
	"github.com/omeyang/xadmit/pkg/admission/xreputation"
)

var (
	// ErrRateLimited 对端拉取过于频繁
	ErrRateLimited = errors.New("xsync: pull rate limited")
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = errors.New("xsync: invalid config")
	// ErrClosed 已关闭
	ErrClosed = errors.New("xsync: closed")
)

// PullRequest 拉取请求
type PullRequest struct {
	// From 请求方节点 ID
	From string `json:"from"`
	// Since 只返回对端序号大于 Since 的事件
	Since uint64 `json:"since"`
	Limit int    `json:"limit"`
	// Users 需要对端给出当前评分视图的用户
	Users []string `json:"users,omitempty"`
}

// PullResponse 拉取结果
type PullResponse struct {
	Node   string         `json:"node"`
	Events []xevent.Event `json:"events"`
	// Next 下一次请求使用的 Since
	Next uint64 `json:"next"`
	// Head 对端日志当前最大序号
	Head uint64 `json:"head"`
	More bool   `json:"more"`
	// Scores 对端对请求用户的评分
	Scores map[string]int `json:"scores,omitempty"`
}

// Peer 可拉取事件的对端
type Peer interface {
	ID() string
	Pull(ctx context.Context, req PullRequest) (PullResponse, error)
}

// Reputation 复制器依赖的信誉操作
type Reputation interface {
	Get(ctx context.Context, userID string) (xreputation.Score, error)
	ApplyMerged(ctx context.Context, userID string) (xreputation.Score, error)
}

var _ Reputation = (*xreputation.Manager)(nil)

// Member 集群成员
type Member struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Membership 成员来源，返回结果不含本节点
type Membership interface {
	Members(ctx context.Context) ([]Member, error)
}

// StaticMembership 固定成员列表
type StaticMembership struct {
	self    string
	members []Member
}

var _ Membership = (*StaticMembership)(nil)

// NewStaticMembership 创建静态成员；列表中与 self 相同的成员会被忽略
func NewStaticMembership(self string, members ...Member) *StaticMembership {
	return &StaticMembership{
		self: self,
		members: slices.DeleteFunc(slices.Clone(members), func(m Member) bool {
			return m.ID == self || m.ID == ""
		}),
	}
}

func (s *StaticMembership) Members(context.Context) ([]Member, error) {
	return slices.Clone(s.members), nil
}
