package xanomaly

import (
	"sync"
	"time"

	"github.com/omeyang/xadmit/pkg/admission/xrule"
)

// Activity 一次准入结果
type Activity struct {
	UserID   string             `json:"user_id"`
	Resource xrule.ResourceType `json:"resource"`
	Allowed  bool               `json:"allowed"`
	Region   string             `json:"region,omitempty"`
	At       time.Time          `json:"at"`
}

// DefaultMaxPerUser 单个用户保留的活动上限
const DefaultMaxPerUser = 10000

// ActivityStore 内存中的近期活动，按用户分组。并发安全。
type ActivityStore struct {
	mu         sync.Mutex
	byUser     map[string][]Activity
	maxPerUser int
	size       int
}

// NewActivityStore 创建活动存储；maxPerUser <= 0 时使用默认值
func NewActivityStore(maxPerUser int) *ActivityStore {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	return &ActivityStore{byUser: make(map[string][]Activity), maxPerUser: maxPerUser}
}

// Add 追加一条活动；超过单用户上限时丢弃该用户最旧的一条
func (s *ActivityStore) Add(a Activity) {
	if a.UserID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acts := s.byUser[a.UserID]
	if len(acts) >= s.maxPerUser {
		acts = acts[1:]
		s.size--
	}
	s.byUser[a.UserID] = append(acts, a)
	s.size++
}

// Between 返回 (from, to] 内的活动，按用户分组
func (s *ActivityStore) Between(from, to time.Time) map[string][]Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]Activity)
	for user, acts := range s.byUser {
		for _, a := range acts {
			if a.At.After(from) && !a.At.After(to) {
				out[user] = append(out[user], a)
			}
		}
	}
	return out
}

// Denied 统计用户在 (from, to] 内被拒绝的次数
func (s *ActivityStore) Denied(userID string, from, to time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.byUser[userID] {
		if !a.Allowed && a.At.After(from) && !a.At.After(to) {
			n++
		}
	}
	return n
}

// Prune 删除早于 before 的活动，返回删除条数
func (s *ActivityStore) Prune(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for user, acts := range s.byUser {
		kept := acts[:0]
		for _, a := range acts {
			if a.At.Before(before) {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(s.byUser, user)
			continue
		}
		s.byUser[user] = kept
	}
	s.size -= removed
	return removed
}

// Len 当前保留的活动条数
func (s *ActivityStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
