package xstore

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const keyLockShards = 32

// keyLock 按键互斥锁：不同键互不阻塞，锁条目按引用计数回收。
type keyLock struct {
	shards [keyLockShards]lockShard
}

type lockShard struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// lockEntry 容量为 1 的 channel 充当可被 ctx 取消的互斥量
type lockEntry struct {
	ch     chan struct{}
	refcnt int
}

func newKeyLock() *keyLock {
	kl := &keyLock{}
	for i := range kl.shards {
		kl.shards[i].entries = make(map[string]*lockEntry)
	}
	return kl
}

func (kl *keyLock) shard(key string) *lockShard {
	return &kl.shards[xxhash.Sum64String(key)%keyLockShards]
}

// lock 获取 key 的锁，返回释放函数
func (kl *keyLock) lock(ctx context.Context, key string) (func(), error) {
	s := kl.shard(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.refcnt++
	s.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			kl.release(s, key, e)
		}, nil
	case <-ctx.Done():
		kl.release(s, key, e)
		return nil, ctx.Err()
	}
}

func (kl *keyLock) release(s *lockShard, key string, e *lockEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refcnt--
	if e.refcnt == 0 {
		delete(s.entries, key)
	}
}

// size 当前持有或等待中的键数
func (kl *keyLock) size() int {
	n := 0
	for i := range kl.shards {
		s := &kl.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
