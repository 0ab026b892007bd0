package xstore

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() }) //nolint:errcheck // test cleanup
	return mr, client
}

func incr(cur []byte, _ bool) ([]byte, error) {
	n, _ := strconv.Atoi(string(cur)) //nolint:errcheck // 空值视为 0
	return []byte(strconv.Itoa(n + 1)), nil
}

// kvContract 两种实现共享的行为
func kvContract(t *testing.T, kv KV) {
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	out, err := kv.Update(ctx, "c:1", 0, incr)
	require.NoError(t, err)
	assert.Equal(t, "1", string(out))
	out, err = kv.Update(ctx, "c:1", 0, incr)
	require.NoError(t, err)
	assert.Equal(t, "2", string(out))

	// next=nil 不写入
	out, err = kv.Update(ctx, "c:1", 0, func(cur []byte, exists bool) ([]byte, error) {
		assert.True(t, exists)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "2", string(out))

	// 回调错误原样返回
	boom := errors.New("over limit")
	_, err = kv.Update(ctx, "c:1", 0, func([]byte, bool) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsUnavailable(err))

	_, err = kv.Update(ctx, "c:2", 0, incr)
	require.NoError(t, err)
	_, err = kv.Update(ctx, "other", 0, incr)
	require.NoError(t, err)

	var keys []string
	require.NoError(t, kv.Scan(ctx, "c:", func(k string, v []byte) error {
		keys = append(keys, k)
		return nil
	}))
	assert.ElementsMatch(t, []string{"c:1", "c:2"}, keys)

	out, err = kv.Update(ctx, "c:2", 0, func([]byte, bool) ([]byte, error) { return Tombstone, nil })
	require.NoError(t, err)
	assert.Nil(t, out)
	_, ok, err = kv.Get(ctx, "c:2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Delete(ctx, "c:1"))
	_, ok, err = kv.Get(ctx, "c:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// concurrentIncrements 并发自增必须不丢更新
func concurrentIncrements(t *testing.T, kv KV, workers, per int) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range per {
				_, err := kv.Update(ctx, "hot", 0, incr)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	v, ok, err := kv.Get(ctx, "hot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strconv.Itoa(workers*per), string(v))
}

func TestMemory_Contract(t *testing.T) {
	kvContract(t, NewMemory())
}

func TestMemory_Concurrent(t *testing.T) {
	m := NewMemory()
	concurrentIncrements(t, m, 16, 50)
	assert.Zero(t, m.locks.size(), "lock entries are reclaimed")
}

func TestMemory_TTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(WithMemoryClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := m.Update(ctx, "b", time.Minute, incr)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	now = now.Add(time.Minute)
	_, ok, err := m.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	out, err := m.Update(ctx, "b", 0, func(cur []byte, exists bool) ([]byte, error) {
		assert.False(t, exists, "expired value is not visible to updates")
		return incr(cur, exists)
	})
	require.NoError(t, err)
	assert.Equal(t, "1", string(out))
}

func TestMemory_LockHonorsContext(t *testing.T) {
	m := NewMemory()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = m.Update(context.Background(), "k", 0, func([]byte, bool) ([]byte, error) { //nolint:errcheck // 测试
			close(held)
			<-release
			return []byte("x"), nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Update(ctx, "k", 0, incr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)

	require.NoError(t, m.Close())
	_, err = m.Update(context.Background(), "k", 0, incr)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedis_Contract(t *testing.T) {
	_, client := setupMiniredis(t)
	r, err := NewRedis(client, WithOpTimeout(time.Second))
	require.NoError(t, err)
	kvContract(t, r)
}

func TestRedis_TTL(t *testing.T) {
	mr, client := setupMiniredis(t)
	r, err := NewRedis(client, WithOpTimeout(time.Second))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Update(ctx, "b", time.Minute, incr)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("xadmit:b"))
	mr.FastForward(time.Minute)
	_, ok, err := r.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_Concurrent(t *testing.T) {
	_, client := setupMiniredis(t)
	r, err := NewRedis(client, WithOpTimeout(5*time.Second), WithMaxRetries(1000))
	require.NoError(t, err)
	concurrentIncrements(t, r, 8, 20)
}

func TestRedis_ConflictExhausted(t *testing.T) {
	_, client := setupMiniredis(t)
	r, err := NewRedis(client, WithOpTimeout(time.Second), WithMaxRetries(3))
	require.NoError(t, err)
	ctx := context.Background()

	calls := 0
	_, err = r.Update(ctx, "k", 0, func(cur []byte, exists bool) ([]byte, error) {
		calls++
		// 另一个客户端在 WATCH 之后改写同一个键，EXEC 必然失败
		require.NoError(t, client.Incr(ctx, "xadmit:k").Err())
		return []byte("mine"), nil
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, 3, calls)
}

func TestRedis_UnavailableAndBreaker(t *testing.T) {
	mr, client := setupMiniredis(t)
	r, err := NewRedis(client, WithOpTimeout(200*time.Millisecond), WithBreaker(2, time.Minute))
	require.NoError(t, err)
	ctx := context.Background()

	mr.Close()
	for range 2 {
		_, err = r.Update(ctx, "k", 0, incr)
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	// 熔断打开后直接失败
	_, _, err = r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "circuit breaker is open")

	require.NoError(t, r.Close())
	_, _, err = r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `rep:a\*b\?`, escapeGlob("rep:a*b?"))
}
