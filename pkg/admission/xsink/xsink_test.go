package xsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestKind_Text(t *testing.T) {
	data, err := json.Marshal(Notification{Kind: KindThrottleLevelChange, Level: "high", At: at})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"throttle_level_change"`)

	var n Notification
	require.NoError(t, json.Unmarshal(data, &n))
	assert.Equal(t, KindThrottleLevelChange, n.Kind)
	_, err = ParseKind("email")
	assert.Error(t, err)
}

func TestBus(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(1)
	defer cancelA()

	require.NoError(t, bus.Publish(ctx, Notification{Kind: KindViolation, UserID: "u1"}))
	require.NoError(t, bus.Publish(ctx, Notification{Kind: KindClean, UserID: "u1"}))

	assert.Equal(t, KindViolation, (<-a).Kind)
	assert.Equal(t, KindClean, (<-a).Kind)
	assert.Equal(t, KindViolation, (<-b).Kind)
	assert.Equal(t, uint64(1), bus.Dropped(), "b has buffer 1")

	cancelB()
	cancelB()
	_, ok := <-b
	assert.False(t, ok)

	require.NoError(t, bus.Close())
	_, ok = <-a
	assert.False(t, ok)
	assert.ErrorIs(t, bus.Publish(ctx, Notification{}), ErrClosed)

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1000)
	defer cancel()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = bus.Publish(context.Background(), Notification{Kind: KindAnomaly}) //nolint:errcheck // bus is open
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 500)
	assert.Zero(t, bus.Dropped())
}

type failingSink struct{ err error }

func (f failingSink) Publish(context.Context, Notification) error { return f.err }
func (f failingSink) Close() error                                { return f.err }

func TestMulti(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()
	boom := errors.New("boom")

	m := Multi{failingSink{err: boom}, Nop(), bus}
	err := m.Publish(context.Background(), Notification{Kind: KindDecay})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, KindDecay, (<-ch).Kind, "later sinks still receive")
	assert.ErrorIs(t, m.Close(), boom)
	assert.Equal(t, Nop(), OrNop(nil))
}

func TestRedisStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() }) //nolint:errcheck // test cleanup

	s, err := NewRedisStream(client, WithStream("test:notes"), WithMaxLen(100))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, Notification{Kind: KindAnomaly, UserID: "u1", Score: 55, At: at}))
	require.NoError(t, s.Publish(ctx, Notification{Kind: KindStoreUnavailable, Node: "n1", At: at}))

	msgs, err := client.XRange(ctx, "test:notes", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "anomaly", msgs[0].Values["kind"])

	var n Notification
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &n))
	assert.Equal(t, "u1", n.UserID)
	assert.Equal(t, 55, n.Score)

	mr.Close()
	assert.Error(t, s.Publish(ctx, Notification{Kind: KindClean}))

	_, err = NewRedisStream(nil)
	assert.Error(t, err)
}

// fakeProducer 只实现 SendAsync 等被用到的方法，其余方法调用会 panic
type fakeProducer struct {
	pulsar.Producer
	mu      sync.Mutex
	sent    []*pulsar.ProducerMessage
	sendErr error
	closed  bool
}

func (f *fakeProducer) Topic() string { return "persistent://public/default/xadmit" }

func (f *fakeProducer) SendAsync(_ context.Context, msg *pulsar.ProducerMessage, cb func(pulsar.MessageID, *pulsar.ProducerMessage, error)) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	cb(nil, msg, f.sendErr)
}

func (f *fakeProducer) Flush() error { return nil }
func (f *fakeProducer) Close()       { f.closed = true }

func TestPulsar(t *testing.T) {
	fp := &fakeProducer{}
	p, err := NewPulsar(fp, nil)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), Notification{Kind: KindManual, UserID: "u9", At: at}))
	require.Len(t, fp.sent, 1)
	assert.Equal(t, "u9", fp.sent[0].Key)
	assert.Equal(t, "manual", fp.sent[0].Properties["kind"])
	assert.Equal(t, at, fp.sent[0].EventTime)

	fp.sendErr = errors.New("broker gone")
	require.NoError(t, p.Publish(context.Background(), Notification{Kind: KindManual}))
	assert.Equal(t, uint64(1), p.Failed())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, fp.closed)
	assert.ErrorIs(t, p.Publish(context.Background(), Notification{}), ErrClosed)

	_, err = NewPulsar(nil, nil)
	assert.Error(t, err)
}

func TestKafka_UnreachableBrokerDoesNotBlock(t *testing.T) {
	cfg := &kafka.ConfigMap{
		"bootstrap.servers":  "127.0.0.1:1",
		"message.timeout.ms": 200,
	}
	k, err := NewKafka(cfg, "xadmit.notifications", WithFlushTimeout(2*time.Second))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, k.Publish(context.Background(), Notification{Kind: KindViolation, UserID: "u1", At: at}))
	assert.Less(t, time.Since(start), time.Second)

	// 消息超时后在投递报告中计为失败
	require.NoError(t, k.Close())
	assert.Equal(t, uint64(1), k.Failed())
	require.NoError(t, k.Close())
	assert.ErrorIs(t, k.Publish(context.Background(), Notification{}), ErrClosed)

	_, err = NewKafka(nil, "t")
	assert.Error(t, err)
	_, err = NewKafka(cfg, "")
	assert.Error(t, err)
}
