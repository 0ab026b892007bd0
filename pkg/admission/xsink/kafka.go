package xsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

// KafkaOption 配置 Kafka sink
type KafkaOption func(*Kafka)

// WithKafkaLogger 设置投递失败日志
func WithKafkaLogger(l xlog.Logger) KafkaOption {
	return func(k *Kafka) { k.logger = xlog.OrNop(l) }
}

// WithFlushTimeout 设置 Close 时等待队列清空的时间，默认 5s
func WithFlushTimeout(d time.Duration) KafkaOption {
	return func(k *Kafka) {
		if d > 0 {
			k.flushTimeout = d
		}
	}
}

// Kafka 通过 confluent-kafka-go 异步生产通知，消息 key 为用户 ID
type Kafka struct {
	producer     *kafka.Producer
	topic        string
	logger       xlog.Logger
	flushTimeout time.Duration

	failed atomic.Uint64
	closed atomic.Bool
	wg     sync.WaitGroup
}

var _ Sink = (*Kafka)(nil)

// NewKafka 创建生产者；config 必须包含 bootstrap.servers，不会修改调用方的 ConfigMap
func NewKafka(config *kafka.ConfigMap, topic string, opts ...KafkaOption) (*Kafka, error) {
	if config == nil {
		return nil, errors.New("xsink: kafka config is nil")
	}
	if topic == "" {
		return nil, errors.New("xsink: kafka topic is empty")
	}
	cloned := &kafka.ConfigMap{}
	for key, v := range *config {
		if err := cloned.SetKey(key, v); err != nil {
			return nil, fmt.Errorf("xsink: clone config key %q: %w", key, err)
		}
	}
	p, err := kafka.NewProducer(cloned)
	if err != nil {
		return nil, fmt.Errorf("xsink: new kafka producer: %w", err)
	}

	k := &Kafka{producer: p, topic: topic, logger: xlog.Nop(), flushTimeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	k.wg.Add(1)
	go k.drain()
	return k, nil
}

// drain 消费投递报告，未消费时 Events 通道会堵塞生产者
func (k *Kafka) drain() {
	defer k.wg.Done()
	for e := range k.producer.Events() {
		m, ok := e.(*kafka.Message)
		if !ok || m.TopicPartition.Error == nil {
			continue
		}
		k.failed.Add(1)
		k.logger.Warn(context.Background(), "kafka delivery failed",
			slog.String("topic", k.topic), xlog.Err(m.TopicPartition.Error))
	}
}

func (k *Kafka) Publish(_ context.Context, n Notification) error {
	if k.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("xsink: encode notification: %w", err)
	}
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(n.UserID),
		Value:          data,
		Headers:        []kafka.Header{{Key: "kind", Value: []byte(n.Kind.String())}},
	}
	if err := k.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("xsink: kafka produce: %w", err)
	}
	return nil
}

// Failed 投递失败的消息数
func (k *Kafka) Failed() uint64 { return k.failed.Load() }

// Close 等待队列清空（受 flush 超时限制）后关闭生产者
func (k *Kafka) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	remaining := k.producer.Flush(int(k.flushTimeout.Milliseconds()))
	k.producer.Close()
	k.wg.Wait()
	if remaining > 0 {
		return fmt.Errorf("xsink: kafka flush timeout, %d messages still in queue", remaining)
	}
	return nil
}
