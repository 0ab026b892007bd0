package xsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

// Pulsar 通过 SendAsync 发布通知。生产者由调用方创建，Close 时一并关闭。
type Pulsar struct {
	producer pulsar.Producer
	logger   xlog.Logger
	failed   atomic.Uint64
	closed   atomic.Bool
}

var _ Sink = (*Pulsar)(nil)

// NewPulsar 包装已创建的生产者
func NewPulsar(producer pulsar.Producer, logger xlog.Logger) (*Pulsar, error) {
	if producer == nil {
		return nil, errors.New("xsink: pulsar producer is nil")
	}
	return &Pulsar{producer: producer, logger: xlog.OrNop(logger)}, nil
}

func (p *Pulsar) Publish(ctx context.Context, n Notification) error {
	if p.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("xsink: encode notification: %w", err)
	}
	msg := &pulsar.ProducerMessage{
		Payload:    data,
		Key:        n.UserID,
		EventTime:  n.At,
		Properties: map[string]string{"kind": n.Kind.String()},
	}
	p.producer.SendAsync(ctx, msg, func(_ pulsar.MessageID, _ *pulsar.ProducerMessage, err error) {
		if err != nil {
			p.failed.Add(1)
			p.logger.Warn(context.Background(), "pulsar send failed",
				slog.String("topic", p.producer.Topic()), xlog.Err(err))
		}
	})
	return nil
}

// Failed 发送失败的消息数
func (p *Pulsar) Failed() uint64 { return p.failed.Load() }

func (p *Pulsar) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.producer.Flush()
	p.producer.Close()
	return err
}
