package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/omeyang/xadmit/pkg/admission/xengine"
	"github.com/omeyang/xadmit/pkg/admission/xevent"
	"github.com/omeyang/xadmit/pkg/admission/xrule"
	"github.com/omeyang/xadmit/pkg/admission/xsink"
	"github.com/omeyang/xadmit/pkg/admission/xstore"
	"github.com/omeyang/xadmit/pkg/admission/xsync"
	"github.com/omeyang/xadmit/pkg/distributed/xcron"
	"github.com/omeyang/xadmit/pkg/observability/xlog"
	"github.com/omeyang/xadmit/pkg/observability/xmetrics"
)

// infra 已连接的外部依赖，closers 按创建的逆序执行
type infra struct {
	deps       xengine.Deps
	redis      redis.UniversalClient
	membership *xsync.EtcdMembership
	closers    []func(context.Context) error
}

func (in *infra) onClose(fn func(context.Context) error) {
	in.closers = append(in.closers, fn)
}

// Close 释放全部连接
func (in *infra) Close(ctx context.Context) error {
	var errs []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		errs = append(errs, in.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// connect 按配置建立连接并组装节点依赖。失败时已建立的连接会被关闭。
func connect(ctx context.Context, c InfraConfig, node string, logger xlog.Logger) (_ *infra, err error) {
	in := &infra{}
	defer func() {
		if err != nil {
			//nolint:errcheck // 已有错误返回，关闭失败不再追加
			in.Close(context.WithoutCancel(ctx))
		}
	}()

	in.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    c.Redis.Addrs,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	in.onClose(func(context.Context) error { return in.redis.Close() })
	if err := in.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	kv, err := xstore.NewRedis(in.redis,
		xstore.WithPrefix(c.Redis.Prefix),
		xstore.WithOpTimeout(c.Redis.OpTimeout),
		xstore.WithRedisLogger(logger))
	if err != nil {
		return nil, err
	}
	in.onClose(func(context.Context) error { return kv.Close() })

	locker, err := xcron.NewRedsyncLocker(in.redis, c.Redis.Prefix+"cron:")
	if err != nil {
		return nil, err
	}

	mc, err := mongo.Connect(options.Client().ApplyURI(c.Mongo.URI).SetTimeout(c.Mongo.Timeout))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	in.onClose(mc.Disconnect)
	db := mc.Database(c.Mongo.Database)
	// 每个节点独立的事件集合，对端通过同步拉取
	events, err := xevent.NewMongoLog(ctx, db.Collection("events_"+node), db.Collection("events_meta_"+node), c.Mongo.Timeout)
	if err != nil {
		return nil, err
	}
	var rules xrule.Repository
	if c.Mongo.RuleCollection != "" {
		if rules, err = xrule.NewMongoRepository(db.Collection(c.Mongo.RuleCollection), c.Mongo.Timeout); err != nil {
			return nil, err
		}
	}

	sink, err := in.sinks(c.Sinks, logger)
	if err != nil {
		return nil, err
	}

	in.deps = xengine.Deps{
		KV:       kv,
		Events:   events,
		Rules:    rules,
		Sink:     sink,
		Locker:   locker,
		Logger:   logger,
		Observer: xmetrics.NoopObserver{},
	}
	if c.PullRate > 0 {
		in.deps.PullLimiter = xsync.NewRedisPullLimiter(in.redis, c.PullRate)
	}
	if err := in.discovery(c, node, logger); err != nil {
		return nil, err
	}
	if err := in.telemetry(ctx, c.Telemetry, node); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *infra) sinks(c SinkConfig, logger xlog.Logger) (xsink.Sink, error) {
	var out xsink.Multi
	if c.RedisStream != "" {
		s, err := xsink.NewRedisStream(in.redis, xsink.WithStream(c.RedisStream))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if c.KafkaBrokers != "" {
		s, err := xsink.NewKafka(&kafka.ConfigMap{"bootstrap.servers": c.KafkaBrokers}, c.KafkaTopic, xsink.WithKafkaLogger(logger))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if c.PulsarURL != "" {
		client, err := pulsar.NewClient(pulsar.ClientOptions{URL: c.PulsarURL, OperationTimeout: 10 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("pulsar client: %w", err)
		}
		in.onClose(func(context.Context) error { client.Close(); return nil })
		producer, err := client.CreateProducer(pulsar.ProducerOptions{Topic: c.PulsarTopic})
		if err != nil {
			return nil, fmt.Errorf("pulsar producer: %w", err)
		}
		s, err := xsink.NewPulsar(producer, logger)
		if err != nil {
			producer.Close()
			return nil, err
		}
		out = append(out, s)
	}
	in.onClose(func(context.Context) error { return out.Close() })
	logger.Info(context.Background(), "notification sinks ready", slog.Int("sinks", len(out)))
	return out, nil
}

// discovery etcd 优先，其次静态对端；都没有时单节点运行
func (in *infra) discovery(c InfraConfig, node string, logger xlog.Logger) error {
	advertise := c.AdvertiseAddr
	if advertise == "" {
		advertise = c.GRPCAddr
	}
	factory := func(m xsync.Member) (xsync.Peer, error) { return xsync.DialPeer(m) }

	if len(c.Etcd.Endpoints) > 0 {
		client, err := clientv3.New(clientv3.Config{Endpoints: c.Etcd.Endpoints, DialTimeout: c.Etcd.DialTimeout})
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		in.onClose(func(context.Context) error { return client.Close() })
		m, err := xsync.NewEtcdMembership(client, c.Etcd.Prefix, xsync.Member{ID: node, Addr: advertise}, c.Etcd.MemberTTL, logger)
		if err != nil {
			return err
		}
		in.membership = m
		in.deps.Membership, in.deps.PeerFactory = m, factory
		return nil
	}
	if len(c.StaticPeers) > 0 {
		members := make([]xsync.Member, 0, len(c.StaticPeers))
		for _, p := range c.StaticPeers {
			members = append(members, xsync.Member{ID: p.ID, Addr: p.Addr})
		}
		in.deps.Membership, in.deps.PeerFactory = xsync.NewStaticMembership(node, members...), factory
	}
	return nil
}

// telemetry Prometheus 拉取指标，OTLP 推送追踪
func (in *infra) telemetry(ctx context.Context, c TelemetryConfig, node string) error {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("xadmitd"),
		semconv.ServiceInstanceID(node),
	))
	if err != nil {
		return fmt.Errorf("otel resource: %w", err)
	}

	var opts []xmetrics.Option
	if c.MetricsAddr != "" {
		exporter, err := otelprom.New()
		if err != nil {
			return fmt.Errorf("prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res))
		in.onClose(mp.Shutdown)
		in.deps.MeterProvider = mp
		opts = append(opts, xmetrics.WithMeterProvider(mp))
	}
	if c.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(c.OTLPEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return fmt.Errorf("otlp exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))),
			sdktrace.WithResource(res),
		)
		in.onClose(tp.Shutdown)
		opts = append(opts, xmetrics.WithTracerProvider(tp))
	}
	if len(opts) == 0 {
		return nil
	}
	obs, err := xmetrics.NewOTelObserver(append(opts, xmetrics.WithInstrumentationName("github.com/omeyang/xadmit/cmd/xadmitd"))...)
	if err != nil {
		return err
	}
	in.deps.Observer = obs
	return nil
}
