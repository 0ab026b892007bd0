package main

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/omeyang/xadmit/pkg/admission/xengine"
	"github.com/omeyang/xadmit/pkg/config/xconf"
	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

// LogConfig 日志
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// Rotation.Filename 为空时输出到 stderr
	Rotation xlog.RotationConfig `koanf:"rotation"`
}

// RedisConfig 共享计数器、信誉状态与分布式锁所在的 Redis
type RedisConfig struct {
	Addrs     []string      `koanf:"addrs"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db"`
	Prefix    string        `koanf:"prefix"`
	OpTimeout time.Duration `koanf:"op_timeout"`
}

// MongoConfig 事件日志与规则仓库
type MongoConfig struct {
	URI      string `koanf:"uri"`
	Database string `koanf:"database"`
	// RuleCollection 为空时规则只来自配置文件
	RuleCollection string        `koanf:"rule_collection"`
	Timeout        time.Duration `koanf:"timeout"`
}

// EtcdConfig 节点发现；Endpoints 为空时使用 StaticPeers
type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	Prefix      string        `koanf:"prefix"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	MemberTTL   time.Duration `koanf:"member_ttl"`
}

// PeerConfig 静态对端
type PeerConfig struct {
	ID   string `koanf:"id"`
	Addr string `koanf:"addr"`
}

// SinkConfig 通知出口，可同时启用多个
type SinkConfig struct {
	RedisStream string `koanf:"redis_stream"`

	KafkaBrokers string `koanf:"kafka_brokers"`
	KafkaTopic   string `koanf:"kafka_topic"`

	PulsarURL   string `koanf:"pulsar_url"`
	PulsarTopic string `koanf:"pulsar_topic"`
}

// TelemetryConfig 指标与追踪
type TelemetryConfig struct {
	// MetricsAddr Prometheus 抓取地址，为空时不暴露
	MetricsAddr string `koanf:"metrics_addr"`
	// OTLPEndpoint 追踪导出地址，为空时不导出
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SampleRatio  float64 `koanf:"sample_ratio"`
}

// InfraConfig 外部依赖
type InfraConfig struct {
	// GRPCAddr 对外服务地址（同步拉取与健康检查）
	GRPCAddr string `koanf:"grpc_addr"`
	// AdvertiseAddr 登记到 etcd 的地址，为空时取 GRPCAddr
	AdvertiseAddr string `koanf:"advertise_addr"`
	// PullRate 每个对端每秒允许的拉取次数，0 表示不限
	PullRate int `koanf:"pull_rate"`

	Redis       RedisConfig     `koanf:"redis"`
	Mongo       MongoConfig     `koanf:"mongo"`
	Etcd        EtcdConfig      `koanf:"etcd"`
	StaticPeers []PeerConfig    `koanf:"static_peers"`
	Sinks       SinkConfig      `koanf:"sinks"`
	Telemetry   TelemetryConfig `koanf:"telemetry"`
}

// daemonConfig 配置文件的完整结构
type daemonConfig struct {
	Log    LogConfig
	Infra  InfraConfig
	Engine xengine.Config
}

func defaultInfra() InfraConfig {
	return InfraConfig{
		GRPCAddr: ":9420",
		PullRate: 20,
		Redis: RedisConfig{
			Addrs:     []string{"127.0.0.1:6379"},
			Prefix:    "xadmit:",
			OpTimeout: 50 * time.Millisecond,
		},
		Mongo: MongoConfig{
			URI:      "mongodb://127.0.0.1:27017",
			Database: "xadmit",
			Timeout:  5 * time.Second,
		},
		Etcd: EtcdConfig{
			Prefix:      "/xadmit/members/",
			DialTimeout: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{SampleRatio: 0.01},
	}
}

// Validate 校验外部依赖配置
func (c InfraConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.GRPCAddr); err != nil {
		return fmt.Errorf("grpc_addr: %w", err)
	}
	switch {
	case len(c.Redis.Addrs) == 0:
		return errors.New("redis.addrs is required")
	case c.Mongo.URI == "" || c.Mongo.Database == "":
		return errors.New("mongo.uri and mongo.database are required")
	case c.PullRate < 0:
		return errors.New("pull_rate must not be negative")
	case (c.Sinks.KafkaBrokers == "") != (c.Sinks.KafkaTopic == ""):
		return errors.New("sinks.kafka_brokers and sinks.kafka_topic go together")
	case (c.Sinks.PulsarURL == "") != (c.Sinks.PulsarTopic == ""):
		return errors.New("sinks.pulsar_url and sinks.pulsar_topic go together")
	case c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1:
		return errors.New("telemetry.sample_ratio must be within [0,1]")
	}
	for _, p := range c.StaticPeers {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("static peer %+v needs id and addr", p)
		}
	}
	return nil
}

// loadConfig 读取 log、infra、xadmit 三段，缺省项取默认值
func loadConfig(cfg xconf.Config) (daemonConfig, error) {
	dc := daemonConfig{
		Log:    LogConfig{Level: "info", Format: "json"},
		Infra:  defaultInfra(),
		Engine: xengine.DefaultConfig(),
	}
	if err := xconf.Load(cfg, "log", &dc.Log); err != nil {
		return dc, err
	}
	if err := xconf.Load(cfg, "infra", &dc.Infra); err != nil {
		return dc, err
	}
	if err := xconf.Load(cfg, "xadmit", &dc.Engine); err != nil {
		return dc, err
	}
	return dc, nil
}

// readConfig 读取并校验配置文件，错误统一包装为 configError
func readConfig(path string) (xconf.Config, daemonConfig, error) {
	cfg, err := xconf.New(path)
	if err != nil {
		return nil, daemonConfig{}, &configError{err}
	}
	dc, err := loadConfig(cfg)
	if err != nil {
		return nil, daemonConfig{}, &configError{err}
	}
	return cfg, dc, nil
}

func newLogger(c LogConfig, node string) (xlog.LoggerWithLevel, func() error, error) {
	b := xlog.New().SetLevelString(c.Level).SetFormat(c.Format).SetNode(node)
	if c.Rotation.Filename != "" {
		b = b.SetRotation(c.Rotation)
	}
	return b.Build()
}
