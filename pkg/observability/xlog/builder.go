package xlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// 属性 key 常量
const (
	KeyNode  = "node"
	KeyError = "error"
)

// Err 创建错误属性，err 为 nil 时返回空属性
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// RotationConfig 文件轮转配置
type RotationConfig struct {
	// Filename 日志文件路径
	Filename string `koanf:"filename"`
	// MaxSizeMB 单个文件上限，默认 100
	MaxSizeMB int `koanf:"max_size_mb"`
	// MaxBackups 保留的历史文件数，默认 7
	MaxBackups int `koanf:"max_backups"`
	// MaxAgeDays 历史文件保留天数，默认 30
	MaxAgeDays int `koanf:"max_age_days"`
	// Compress 是否压缩历史文件
	Compress bool `koanf:"compress"`
}

// Builder 日志配置构建器（first-error-wins）
type Builder struct {
	output   io.Writer
	levelVar *slog.LevelVar
	format   string
	node     string
	closer   io.Closer
	err      error
}

// New 创建配置构建器，默认 stderr、Info 级别、text 格式
func New() *Builder {
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)
	return &Builder{
		output:   os.Stderr,
		levelVar: levelVar,
		format:   "text",
	}
}

// SetOutput 设置日志输出目标
func (b *Builder) SetOutput(w io.Writer) *Builder {
	if w != nil {
		b.output = w
	}
	return b
}

// SetLevel 设置日志级别
func (b *Builder) SetLevel(level Level) *Builder {
	b.levelVar.Set(slog.Level(level))
	return b
}

// SetLevelString 通过字符串设置日志级别
func (b *Builder) SetLevelString(s string) *Builder {
	if b.err != nil {
		return b
	}
	level, err := ParseLevel(s)
	if err != nil {
		b.err = err
		return b
	}
	return b.SetLevel(level)
}

// SetFormat 设置输出格式：text 或 json
func (b *Builder) SetFormat(format string) *Builder {
	if b.err != nil {
		return b
	}
	normalized := strings.ToLower(strings.TrimSpace(format))
	switch normalized {
	case "":
		b.format = "text"
	case "text", "json":
		b.format = normalized
	default:
		b.err = fmt.Errorf("xlog: unknown format %q", format)
	}
	return b
}

// SetNode 设置节点 ID，作为固定属性写入每条日志
func (b *Builder) SetNode(node string) *Builder {
	b.node = node
	return b
}

// SetRotation 输出到按大小轮转的文件（lumberjack）
func (b *Builder) SetRotation(cfg RotationConfig) *Builder {
	if b.err != nil {
		return b
	}
	if cfg.Filename == "" {
		b.err = fmt.Errorf("xlog: rotation filename is required")
		return b
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    valueOr(cfg.MaxSizeMB, 100),
		MaxBackups: valueOr(cfg.MaxBackups, 7),
		MaxAge:     valueOr(cfg.MaxAgeDays, 30),
		Compress:   cfg.Compress,
	}
	b.output = lj
	b.closer = lj
	return b
}

// Build 构建 Logger 实例
//
// 返回值：
//   - LoggerWithLevel: 日志实例
//   - func() error: 清理函数（关闭轮转文件），可重复调用
//   - error: 配置错误
func (b *Builder) Build() (LoggerWithLevel, func() error, error) {
	if b.err != nil {
		return nil, nil, b.err
	}

	opts := &slog.HandlerOptions{Level: b.levelVar}
	var handler slog.Handler
	if b.format == "json" {
		handler = slog.NewJSONHandler(b.output, opts)
	} else {
		handler = slog.NewTextHandler(b.output, opts)
	}
	handler = &enrichHandler{base: handler}
	if b.node != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String(KeyNode, b.node)})
	}

	var once sync.Once
	closer := b.closer
	cleanup := func() error {
		var err error
		once.Do(func() {
			if closer != nil {
				err = closer.Close()
			}
		})
		return err
	}

	return &xlogger{handler: handler, levelVar: b.levelVar}, cleanup, nil
}

func valueOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
