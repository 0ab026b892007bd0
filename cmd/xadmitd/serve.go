package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/omeyang/xadmit/pkg/admission/xengine"
	"github.com/omeyang/xadmit/pkg/admission/xsync"
	"github.com/omeyang/xadmit/pkg/config/xconf"
	"github.com/omeyang/xadmit/pkg/lifecycle/xrun"
	"github.com/omeyang/xadmit/pkg/observability/xlog"
)

const shutdownTimeout = 10 * time.Second

func serve(ctx context.Context, path string) error {
	cfg, dc, err := readConfig(path)
	if err != nil {
		return err
	}
	// 事件集合与日志都按节点区分，节点 ID 必须在连接存储前确定
	if dc.Engine.Node == "" {
		if dc.Engine.Node, err = os.Hostname(); err != nil {
			return fmt.Errorf("node id: %w", err)
		}
	}
	node := dc.Engine.Node

	logger, closeLog, err := newLogger(dc.Log, node)
	if err != nil {
		return err
	}
	defer closeLog() //nolint:errcheck // 进程退出前尽力关闭日志文件

	in, err := connect(ctx, dc.Infra, node, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := in.Close(sctx); err != nil {
			logger.Warn(sctx, "close infra", xlog.Err(err))
		}
	}()

	n, err := xengine.NewNode(ctx, dc.Engine, in.deps)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn(context.Background(), "close node", xlog.Err(err))
		}
	}()

	lis, err := net.Listen("tcp", dc.Infra.GRPCAddr)
	if err != nil {
		return err
	}
	gs := grpc.NewServer()
	xsync.RegisterServer(gs, n.SyncServer())
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	w, err := xconf.Watch(cfg, reloader(n, dc, logger), 0)
	if err != nil {
		return err
	}
	defer w.Stop() //nolint:errcheck // 退出时停止监视，错误无需处理

	services := []func(context.Context) error{
		n.Run,
		xrun.GRPCServer(gs, lis),
		func(ctx context.Context) error {
			<-ctx.Done()
			hs.Shutdown()
			return ctx.Err()
		},
	}
	if in.membership != nil {
		services = append(services, in.membership.Run)
	}
	if addr := dc.Infra.Telemetry.MetricsAddr; addr != "" {
		mlis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		services = append(services, xrun.HTTPServer(srv, mlis, shutdownTimeout))
	}

	logger.Info(ctx, "xadmitd started",
		slog.String("grpc", lis.Addr().String()),
		slog.String("fail_policy", string(dc.Engine.FailPolicy)),
		slog.Int("rules", len(n.Rules().List())))
	err = xrun.Run(ctx, []xrun.Option{
		xrun.WithLogger(logger),
		xrun.WithName("xadmitd"),
		xrun.WithSignals(xrun.DefaultSignals()...),
	}, services...)
	if errors.Is(err, xrun.ErrSignal) {
		logger.Info(context.Background(), "xadmitd stopped", slog.String("cause", err.Error()))
		return nil
	}
	return err
}

// reloader 配置文件变更时更新日志级别；规则来自配置文件时整体替换规则集。
// 新配置无效时保留旧配置。
func reloader(n *xengine.Node, initial daemonConfig, logger xlog.LoggerWithLevel) xconf.WatchCallback {
	fromFile := initial.Infra.Mongo.RuleCollection == ""
	return func(cfg xconf.Config, err error) {
		ctx := context.Background()
		if err != nil {
			logger.Warn(ctx, "config reload failed", xlog.Err(err))
			return
		}
		dc, err := loadConfig(cfg)
		if err != nil {
			logger.Warn(ctx, "config rejected, keeping previous", xlog.Err(err))
			return
		}
		if lvl, err := xlog.ParseLevel(dc.Log.Level); err == nil {
			logger.SetLevel(lvl)
		}
		if !fromFile {
			return
		}
		if err := n.Rules().Replace(ctx, dc.Engine.Rules); err != nil {
			logger.Warn(ctx, "rule reload failed", xlog.Err(err))
			return
		}
		logger.Info(ctx, "rules reloaded", slog.Int("rules", len(dc.Engine.Rules)), slog.Uint64("version", n.Rules().Version()))
	}
}
