package xrun

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
)

// Ticker 返回周期执行 fn 的服务函数；fn 返回错误时服务退出。
// immediate 为 true 时启动后先执行一次。
func Ticker(interval time.Duration, immediate bool, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if interval <= 0 {
			return ErrInvalidInterval
		}
		if fn == nil {
			return ErrNilFunc
		}
		if immediate {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := fn(ctx); err != nil {
				return err
			}
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// GRPCServer 返回运行 gRPC 服务的服务函数，ctx 取消时 GracefulStop。
func GRPCServer(srv *grpc.Server, lis net.Listener) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if srv == nil || lis == nil {
			return ErrNilFunc
		}
		stopped := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				srv.GracefulStop()
			case <-stopped:
			}
		}()
		err := srv.Serve(lis)
		close(stopped)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
}

// HTTPServer 返回运行 HTTP 服务的服务函数，ctx 取消时在 shutdownTimeout 内优雅关闭，
// shutdownTimeout <= 0 表示等待全部在途请求结束。
func HTTPServer(srv *http.Server, lis net.Listener, shutdownTimeout time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if srv == nil || lis == nil {
			return ErrNilFunc
		}
		shutdownErr := make(chan error, 1)
		served := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				sctx := context.Background()
				if shutdownTimeout > 0 {
					var cancel context.CancelFunc
					sctx, cancel = context.WithTimeout(sctx, shutdownTimeout)
					defer cancel()
				}
				shutdownErr <- srv.Shutdown(sctx)
			case <-served:
			}
		}()
		err := srv.Serve(lis)
		close(served)
		if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
			if serr := <-shutdownErr; serr != nil {
				return serr
			}
			return ctx.Err()
		}
		return err
	}
}
