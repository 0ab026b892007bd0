// Package xrun 管理节点进程内后台服务的生命周期。
//
// 基于 errgroup：任一服务返回错误即取消其余服务；[Run] 额外监听系统信号。
// 节点的周期任务（负载采样、异常扫描、事件同步、桶清理）都以 [Ticker] 形式加入 Group。
//
//	g, ctx := xrun.NewGroup(ctx, xrun.WithName("xadmitd"))
//	g.GoWithName("throttle", xrun.Ticker(10*time.Second, true, ctl.Tick))
//	g.GoWithName("grpc", xrun.GRPCServer(srv, lis))
//	err := g.Wait()
package xrun
