// Package observability 提供可观测性相关的子包。
//
// 子包列表：
//   - xlog: 结构化日志，基于 log/slog 扩展，支持文件轮转与运行时调整级别
//   - xmetrics: 追踪与指标的统一观测接口，OpenTelemetry 实现
//
// 准入判定自身的指标（判定数、拒绝数、降级数、耗时）由 xengine.Metrics 定义，
// 这里只提供底层接口。
package observability
