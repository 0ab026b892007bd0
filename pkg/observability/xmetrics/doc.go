// Package xmetrics 提供准入控制的统一观测接口。
//
// 决策引擎、同步复制等组件通过 [Observer] 开启跨度，
// 结束时按 component/operation/status 维度记录次数与耗时。
// 默认实现 [NoopObserver] 不做任何事；[NewOTelObserver] 基于 OpenTelemetry。
//
// OTel 实现会把 trace_id 写入 xlog 的 context 属性，
// 同一请求的日志可以和跨度关联。
package xmetrics
