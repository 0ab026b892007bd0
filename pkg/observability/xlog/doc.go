// Package xlog 基于 log/slog 的结构化日志库，供准入控制各组件使用。
//
// # 核心功能
//
//   - Builder 模式配置（输出目标、级别、格式、文件轮转）
//   - 节点 ID 等固定属性在 Build 时一次性注入
//   - 从 context 注入准入维度（scope_key、user_id），见 [WithAttrs]
//   - 动态级别调整（运行时热更新）
//
// # 创建 Logger
//
//	logger, cleanup, err := xlog.New().
//	    SetLevelString("debug").
//	    SetFormat("json").
//	    SetNode("node-a").
//	    Build()
//	if err != nil {
//	    return err
//	}
//	defer cleanup()
//
// 组件默认使用 [Nop]，不输出任何内容。
//
// # 日志约定
//
// 热路径放行记 Debug，拒绝与降级记 Warn，存储故障记 Error。
package xlog
