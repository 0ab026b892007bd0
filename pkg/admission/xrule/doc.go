// Package xrule 定义限流规则及其版本化缓存。
//
// # 类型
//
// Scope、LimitType、ResourceType 都是封闭枚举，按表查找属性，
// 不做开放式字符串匹配；配置与 JSON 中使用小写名称。
//
//	scope:         global | session | user | ip
//	limit_type:    per_second | per_minute | per_hour | per_day | per_week | per_month
//	resource_type: any | command | file_read | file_write | session | api | admin
//
// 前三种 LimitType 是滑动窗口规则，后三种是配额规则。
//
// # 规则匹配
//
// ScopeValue 为空匹配该 scope 下的任意值，ResourceAny 匹配任意资源。
// 具体程度：精确值+精确资源 > 精确值+任意资源 > 任意值+精确资源 > 任意值+任意资源。
// 同等具体程度时取窗口更短的规则，再按 ID 排序，保证结果确定。
//
// # Store
//
// [Store] 是显式传递的共享对象（不是包级全局状态）：
//   - 快照超过 TTL 时后台刷新，读路径继续使用旧快照
//   - Put/Delete 写入后立即重新加载并递增版本号
//   - 解析结果按 (版本, scope, value, resource) 记忆在 ristretto 中
package xrule
