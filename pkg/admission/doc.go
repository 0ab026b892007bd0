// Package admission 提供自适应准入控制的子包。
//
// 子包列表：
//   - xrule: 限流规则、枚举与带版本的规则缓存
//   - xstore: 原子读改写的键值存储（内存、Redis）
//   - xwindow: 滑动窗口限流
//   - xquota: 按日、周、月的配额
//   - xevent: 信誉事件日志与合并
//   - xreputation: 用户信誉、等级、VIP 与衰减
//   - xthrottle: 按系统负载自动节流
//   - xanomaly: 行为异常检测
//   - xsync: 节点间信誉同步
//   - xsink: 通知出口
//   - xengine: 判定引擎，组合以上子包
//
// 一次判定：解析规则，计算有效上限 floor(base × 信誉倍率 × 节流倍率)，
// 依次检查滑动窗口和配额，拒绝时记录违规。存储不可用时按配置放行或拒绝。
package admission
