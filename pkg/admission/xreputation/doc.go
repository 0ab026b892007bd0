// Package xreputation 维护用户信誉分、等级与乘数。
//
// 分数范围 [0,100]，新用户从 50 分、standard 等级开始。
// 等级与乘数是 (分数, VIP 状态) 的纯函数，见 [Policy.TierFor] 与 [Policy.Multiplier]：
//
//	flagged   [0,20)    0.5×
//	standard  [20,80)   1.0×
//	trusted   [80,100]  1.5×
//	premium   VIP 未过期 2.0×，无视分数
//
// 每次变更（违规、正常请求、衰减、管理员覆盖）都在 xstore.KV 中原子更新
// 本地状态，并向 xevent.Log 追加一条不可变事件，供跨节点同步使用。
// 本节点的缓存（默认 5 分钟 TTL）在变更后立即失效，其他节点在 TTL 后惰性刷新。
//
// 违规扣分、正常请求加分、采样间隔、衰减步长等均为可配置的 [Policy]。
package xreputation
