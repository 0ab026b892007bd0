// Package xsync 在节点之间异步复制信誉事件，并物化最终一致的信誉分。
//
// 每个节点的 [Replicator] 周期性地（默认 10s）向每个对端拉取其事件日志中
// 尚未见过的部分（按对端序号分页），追加到本地日志（按内容哈希去重），
// 推进本地 Lamport 时钟，然后对涉及的用户重新物化并写入本地状态。
// 违规与正常请求的增量可交换，直接求和；手动覆盖按 (lamport, 时间戳, 节点)
// 取最后写入者，所以最终结果与合并顺序无关。
//
// 拉取时顺带取回对端对最近活跃用户的评分视图，置信度为
// 1 − stddev/50（50 是 [0,100] 内评分标准差的上限）。低于阈值的用户被标记，
// 供运维复核，不影响准入。
//
// 对端长时间（默认 60s）没有成功拉取即标记为 degraded，节点继续使用本地
// 与最近同步的状态工作；连续失败由熔断器快速短路。复制永远不在请求路径上。
//
// 传输层是 gRPC（JSON 编解码，手写 ServiceDesc），进程内可用 [LocalPeer]。
// 成员来源可以是静态列表或 etcd 中带租约的节点键。
package xsync
