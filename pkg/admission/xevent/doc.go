// Package xevent 定义信誉事件、事件日志与合并规则。
//
// 每次本地信誉变更都产生一个不可变的 [Event]。事件按内容哈希
// （user_id、type、时间戳、来源节点）去重，重放是幂等的。
//
// # 时钟
//
// [Clock] 为每个节点维护 Lamport 计数与单调递增的纳秒时间戳，
// 同一节点上不会出现两个时间戳相同的事件。
// 事件的全序由 [Stamp] 给出：(Lamport, 时间戳, 来源节点)。
//
// # 合并
//
// [Materialize] 从事件集合计算用户的权威状态：
//   - 违规、正常请求、衰减、异常等增量满足交换律，直接求和
//   - 手动设分与 VIP 变更按 Stamp 取最后写入者；手动设分之前的增量被覆盖
//   - 分数只在最后截断到 [0,100]
//
// 结果只取决于事件集合，与事件到达顺序无关。
//
// # 日志
//
// [Log] 是只追加的事件存储：[MemoryLog] 用于单机和测试，[MongoLog] 持久化到 MongoDB。
// 每条事件在本地日志中获得递增的序号，对端按序号增量拉取。
// [Log.Prune] 删除审计窗口之外的事件，早于窗口的迟到事件不再接收。
package xevent
