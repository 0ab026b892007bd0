// Package xstore 提供准入控制使用的键值存储契约：按键原子读-改-写。
//
// 滑动窗口桶、配额计数和信誉分都通过 [KV.Update] 修改。
// 同一个键上的并发 Update 串行化，这是"不重复放行"的基础。
//
// 两种实现：
//   - [Memory]：进程内 map + 分片按键锁（xxhash 选分片），单节点或测试使用
//   - [Redis]：WATCH/MULTI 乐观事务，冲突有界重试（retry-go），
//     网络错误与熔断（gobreaker）统一映射为 [ErrUnavailable]，每次调用都有超时
//
// 错误分类：
//   - [ErrConflict]：乐观事务重试耗尽
//   - [ErrUnavailable]：存储不可达，调用方按失败策略处理
//   - UpdateFunc 返回的错误原样透传
package xstore
