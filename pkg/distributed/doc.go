// Package distributed 提供分布式协调相关的子包。
//
// 子包列表：
//   - xcron: 定时任务，可选 Redis 分布式锁保证集群内单实例执行
//
// 信誉衰减每周只能在一个节点上执行一次，由 xcron 的锁保证；
// 节点发现与事件同步见 admission/xsync。
package distributed
