// Package xsink 发布结构化通知，供外部观测或通知系统订阅。
//
// 通知的投递机制不在本包范围内：各实现只负责把 [Notification] 交给传输层，
// Publish 不会长时间阻塞调用方。
//
// 实现：
//   - [Bus]：进程内扇出，订阅者缓冲区满时丢弃并计数
//   - [RedisStream]：XADD 到 Redis Stream，按 MAXLEN 近似截断
//   - [Kafka]：confluent-kafka-go 异步生产
//   - [Pulsar]：pulsar-client-go 异步发送
//   - [Multi]：同时发布到多个 Sink
//   - [Nop]：丢弃
package xsink
