// Package xcron 基于 robfig/cron 的定时任务调度，支持分布式锁。
//
// 集群内每个节点都注册同一个任务，执行前按任务名抢锁，
// 同一时刻只有持锁节点真正执行（例如每周一次的信誉衰减）。
// 锁实现：[NoopLocker]（单节点）与 [RedsyncLocker]（基于 redsync）。
//
// 锁 TTL 应覆盖任务的最长执行时间；任务结束后立即释放。
package xcron
