// Package xthrottle 按系统负载计算全局限流乘数。
//
// [Controller] 按固定间隔（默认 10s）采样 CPU 与内存使用率，分别查表得到等级，
// 取两者中较高的等级：
//
//	level     multiplier  cpu       memory
//	none      1.0         <50%      <60%
//	low       0.8         50–70%    60–75%
//	medium    0.6         70–85%    75–85%
//	high      0.4         85–95%    85–95%
//	critical  0.2         >95%      >95%
//
// [Controller.GetThrottleMultiplier] 通过原子指针读取，不加锁，可在请求路径上调用。
// 管理员覆盖会冻结自动计算，直到显式清除；覆盖原因记录在状态中。
// 采样失败时保留上一次的状态。
package xthrottle
