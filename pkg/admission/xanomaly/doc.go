// Package xanomaly 基于规则与阈值的用户行为异常检测。
//
// 决策引擎把每次准入结果异步写入 [ActivityStore]。[Detector.Scan] 周期性地
// （默认每分钟）处理上一轮之后出现过的用户：先用本轮活动评估四个信号，
// 再把本轮活动并入该用户的画像。信号分值相加，上限 100：
//
//	burst           本轮速率超过画像 EWMA 速率的 2 倍        +30
//	off_hours       活动落在历史上明显冷清的小时（3 倍偏离）   +20
//	resource_spike  最近一小时被拒绝超过 10 次                +25
//	geographic      出现画像中没有的地区                      +15
//
// 分值映射为 low(<25) medium(<50) high(<75) critical(>=75)，
// 并按 low→1 medium→2 high/critical→3 的严重度记为一次信誉违规。
// 检测记录可由运维查询和标记为已处理，已经扣减的信誉分不会回滚。
//
// 活动只保留最近的 retention（默认 2h），每轮扫描后清理。
package xanomaly
