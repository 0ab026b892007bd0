// Package xengine 把规则、滑动窗口、配额、信誉和负载节流组合成一次准入判定。
//
// 判定路径：
//
//  1. 解析最具体的规则（配置问题以 [ConfigError] 返回，不算拒绝）
//  2. 豁免网段内的 IP 直接放行，不消耗
//  3. 有效限额 = floor(基础限额 × 信誉乘数 × 节流乘数)，至少为 1
//  4. 在滑动窗口上原子地检查并消耗；通过后依次检查配额，
//     配额拒绝时归还已消耗的窗口与配额
//  5. 存储不可用时按 [FailPolicy] 放行或拒绝，并发出告警
//
// 拒绝记录违规、放行按采样记录正常请求，这些反馈经有界队列交给后台 worker，
// 队列满时丢弃并计数，判定路径从不等待。
//
// [Node] 按 [Config] 装配全部组件，并注册节流采样、异常扫描、事件同步、
// 桶清理、事件压缩和每周衰减等后台任务。
package xengine
