// Package xconf 加载节点配置，基于 koanf 实现。
//
// 支持 YAML（.yaml/.yml）与 JSON（.json），也可从字节数据创建。
// Unmarshal 使用 koanf 默认的解码钩子：
// "10s" 形式的字符串解码为 time.Duration，实现了 encoding.TextUnmarshaler
// 的类型（例如规则枚举、日志级别）按文本解码。
//
// [Load] 在反序列化后调用目标的 Validate，
// 配置错误在启动时暴露而不是在第一次准入检查时。
//
// [Watch] 基于 fsnotify 监视配置文件所在目录，带防抖，
// 变更后自动 Reload 并回调；Stop 返回后不再有回调执行。
package xconf
