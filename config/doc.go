// Package config 提供 notegen 的配置管理功能。
//
// 配置优先级：默认值 → YAML 文件 → 环境变量（前缀 NOTEGEN）。
// 会话时序参数（连接、派发、生成看门狗、空闲回收、保活）与
// "高频用户" 判定阈值均以配置形式暴露，便于按部署环境调优。
package config
