// 版权所有 2024 NoteGen Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的会话运行时指标采集能力，覆盖
会话、生成、预连接、HTTP 与数据库五个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离。Collector 的记录方法在
nil 接收者上为空操作，未启用指标时直接传 nil 即可。

# 主要能力

  - 会话指标：获取路径（reuse/create/wait）、建连耗时、建连错误码、
    关闭原因、当前是否持有会话、状态事件计数。
  - 生成指标：按结果（completed/partial/cancelled/错误码）统计次数与耗时，
    以及转发给调用方的 chunk 数。
  - 预连接指标：warmed/skipped/throttled/failed。
  - HTTP 指标：后端模拟器的请求数与耗时。
  - 数据库指标：生成记录库的活跃/空闲连接数。
*/
package metrics
