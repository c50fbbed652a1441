// 版权所有 2024 NoteGen Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 backendsim 是一个本地生成后端，用于开发与集成测试。

同一个 HTTP 处理器同时提供两种协议：

  - SSE：GET /api/sessions/{id}/events 推送事件，
    POST /api/generate、/api/cancel、/api/sessions/{id}/close 为控制调用。
  - WebSocket：GET /ws?sessionId=...，控制帧 generate/cancel/close
    在同一连接上发送，服务端以 ack 帧应答。

回复按 ChunkSize 个字符切块，每块间隔 ChunkDelay；ErrorAfter 大于 0 时
在第 N 块处注入 error 事件。配置了密钥时所有接口（/health、/metrics
除外）要求 HS256 Bearer Token。/metrics 暴露 Prometheus 指标。
*/
package backendsim
