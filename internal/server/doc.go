// 版权所有 2024 NoteGen Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理后端模拟器 HTTP 服务的生命周期：非阻塞启动、
优雅关闭与错误传播。

# 核心类型

  - Manager：持有 http.Server 与 net.Listener，提供 Start/Run/
    Shutdown/OnShutdown/Errors 等方法。
  - Config：监听地址、超时、最大请求头大小与优雅关闭超时。
    写超时默认关闭，事件流与 WebSocket 为长连接。

长连接不会随 Shutdown 自动结束，调用方通过 OnShutdown 注册
清理函数主动断开。
*/
package server
