// 版权所有 2024 NoteGen Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 session 实现客户端的流式生成会话管理：单通道会话池、预连接、
空闲保活与回收，以及带协作式取消的生成请求协调。

# 概述

后端通过会话级的服务端推送流（transport.Stream）逐段下发生成文本。
本包把"建立通道"这一高延迟操作与"发起生成"解耦：通道在空闲时保留一段时间
以供复用，在用户输入停顿或句子结束时提前建立，并在长时间无人使用后关闭。

# 核心组件

  - ChannelFactory：打开一个通道，在连接超时与就绪确认（传输层 open 或
    带内 connected 事件）之间竞速，失败时不会泄漏半开的句柄。
  - Channel：对 transport.Stream 的封装，同一时刻最多挂载一个监听器，
    关闭时先摘除监听器再关闭底层流。
  - Pool：容量为 1 的会话池。会话被占用时后续 Acquire 按 FIFO 排队等待，
    从不把同一个会话同时交给两个调用方。释放后按使用频率选择空闲回收延迟。
  - KeepAliveMonitor：会话空闲持有期间周期性刷新活跃时间，
    并提前发现已断开的通道。
  - UsageTracker：基于滑动窗口的使用频率统计，支持内存与 Redis 存储。
  - PreconnectScheduler：根据输入活动信号（长度、句末标点、去抖）
    决定是否提前建立通道，受速率限制保护，失败只记日志。
  - Coordinator：在一个会话上执行一次生成。所有结束路径（end、error、
    传输失败、派发失败、看门狗、取消）都经过同一个只生效一次的 settle，
    保证会话恰好释放一次，且取消之后不会再调用 chunk 回调。
  - StatusEmitter：非阻塞的状态观察者通知，观察者是否存在不影响核心逻辑。
  - Manager：应用根对象，组合以上组件并对外提供 RequestGeneration、
    NotifyInputActivity、OnStatusChange 等接口。

# 并发模型

所有组件都可被多个 goroutine 并发调用。定时器统一使用 Timer，
重新调度或停止后，已经过期但尚未执行的回调会被序号作废。
*/
package session
