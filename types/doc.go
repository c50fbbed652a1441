// Copyright (c) NoteGen Authors.
// Licensed under the MIT License.

/*
Package types 提供 notegen 全局共享的类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 session、transport、
journal 等上层模块提供统一的错误与事件契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 Retryable 与 SessionID 标记
  - Event / EventType — 后端推送的 connected / chunk / end / error 事件

# 错误分类

  - CONNECT_TIMEOUT / CONNECT_FAILED：通道建立失败，向 Acquire 调用方暴露
  - DISPATCH_TIMEOUT：start-generation 调用未在时限内确认
  - GENERATION_TIMEOUT：看门狗超时且没有任何部分文本
  - BACKEND_ERROR：流中的显式 error 事件
  - CANCELLED：协作式取消，不作为真正的错误返回
*/
package types
