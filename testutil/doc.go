// Copyright 2026 NoteGen Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 NoteGen 测试的共享工具和辅助函数。

# 概述

testutil 包为会话运行时、传输客户端与后端模拟器的测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏；TestLogger 返回接入 t.Log 的 zap logger
  - 断言工具: AssertEventTypes / AssertErrorCode / AssertJSONEqual /
    AssertContains
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual / WaitFor /
    WaitForChannel，支持超时轮询等待条件满足
  - 流辅助: WaitReady / CollectUntilTerminal / ChunkText，
    用于验证 transport.Stream 的事件序列

# 子包

  - testutil/mocks: MockBackend（transport.Backend 的可编排内存实现），
    支持就绪方式、脚本化事件、错误注入与调用计数

# 使用示例

	backend := mocks.NewMockBackend().WithChunks(5*time.Millisecond, "a", "b", "c")
	m := session.NewManager(cfg, backend)
	res, err := m.Generate(testutil.TestContext(t), "note-1", "hello", nil)
*/
package testutil
