// Copyright (c) NoteGen Authors.
// Licensed under the MIT License.

/*
Package main 提供 NoteGen 命令行程序入口。

# 概述

cmd/notegen 是笔记流式生成客户端的可执行入口，提供生成、
本地后端模拟器、生成记录查询和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及 OpenTelemetry 追踪。

# 子命令

  - generate: 通过 session.Manager 发起生成，增量文本写入 stdout。
    未指定 --prompt 时从 stdin 逐行读取，每行先触发预连接再生成。
    Ctrl-C 取消当前生成
  - simulate: 启动 internal/backendsim，同时提供 SSE 与 WebSocket 协议，
    关闭时先断开长连接再停止 HTTP 服务
  - history: 读取 journal 中的生成记录与结果统计，可选清理旧记录
  - version: 输出构建注入的 Version、BuildTime、GitCommit

# 组件装配

buildApp 按配置选择后端传输（sse / ws）与使用统计存储（memory / redis），
启用 journal 时写入生成记录。关闭顺序为会话管理器、生成记录、统计存储。
*/
package main
