// Copyright (c) EnvBatch Authors.
// Licensed under the MIT License.

/*
Package main 提供 EnvBatch 命令行入口。

# 概述

cmd/envbatch 负责把配置、日志、遥测与批量环境串起来：run 子命令
按配置启动 N 个 worker 并以启发式策略推进 rollout；worker 子命令
在子进程中通过 stdin/stdout 提供单个已注册环境，由 process 隔离
模式自动拉起。

# 主要能力

  - 子命令：run、worker、version、help
  - 配置加载：默认值 → YAML 文件 → ENVBATCH_ 环境变量，随后校验
  - 指标服务器：独立端口暴露 /metrics 与 /healthz（全部 worker 存活）
  - 回合记录：可选的 SQLite 回合记录，结束时输出汇总
  - 优雅关闭：SIGINT/SIGTERM 取消 rollout，关闭批量环境与服务器
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
