// Copyright (c) EnvBatch Authors.
// Licensed under the MIT License.

/*
Package batch 将 N 个独立运行的环境编排为一个批量环境。

# 概述

ParallelEnvironment 为每个环境启动一个 worker（goroutine 或子进程隔离），
构造时校验所有 worker 的动作规格与时间步规格一致，之后把 Reset、Step、
Seed、ReloadModel 等操作扇出到各 worker，并按 worker 顺序汇总结果。

# 执行模式

  - 阻塞模式：每次分发后立即等待该 worker 的结果
  - 非阻塞模式：先向所有 worker 分发，再按顺序等待

两种模式得到相同的批量结果。任一 worker 失败时，其余已分发的请求仍会
被等待，返回编号最小的失败。Seed 与 ReloadModel 总是先全部分发再等待。

# 跳过

Step 的 skip 参数列出本次不分发的 worker；动作行数必须等于未跳过的
worker 数，第 j 行交给第 j 个被分发的 worker。

# 可观测性

每个批量操作生成一个 OpenTelemetry span，并记录 OTel 与 Prometheus 指标。
*/
package batch
