// Copyright (c) EnvBatch Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的批量环境执行指标采集能力。

# 概述

Collector 通过 promauto.With 注册到调用方提供的 Registerer，
测试中可传入独立的 prometheus.NewRegistry，避免全局注册冲突。
所有指标按 namespace 隔离。

# 主要指标

  - batch_operations_total{op,status}：批量操作计数。
  - batch_operation_duration_seconds{op}：批量操作耗时。
  - worker_requests_total{kind,status}：发往 worker 的请求计数。
  - workers_alive：当前存活 worker 数。
  - worker_failures_total{code}：按错误码统计的 worker 失败。

nil *Collector 可安全使用，所有记录方法均为空操作。
*/
package metrics
