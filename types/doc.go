// Copyright (c) EnvBatch Authors.
// Licensed under the MIT License.

/*
Package types 提供 envbatch 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 environment、worker、
batch 等上层模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，携带错误码、Worker 标识与
    远端格式化堆栈文本

# 错误分类

  - CONFIGURATION：构造期配置错误（规格不一致、种子数量不匹配）
  - STARTUP_FAILURE：环境工厂在 Worker 内构造失败
  - REMOTE_EXECUTION：Worker 处理 ACCESS/CALL 时失败，Worker 随即退出
  - PROTOCOL：收到未知响应类型，属于程序缺陷
  - TRANSPORT：通道已关闭或不可用
  - REJECTED：请求的字段或操作不受支持，Worker 保持存活
  - WORKER_DEAD：Worker 已因先前错误退出，不再受理请求
  - REQUEST_IN_FLIGHT：同一 Worker 上一次请求的结果尚未取回
  - PROMISE_CONSUMED：延迟结果被重复等待
  - INVALID_ACTION：批量动作行数或形状与分派的环境不符
*/
package types
