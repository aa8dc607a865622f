// 版权所有 2024 EnvBatch Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供批量执行进程的指标 HTTP 服务器生命周期管理。

# 概述

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误传播。
NewHandler 组装两个端点：/metrics（Prometheus 文本格式）与
/healthz（由调用方提供的健康检查，例如所有 worker 是否存活）。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空，可重复调用。
  - 错误传播：Errors() 返回异步错误通道。
  - 状态查询：Addr 返回实际监听地址（支持 ":0" 随机端口）。
*/
package server
