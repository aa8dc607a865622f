/*
包 worker 实现单环境 worker 的监督进程与编排端代理。

# 概述

每个 worker 在独立的执行上下文中拥有且仅拥有一个环境实例，
通过私有的双工 channel 以请求/响应协议对外暴露。编排端通过
Handle 访问 worker，每个 Handle 同一时刻最多只有一个未完成请求。

# 协议

请求类型为 ACCESS / CALL / CLOSE，响应类型为 READY / RESULT /
EXCEPTION / REJECTED。ACCESS 按枚举字段读取（action_spec、
observation_spec、time_step_spec、attribute），CALL 按枚举操作调用
（reset、step、seed、reload_model、render、method）。不支持的字段、
操作或名称返回 REJECTED，worker 继续服务。

# 状态机

Serve 依次经历 constructing → ready ⇄ servicing → terminated：
构造失败时以 EXCEPTION 代替 READY；请求执行失败时发送 EXCEPTION
（含堆栈文本），关闭环境后退出；收到 CLOSE 时关闭环境并退出，不回复。
空闲时以 PollInterval 轮询 channel，以便及时响应取消。

# 隔离方式

  - GoroutineLauncher：独占 OS 线程的 goroutine + 内存 channel。
  - ProcessLauncher：子进程 + stdin/stdout 上的 JSON 帧，子进程
    通过 Register 注册工厂并调用 ServeStdio。

# Promise

Promise 为一次性结果句柄，第二次 Await 返回 PROMISE_CONSUMED。
*/
package worker
