/*
Package environment 定义被批量执行的单个仿真环境契约。

# 概述

环境实例是有状态且非线程安全的，每个实例只归属一个 Worker。本包只描述
环境对外暴露的窄接口与数据结构，不关心物理、奖励或观测的具体构造。

# 核心类型

  - Environment：Reset / Step / Seed / ReloadModel / Close 与三类规格
  - Array / ArraySpec：稠密数值数组及其形状、类型、边界描述
  - TimeStep / TimeStepSpec：单步结果 (step_type, reward, discount,
    observation, info) 及其规格
  - BatchedTimeStep：按 Worker 序号升序对齐的批量结果

# 扁平化传输

FlattenTimeStep / UnflattenTimeStep 与 UnflattenAction 把结构化的动作与
结果压成单个向量以降低消息开销；UnstackActions 按动作宽度拆分批量动作，
总长度不是宽度整数倍时直接拒绝。
*/
package environment
