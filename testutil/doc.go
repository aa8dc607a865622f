// Copyright 2026 EnvBatch Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 EnvBatch 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertTimeStepsEqual（基于 go-cmp 的逐项差异输出）/
    AssertEventuallyTrue
  - 异步辅助: WaitFor / WaitForChannel
  - 数据工具: MustJSON / MustParseJSON

# 子包

  - testutil/mocks: MockEnvironment，支持 Builder 模式、错误与 panic
    注入、调用记录，以及 FailingFactory / PanickingFactory
  - testutil/fixtures: 预置动作、观测与时间步规格及批量动作构造

# 使用示例

	ctx := testutil.TestContext(t)
	env := mocks.NewMockEnvironment(0, 2).WithStepError(3, errBoom)
	pe, err := batch.NewFromFactories(ctx, []environment.Factory{env.Factory()})
*/
package testutil
