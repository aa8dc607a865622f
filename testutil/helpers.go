// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	testutil.AssertTimeStepsEqual(t, expected, actual)
//	testutil.AssertStepTypes(t, batch, testutil.Repeat(environment.StepFirst, 3)...)
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/envbatch/environment"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertTimeStepsEqual 断言两个批量时间步逐项相等
func AssertTimeStepsEqual(t *testing.T, expected, actual environment.BatchedTimeStep) {
	t.Helper()

	if len(expected) != len(actual) {
		t.Errorf("batch size mismatch: expected %d, got %d", len(expected), len(actual))
		return
	}

	for i := range expected {
		if diff := environment.DiffSpecs(expected[i], actual[i]); diff != "" {
			t.Errorf("time step[%d] mismatch (-expected +actual):\n%s", i, diff)
		}
	}
}

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	if !WaitFor(condition, timeout) {
		t.Errorf("condition did not become true within %v", timeout)
	}
}

// =============================================================================
// ⏱️ 时间辅助
// =============================================================================

// WaitFor 等待条件满足或超时
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// =============================================================================
// 🎲 批量时间步辅助
// =============================================================================

// AssertStepTypes 断言批量时间步的步类型序列
func AssertStepTypes(t *testing.T, batch environment.BatchedTimeStep, want ...environment.StepType) {
	t.Helper()

	got := batch.StepTypes()
	if len(got) != len(want) {
		t.Errorf("batch size mismatch: expected %d step types, got %d", len(want), len(got))
		return
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step type[%d]: expected %s, got %s", i, want[i], got[i])
		}
	}
}

// Repeat 返回 n 个相同的 StepType，配合 AssertStepTypes 使用
func Repeat(st environment.StepType, n int) []environment.StepType {
	out := make([]environment.StepType, n)
	for i := range out {
		out[i] = st
	}
	return out
}
