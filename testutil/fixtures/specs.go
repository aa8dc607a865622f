// =============================================================================
// 📦 测试数据工厂 - 环境规格
// =============================================================================
// 提供预定义的动作与观测规格，用于测试
// =============================================================================
package fixtures

import "github.com/BaSui01/envbatch/environment"

// ActionSpec 返回宽度为 width 的动作规格
func ActionSpec(width int) environment.ArraySpec {
	return environment.NewArraySpec("action", environment.Float32, width)
}

// ObservationSpec 返回包含 state 与 id 两项的观测规格
func ObservationSpec(width int) map[string]environment.ArraySpec {
	return map[string]environment.ArraySpec{
		"state": environment.NewArraySpec("state", environment.Float64, width),
		"id":    environment.NewArraySpec("id", environment.Int32),
	}
}

// TimeStepSpec 返回与 ObservationSpec 对应的时间步规格
func TimeStepSpec(width int) environment.TimeStepSpec {
	return environment.NewTimeStepSpec(ObservationSpec(width))
}

// Actions 构造 n 行宽度为 width 的批量动作，第 i 行全部为 base+i
func Actions(n, width int, base float64) environment.Array {
	data := make([]float64, 0, n*width)
	for i := range n {
		for range width {
			data = append(data, base+float64(i))
		}
	}
	return environment.Array{Shape: []int{n, width}, Data: data}
}
