// MockEnvironment 的环境测试模拟实现。
//
// 支持确定性状态、回合长度、错误与 panic 注入以及调用记录。
package mocks

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/envbatch/environment"
	"github.com/BaSui01/envbatch/testutil/fixtures"
)

// --- MockEnvironment 结构 ---

// MockEnvironment 是 environment.Environment 的模拟实现。
// 观测 state 为历次动作的逐元素累加，id 为构造时给定的编号，
// 奖励为动作元素之和加编号。
type MockEnvironment struct {
	mu sync.Mutex

	// 规格配置
	id         int
	width      int
	actionSpec *environment.ArraySpec
	tsSpec     *environment.TimeStepSpec

	// 行为控制
	episodeLength int
	failStepAt    int
	stepErr       error
	panicOnStep   bool
	delay         time.Duration
	closeErr      error

	// 运行状态
	steps      int
	totalSteps int
	state      []float64
	lastReward float64
	model      string
	closed     bool
	calls      []string
}

// --- 构造函数和 Builder 方法 ---

// NewMockEnvironment 创建编号为 id、动作宽度为 width 的 MockEnvironment
func NewMockEnvironment(id, width int) *MockEnvironment {
	return &MockEnvironment{
		id:    id,
		width: width,
		state: make([]float64, width),
	}
}

// WithActionSpec 覆盖动作规格
func (m *MockEnvironment) WithActionSpec(spec environment.ArraySpec) *MockEnvironment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionSpec = &spec
	return m
}

// WithTimeStepSpec 覆盖时间步规格，观测规格随之改变
func (m *MockEnvironment) WithTimeStepSpec(spec environment.TimeStepSpec) *MockEnvironment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tsSpec = &spec
	return m
}

// WithEpisodeLength 设置回合长度，0 表示永不结束
func (m *MockEnvironment) WithEpisodeLength(n int) *MockEnvironment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.episodeLength = n
	return m
}

// WithStepError 在第 n 次 step（从 1 计）时返回 err
func (m *MockEnvironment) WithStepError(n int, err error) *MockEnvironment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStepAt = n
	m.stepErr = err
	m.panicOnStep = false
	return m
}

// WithStepPanic 在第 n 次 step（从 1 计）时 panic
func (m *MockEnvironment) WithStepPanic(n int) *MockEnvironment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStepAt = n
	m.panicOnStep = true
	return m
}

// WithDelay 设置每次 step 的模拟耗时
func (m *MockEnvironment) WithDelay(d time.Duration) *MockEnvironment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithCloseError 设置 Close 返回的错误
func (m *MockEnvironment) WithCloseError(err error) *MockEnvironment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
	return m
}

// Factory 返回始终产出 m 本身的工厂，便于测试中检查调用记录
func (m *MockEnvironment) Factory() environment.Factory {
	return func() (environment.Environment, error) { return m, nil }
}

// NewFactory 返回每次调用 build 产出新实例的工厂
func NewFactory(build func() *MockEnvironment) environment.Factory {
	return func() (environment.Environment, error) { return build(), nil }
}

// FailingFactory 返回构造即失败的工厂
func FailingFactory(err error) environment.Factory {
	return func() (environment.Environment, error) { return nil, err }
}

// PanickingFactory 返回构造即 panic 的工厂
func PanickingFactory(msg string) environment.Factory {
	return func() (environment.Environment, error) { panic(msg) }
}

// --- environment.Environment 实现 ---

func (m *MockEnvironment) Reset() (environment.TimeStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("reset")
	m.steps = 0
	m.state = make([]float64, m.width)
	return environment.Restart(m.observation()), nil
}

func (m *MockEnvironment) Step(action environment.Array) (environment.TimeStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("step")

	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.steps++
	m.totalSteps++
	if m.failStepAt > 0 && m.totalSteps == m.failStepAt {
		if m.panicOnStep {
			panic(fmt.Sprintf("mock environment %d exploded", m.id))
		}
		return environment.TimeStep{}, m.stepErr
	}
	if len(action.Data) != m.width {
		return environment.TimeStep{}, fmt.Errorf("action has %d values, want %d", len(action.Data), m.width)
	}

	reward := float64(m.id)
	for i, v := range action.Data {
		m.state[i] += v
		reward += v
	}
	m.lastReward = reward
	if m.episodeLength > 0 && m.steps >= m.episodeLength {
		return environment.Termination(m.observation(), reward), nil
	}
	return environment.Transition(m.observation(), reward, 1), nil
}

// Seed 返回 [seed, seed*31+id]
func (m *MockEnvironment) Seed(seed int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("seed")
	return []int64{seed, seed*31 + int64(m.id)}, nil
}

func (m *MockEnvironment) ReloadModel(modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("reload_model")
	if modelID == "" {
		return errors.New("empty model id")
	}
	m.model = modelID
	return nil
}

func (m *MockEnvironment) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("close")
	m.closed = true
	return m.closeErr
}

func (m *MockEnvironment) ActionSpec() environment.ArraySpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actionSpec != nil {
		return *m.actionSpec
	}
	return fixtures.ActionSpec(m.width)
}

func (m *MockEnvironment) ObservationSpec() map[string]environment.ArraySpec {
	return m.TimeStepSpec().Observation
}

func (m *MockEnvironment) TimeStepSpec() environment.TimeStepSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tsSpec != nil {
		return *m.tsSpec
	}
	return fixtures.TimeStepSpec(m.width)
}

// --- 可选接口 ---

func (m *MockEnvironment) Render() (environment.Array, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("render")
	return environment.Vector(slices.Clone(m.state)...), nil
}

// Attribute 支持 steps、model 与 last_reward
func (m *MockEnvironment) Attribute(name string) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch name {
	case "steps":
		return m.totalSteps, true, nil
	case "model":
		return m.model, true, nil
	case "last_reward":
		return m.lastReward, true, nil
	default:
		return nil, false, nil
	}
}

// CallMethod 支持 echo，原样返回参数
func (m *MockEnvironment) CallMethod(name string, args []any) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name != "echo" {
		return nil, false, nil
	}
	m.record("echo")
	return args, true, nil
}

// --- 调用记录 ---

// Calls 返回按顺序记录的方法名
func (m *MockEnvironment) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount 返回指定方法的调用次数
func (m *MockEnvironment) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

// Closed 返回是否已关闭
func (m *MockEnvironment) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockEnvironment) record(name string) {
	m.calls = append(m.calls, name)
}

func (m *MockEnvironment) observation() map[string]environment.Array {
	return map[string]environment.Array{
		"state": environment.Vector(slices.Clone(m.state)...),
		"id":    environment.Scalar(float64(m.id)),
	}
}

var (
	_ environment.Environment       = (*MockEnvironment)(nil)
	_ environment.Renderer          = (*MockEnvironment)(nil)
	_ environment.AttributeProvider = (*MockEnvironment)(nil)
	_ environment.MethodCaller      = (*MockEnvironment)(nil)
)
