package batch

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/envbatch/config"
	"github.com/BaSui01/envbatch/environment"
	"github.com/BaSui01/envbatch/internal/channel"
	"github.com/BaSui01/envbatch/internal/metrics"
	"github.com/BaSui01/envbatch/testutil"
	"github.com/BaSui01/envbatch/testutil/fixtures"
	"github.com/BaSui01/envbatch/testutil/mocks"
	"github.com/BaSui01/envbatch/types"
	"github.com/BaSui01/envbatch/worker"
)

func newMocks(n, width int) []*mocks.MockEnvironment {
	envs := make([]*mocks.MockEnvironment, n)
	for i := range envs {
		envs[i] = mocks.NewMockEnvironment(i, width)
	}
	return envs
}

func factoriesOf(envs []*mocks.MockEnvironment) []environment.Factory {
	out := make([]environment.Factory, len(envs))
	for i, e := range envs {
		out[i] = e.Factory()
	}
	return out
}

func newBatch(t *testing.T, envs []*mocks.MockEnvironment, opts ...Option) *ParallelEnvironment {
	t.Helper()
	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithPollInterval(5 * time.Millisecond),
		WithJoinTimeout(2 * time.Second),
	}
	pe, err := NewFromFactories(testutil.TestContext(t), factoriesOf(envs), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pe.Close() })
	return pe
}

// =============================================================================
// 🧪 构造
// =============================================================================

func TestNew_ResetReturnsOneEntryPerWorkerInOrder(t *testing.T) {
	for _, serial := range []bool{true, false} {
		t.Run(map[bool]string{true: "serial", false: "overlapped"}[serial], func(t *testing.T) {
			envs := newMocks(4, 2)
			pe := newBatch(t, envs, WithStartSerially(serial))

			assert.True(t, pe.Batched())
			assert.Equal(t, 4, pe.BatchSize())
			assert.Equal(t, []bool{true, true, true, true}, pe.Alive())
			assert.Empty(t, environment.DiffSpecs(fixtures.ActionSpec(2), pe.ActionSpec()))
			assert.Empty(t, environment.DiffSpecs(fixtures.TimeStepSpec(2), pe.TimeStepSpec()))
			assert.Len(t, pe.ObservationSpec(), 2)

			ts, err := pe.Reset(testutil.TestContext(t))
			require.NoError(t, err)
			testutil.AssertStepTypes(t, ts, testutil.Repeat(environment.StepFirst, 4)...)
			for i, step := range ts {
				assert.Equal(t, []float64{float64(i)}, step.Observation["id"].Data)
			}
			for _, e := range envs {
				assert.Equal(t, 1, e.CallCount("reset"))
			}
		})
	}
}

func TestNew_MismatchedActionSpec(t *testing.T) {
	envs := newMocks(3, 2)
	envs[2].WithActionSpec(environment.NewArraySpec("action", environment.Float32, 3))

	_, err := NewFromFactories(testutil.TestContext(t), factoriesOf(envs),
		WithLogger(zaptest.NewLogger(t)), WithPollInterval(5*time.Millisecond))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
	assert.Contains(t, err.Error(), "action spec")
	assert.Contains(t, err.Error(), "worker 2")

	for _, e := range envs {
		assert.Zero(t, e.CallCount("step"))
		testutil.AssertEventuallyTrue(t, e.Closed, 2*time.Second)
	}
}

func TestNew_MismatchedTimeStepSpec(t *testing.T) {
	envs := newMocks(3, 2)
	envs[2].WithTimeStepSpec(environment.NewTimeStepSpec(map[string]environment.ArraySpec{
		"state": environment.NewArraySpec("state", environment.Float64, 5),
		"id":    environment.NewArraySpec("id", environment.Int32),
	}))

	_, err := NewFromFactories(testutil.TestContext(t), factoriesOf(envs),
		WithLogger(zaptest.NewLogger(t)), WithPollInterval(5*time.Millisecond))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
	assert.Contains(t, err.Error(), "time step spec")
	assert.Contains(t, err.Error(), "worker 2")

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.True(t, strings.HasSuffix(typed.Worker, "-2"), "worker %q", typed.Worker)

	for _, e := range envs {
		assert.Zero(t, e.CallCount("step"))
		testutil.AssertEventuallyTrue(t, e.Closed, 2*time.Second)
	}
}

func TestNew_OverlappedStartupReportsLowestFailingIndex(t *testing.T) {
	for range 3 {
		env := mocks.NewMockEnvironment(0, 2)
		factories := []environment.Factory{
			env.Factory(),
			func() (environment.Environment, error) {
				time.Sleep(50 * time.Millisecond)
				return nil, errors.New("first failure")
			},
			mocks.FailingFactory(errors.New("second failure")),
		}

		_, err := NewFromFactories(testutil.TestContext(t), factories,
			WithStartSerially(false), WithLogger(zaptest.NewLogger(t)), WithPollInterval(5*time.Millisecond))
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrStartupFailure))
		assert.Contains(t, err.Error(), "first failure")
		assert.NotContains(t, err.Error(), "second failure")
		testutil.AssertEventuallyTrue(t, env.Closed, 2*time.Second)
	}
}

func TestNew_StartupFailureReleasesStartedWorkers(t *testing.T) {
	for _, serial := range []bool{true, false} {
		envs := newMocks(2, 2)
		factories := append(factoriesOf(envs), mocks.FailingFactory(errors.New("license server unreachable")))

		_, err := NewFromFactories(testutil.TestContext(t), factories,
			WithStartSerially(serial), WithLogger(zaptest.NewLogger(t)), WithPollInterval(5*time.Millisecond))
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrStartupFailure))
		assert.Contains(t, err.Error(), "license server unreachable")

		for _, e := range envs {
			testutil.AssertEventuallyTrue(t, e.Closed, 2*time.Second)
		}
	}
}

func TestNew_NoLaunchers(t *testing.T) {
	_, err := New(testutil.TestContext(t), nil)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

// =============================================================================
// 🎮 Step
// =============================================================================

func TestStep_SkipsListedWorkers(t *testing.T) {
	ctx := testutil.TestContext(t)
	envs := newMocks(3, 2)
	pe := newBatch(t, envs)

	_, err := pe.Reset(ctx)
	require.NoError(t, err)

	ts, err := pe.Step(ctx, fixtures.Actions(2, 2, 1), 1)
	require.NoError(t, err)
	require.Len(t, ts, 2)

	// 第 0 行交给 worker 0，第 1 行交给 worker 2
	assert.Equal(t, []float64{1, 1}, ts[0].Observation["state"].Data)
	assert.Equal(t, []float64{0}, ts[0].Observation["id"].Data)
	assert.Equal(t, []float64{2, 2}, ts[1].Observation["state"].Data)
	assert.Equal(t, []float64{2}, ts[1].Observation["id"].Data)
	assert.Equal(t, []float64{2, 6}, ts.Rewards())

	assert.Equal(t, 1, envs[0].CallCount("step"))
	assert.Zero(t, envs[1].CallCount("step"))
	assert.Equal(t, 1, envs[2].CallCount("step"))

	full, mask, err := ts.Expand(3, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, mask)
	assert.Equal(t, ts[1], full[2])
}

func TestStep_InvalidActions(t *testing.T) {
	ctx := testutil.TestContext(t)
	envs := newMocks(3, 2)
	pe := newBatch(t, envs)

	tests := []struct {
		name    string
		actions environment.Array
		skip    []int
	}{
		{name: "not a multiple of width", actions: environment.Vector(1, 2, 3)},
		{name: "too few rows", actions: fixtures.Actions(2, 2, 0)},
		{name: "rows for skipped worker", actions: fixtures.Actions(3, 2, 0), skip: []int{0}},
		{name: "skip out of range", actions: fixtures.Actions(3, 2, 0), skip: []int{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pe.Step(ctx, tt.actions, tt.skip...)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrInvalidAction), "got %v", err)
		})
	}
	for _, e := range envs {
		assert.Zero(t, e.CallCount("step"))
	}
}

func TestStep_Flatten(t *testing.T) {
	ctx := testutil.TestContext(t)
	structured := newBatch(t, newMocks(3, 2))
	flat := newBatch(t, newMocks(3, 2), WithFlatten(true))

	for _, pe := range []*ParallelEnvironment{structured, flat} {
		_, err := pe.Reset(ctx)
		require.NoError(t, err)
	}

	actions := fixtures.Actions(3, 2, 0.5)
	want, err := structured.Step(ctx, actions)
	require.NoError(t, err)
	got, err := flat.Step(ctx, actions)
	require.NoError(t, err)

	testutil.AssertTimeStepsEqual(t, want, got)
}

func TestStep_BlockingMatchesNonBlocking(t *testing.T) {
	ctx := testutil.TestContext(t)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 4).Draw(rt, "n")
		width := rapid.IntRange(1, 3).Draw(rt, "width")
		episode := rapid.IntRange(0, 3).Draw(rt, "episode")
		rounds := rapid.IntRange(1, 4).Draw(rt, "rounds")

		type round struct {
			skip    []int
			actions environment.Array
		}
		plan := make([]round, rounds)
		for r := range plan {
			skip := rapid.SliceOfNDistinct(rapid.IntRange(0, n-1), 0, n-1, rapid.ID[int]).Draw(rt, "skip")
			rows := n - len(skip)
			data := rapid.SliceOfN(rapid.Float64Range(-10, 10), rows*width, rows*width).Draw(rt, "data")
			plan[r] = round{skip: skip, actions: environment.Array{Shape: []int{rows, width}, Data: data}}
		}

		run := func(blocking bool) []environment.BatchedTimeStep {
			envs := make([]environment.Factory, n)
			for i := range envs {
				envs[i] = mocks.NewMockEnvironment(i, width).WithEpisodeLength(episode).Factory()
			}
			pe, err := NewFromFactories(ctx, envs, WithBlocking(blocking), WithPollInterval(time.Millisecond))
			require.NoError(rt, err)
			defer pe.Close()

			first, err := pe.Reset(ctx)
			require.NoError(rt, err)
			out := []environment.BatchedTimeStep{first}
			for _, r := range plan {
				ts, err := pe.Step(ctx, r.actions, r.skip...)
				require.NoError(rt, err)
				out = append(out, ts)
			}
			return out
		}

		assert.Equal(rt, run(true), run(false))
	})
}

// =============================================================================
// ❌ 失败传播
// =============================================================================

func TestStep_FailingWorkerSurfacesOnce(t *testing.T) {
	for _, blocking := range []bool{true, false} {
		t.Run(map[bool]string{true: "blocking", false: "non-blocking"}[blocking], func(t *testing.T) {
			ctx := testutil.TestContext(t)
			envs := newMocks(3, 2)
			envs[1].WithStepError(1, errors.New("simulator diverged"))
			pe := newBatch(t, envs, WithBlocking(blocking))

			ts, err := pe.Step(ctx, fixtures.Actions(3, 2, 0))
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrRemoteExecution))
			assert.Contains(t, err.Error(), "simulator diverged")

			var typed *types.Error
			require.ErrorAs(t, err, &typed)
			assert.True(t, strings.HasSuffix(typed.Worker, "-1"), "worker %q", typed.Worker)

			// 兄弟 worker 照常执行，结果随错误一并返回
			require.Len(t, ts, 3)
			assert.True(t, ts[0].IsMid())
			assert.Equal(t, []float64{2, 2}, ts[2].Observation["state"].Data)
			assert.Nil(t, ts[1].Observation)
			assert.Equal(t, 1, envs[0].CallCount("step"))
			assert.Equal(t, 1, envs[2].CallCount("step"))
			assert.Equal(t, []bool{true, false, true}, pe.Alive())

			// 含死亡 worker 的请求不会分发给任何 worker
			_, err = pe.Step(ctx, fixtures.Actions(3, 2, 0))
			assert.True(t, types.IsCode(err, types.ErrWorkerDead))
			assert.Contains(t, err.Error(), "worker 1")
			_, err = pe.Reset(ctx)
			assert.True(t, types.IsCode(err, types.ErrWorkerDead))
			assert.Equal(t, 1, envs[0].CallCount("step"))
			assert.Equal(t, 1, envs[2].CallCount("step"))
			assert.Equal(t, 1, envs[0].CallCount("reset"))
			assert.Equal(t, 1, envs[2].CallCount("reset"))

			ts, err = pe.Step(ctx, fixtures.Actions(2, 2, 0), 1)
			require.NoError(t, err)
			assert.Len(t, ts, 2)
			assert.Equal(t, 2, envs[0].CallCount("step"))
			assert.Equal(t, 2, envs[2].CallCount("step"))
		})
	}
}

// =============================================================================
// 🌱 Seed / ReloadModel / Call
// =============================================================================

func TestSeed(t *testing.T) {
	ctx := testutil.TestContext(t)
	envs := newMocks(3, 2)
	pe := newBatch(t, envs)

	seeds, err := pe.Seed(ctx, []int64{5, 6, 7})
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{5, 155}, {6, 187}, {7, 219}}, seeds)
}

func TestSeed_WrongLengthDispatchesNothing(t *testing.T) {
	ctx := testutil.TestContext(t)
	envs := newMocks(3, 2)
	pe := newBatch(t, envs)

	_, err := pe.Seed(ctx, []int64{1, 2})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))

	err = pe.ReloadModel(ctx, []string{"a"})
	assert.True(t, types.IsCode(err, types.ErrConfiguration))

	for _, e := range envs {
		assert.Zero(t, e.CallCount("seed"))
		assert.Zero(t, e.CallCount("reload_model"))
	}
}

func TestReloadModel(t *testing.T) {
	ctx := testutil.TestContext(t)
	envs := newMocks(2, 2)
	pe := newBatch(t, envs)

	require.NoError(t, pe.ReloadModel(ctx, []string{"corner", "center"}))

	models, err := pe.Attribute(ctx, "model")
	require.NoError(t, err)
	assert.Equal(t, []any{"corner", "center"}, models)
}

func TestCall_SeedMatchesDirectCall(t *testing.T) {
	ctx := testutil.TestContext(t)
	pe := newBatch(t, newMocks(2, 2))

	got, err := pe.Call(ctx, worker.OpSeed, [][]any{{int64(7)}, {int64(7)}})
	require.NoError(t, err)

	for i, v := range got {
		direct, err := mocks.NewMockEnvironment(i, 2).Seed(7)
		require.NoError(t, err)
		assert.Equal(t, direct, v)
	}

	_, err = pe.Call(ctx, worker.OpSeed, [][]any{{int64(7)}})
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestAccessRenderAndMethods(t *testing.T) {
	ctx := testutil.TestContext(t)
	envs := newMocks(2, 3)
	pe := newBatch(t, envs)

	specs, err := pe.Access(ctx, worker.FieldActionSpec)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	for _, s := range specs {
		assert.Empty(t, environment.DiffSpecs(fixtures.ActionSpec(3), s))
	}

	frames, err := pe.Render(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, frames[1].Data)

	steps, err := pe.Attribute(ctx, "steps")
	require.NoError(t, err)
	counts, err := DecodeAll[int](steps)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, counts)

	_, err = DecodeAll[int]([]any{"many"})
	assert.True(t, types.IsCode(err, types.ErrProtocol))

	echoed, err := pe.CallMethod(ctx, "echo", [][]any{{"a"}, {"b"}})
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"a"}, []any{"b"}}, echoed)

	// 未知名称被拒绝，worker 保持存活
	_, err = pe.CallMethod(ctx, "teleport", nil)
	assert.True(t, types.IsCode(err, types.ErrRejected))
	_, err = pe.Attribute(ctx, "gravity")
	assert.True(t, types.IsCode(err, types.ErrRejected))
	assert.Equal(t, []bool{true, true}, pe.Alive())
}

// =============================================================================
// 🛑 关闭
// =============================================================================

func TestClose_IdempotentAndDispatchAfterCloseFails(t *testing.T) {
	ctx := testutil.TestContext(t)
	envs := newMocks(2, 2)
	pe := newBatch(t, envs)

	require.NoError(t, pe.Close())
	require.NoError(t, pe.Close())

	for _, e := range envs {
		assert.True(t, e.Closed())
		assert.Equal(t, 1, e.CallCount("close"))
	}

	_, err := pe.Reset(ctx)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTransport))
	assert.ErrorIs(t, err, channel.ErrClosed)

	_, err = pe.Step(ctx, fixtures.Actions(2, 2, 0))
	assert.True(t, types.IsCode(err, types.ErrTransport))
	assert.Equal(t, []bool{false, false}, pe.Alive())
}

// =============================================================================
// ⚙️ 配置与隔离
// =============================================================================

func TestNewFromConfig_Goroutine(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Batch.NumEnvs = 2
	cfg.Batch.PollInterval = 5 * time.Millisecond
	cfg.Worker.Env = registeredMock

	pe, err := NewFromConfig(testutil.TestContext(t), cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pe.Close() })

	ts, err := pe.Reset(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Len(t, ts, 2)
}

func TestNewFromConfig_UnknownEnvironment(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Worker.Env = "no-such-env"

	_, err := NewFromConfig(testutil.TestContext(t), cfg)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
	assert.Contains(t, err.Error(), "not registered")

	_, err = NewFromConfig(testutil.TestContext(t), nil)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestNewFromConfig_ProcessIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	// 子进程继承该变量后以 worker 身份运行
	t.Setenv(testWorkerEnv, "1")

	cfg := config.DefaultConfig()
	cfg.Batch.NumEnvs = 2
	cfg.Batch.Isolation = config.IsolationProcess
	cfg.Batch.Flatten = true
	cfg.Batch.StartSerially = false
	cfg.Worker.Env = registeredMock
	cfg.Worker.Args = nil

	ctx := testutil.TestContext(t)
	pe, err := NewFromConfig(ctx, cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pe.Close() })

	_, err = pe.Reset(ctx)
	require.NoError(t, err)
	ts, err := pe.Step(ctx, fixtures.Actions(2, 2, 1))
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, []float64{1, 1}, ts[0].Observation["state"].Data)
	assert.Equal(t, []float64{2, 2}, ts[1].Observation["state"].Data)

	seeds, err := pe.Seed(ctx, []int64{3, 4})
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{3, 93}, {4, 124}}, seeds)

	// 跨进程的 any 结果为通用 JSON 值，DecodeAll 还原为与 goroutine 模式相同的类型
	steps, err := pe.Attribute(ctx, "steps")
	require.NoError(t, err)
	counts, err := DecodeAll[int](steps)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, counts)

	specs, err := pe.Access(ctx, worker.FieldActionSpec)
	require.NoError(t, err)
	actionSpecs, err := DecodeAll[environment.ArraySpec](specs)
	require.NoError(t, err)
	for _, spec := range actionSpecs {
		assert.Empty(t, environment.DiffSpecs(fixtures.ActionSpec(2), spec))
	}

	require.NoError(t, pe.Close())
	assert.Equal(t, []bool{false, false}, pe.Alive())
}

// =============================================================================
// 📊 指标
// =============================================================================

func TestMetrics(t *testing.T) {
	ctx := testutil.TestContext(t)
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, zaptest.NewLogger(t))

	pe := newBatch(t, newMocks(2, 2), WithMetrics(collector))

	alive := `
# HELP test_workers_alive Number of workers that are started and not yet closed or dead
# TYPE test_workers_alive gauge
test_workers_alive 2
`
	require.NoError(t, promtestutil.GatherAndCompare(reg, strings.NewReader(alive), "test_workers_alive"))

	_, err := pe.Reset(ctx)
	require.NoError(t, err)
	_, err = pe.Seed(ctx, []int64{1})
	require.Error(t, err)

	count, err := promtestutil.GatherAndCount(reg, "test_batch_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count) // reset/ok 与 seed/error

	require.NoError(t, pe.Close())
	closed := strings.Replace(alive, "test_workers_alive 2", "test_workers_alive 0", 1)
	require.NoError(t, promtestutil.GatherAndCompare(reg, strings.NewReader(closed), "test_workers_alive"))
}

func TestTracing_DispatchedCountsDistinctWorkers(t *testing.T) {
	ctx := testutil.TestContext(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	pe := newBatch(t, newMocks(4, 2), WithTracerProvider(tp))

	// 重复的跳过编号只算一次
	ts, err := pe.Step(ctx, fixtures.Actions(3, 2, 0), 1, 1)
	require.NoError(t, err)
	assert.Len(t, ts, 3)

	_, err = pe.Step(ctx, fixtures.Actions(4, 2, 0), 9)
	assert.True(t, types.IsCode(err, types.ErrInvalidAction))

	var dispatched []int64
	for _, span := range recorder.Ended() {
		if span.Name() != "batch.step" {
			continue
		}
		for _, kv := range span.Attributes() {
			if kv.Key == attribute.Key("envbatch.dispatched") {
				dispatched = append(dispatched, kv.Value.AsInt64())
			}
		}
	}
	assert.Equal(t, []int64{3, 0}, dispatched)
}
