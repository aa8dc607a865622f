package pointmass

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/envbatch/batch"
	"github.com/BaSui01/envbatch/environment"
	"github.com/BaSui01/envbatch/testutil"
	"github.com/BaSui01/envbatch/worker"
)

func newEnv(t *testing.T, cfg Config, seed int64) *Env {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	_, err = e.Seed(seed)
	require.NoError(t, err)
	return e
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Arena = 0
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Model = "maze"
	_, err = New(cfg)
	assert.ErrorContains(t, err, "unknown model")
}

func TestRegistered(t *testing.T) {
	factory, ok := worker.Lookup(Name)
	require.True(t, ok)

	env, err := factory()
	require.NoError(t, err)
	assert.Equal(t, 2, env.ActionSpec().Size())
}

func TestSeed_Deterministic(t *testing.T) {
	a := newEnv(t, DefaultConfig(), 11)
	b := newEnv(t, DefaultConfig(), 11)

	ta, err := a.Reset()
	require.NoError(t, err)
	tb, err := b.Reset()
	require.NoError(t, err)
	assert.Equal(t, ta, tb)

	seeds, err := a.Seed(11)
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, seeds)
}

func TestReset_Layouts(t *testing.T) {
	tests := []struct {
		model string
		goal  []float64
	}{
		{model: ModelCorner, goal: []float64{0.8, 0.8}},
		{model: ModelCenter, goal: []float64{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			e := newEnv(t, DefaultConfig(), 3)
			require.NoError(t, e.ReloadModel(tt.model))

			ts, err := e.Reset()
			require.NoError(t, err)
			assert.True(t, ts.IsFirst())
			assert.InDeltaSlice(t, tt.goal, ts.Observation["goal"].Data, 1e-12)
		})
	}
}

func TestStep_PositionStaysInArena(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := DefaultConfig()
		cfg.MaxSteps = 0
		e, err := New(cfg)
		require.NoError(rt, err)
		_, err = e.Seed(rapid.Int64().Draw(rt, "seed"))
		require.NoError(rt, err)
		_, err = e.Reset()
		require.NoError(rt, err)

		for range rapid.IntRange(1, 50).Draw(rt, "steps") {
			action := environment.Vector(
				rapid.Float64Range(-5, 5).Draw(rt, "x"),
				rapid.Float64Range(-5, 5).Draw(rt, "y"),
			)
			ts, err := e.Step(action)
			require.NoError(rt, err)
			for _, v := range ts.Observation["position"].Data {
				assert.LessOrEqual(rt, math.Abs(v), cfg.Arena)
			}
			if ts.IsFirst() {
				continue
			}
			if ts.IsLast() {
				assert.Equal(rt, 1.0, ts.Reward)
			} else {
				assert.LessOrEqual(rt, ts.Reward, 0.0)
			}
		}
	})
}

func TestStep_ReachesGoal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model = ModelCenter
	e := newEnv(t, cfg, 5)
	_, err := e.Reset()
	require.NoError(t, err)

	var last environment.TimeStep
	for range 100 {
		dist, ok, err := e.CallMethod("distance", nil)
		require.NoError(t, err)
		require.True(t, ok)

		// 朝目标方向移动，距离不足一步时按比例缩小
		scale := math.Min(1, dist.(float64)/cfg.ActionScale)
		dx, dy := -e.position[0], -e.position[1]
		norm := math.Hypot(dx, dy)
		if norm == 0 {
			norm = 1
		}
		last, err = e.Step(environment.Vector(dx/norm*scale, dy/norm*scale))
		require.NoError(t, err)
		if last.IsLast() {
			break
		}
	}
	require.True(t, last.IsLast())
	assert.Equal(t, 1.0, last.Reward)
	assert.Equal(t, 0.0, last.Discount)

	// 回合结束后的 step 开启新回合
	ts, err := e.Step(environment.Vector(0, 0))
	require.NoError(t, err)
	assert.True(t, ts.IsFirst())
}

func TestStep_Truncation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	e := newEnv(t, cfg, 9)
	_, err := e.Reset()
	require.NoError(t, err)
	// 起点若恰好在目标附近则换一个种子
	for seed := int64(100); e.distance() < 0.5; seed++ {
		_, err = e.Seed(seed)
		require.NoError(t, err)
		_, err = e.Reset()
		require.NoError(t, err)
	}

	var ts environment.TimeStep
	for range 3 {
		ts, err = e.Step(environment.Vector(0, 0))
		require.NoError(t, err)
	}
	assert.True(t, ts.IsLast())
	assert.Equal(t, 1.0, ts.Discount)

	steps, ok, err := e.Attribute("step_count")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, steps)
}

func TestStep_InvalidAction(t *testing.T) {
	e := newEnv(t, DefaultConfig(), 1)
	_, err := e.Reset()
	require.NoError(t, err)

	_, err = e.Step(environment.Vector(1, 2, 3))
	assert.Error(t, err)
	_, err = e.Step(environment.Vector(math.NaN(), 0))
	assert.Error(t, err)
}

func TestReloadModel(t *testing.T) {
	e := newEnv(t, DefaultConfig(), 1)
	assert.Error(t, e.ReloadModel("maze"))
	require.NoError(t, e.ReloadModel(ModelRandom))

	model, ok, err := e.Attribute("model_id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ModelRandom, model)

	_, ok, err = e.Attribute("gravity")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRender(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model = ModelCenter
	e := newEnv(t, cfg, 2)
	_, err := e.Reset()
	require.NoError(t, err)

	frame, err := e.Render()
	require.NoError(t, err)
	assert.Equal(t, []int{16, 16}, frame.Shape)

	// 中心目标落在网格中央
	assert.Contains(t, frame.Data, 1.0)
	if e.distance() > 0.2 {
		assert.Equal(t, 2.0, frame.Data[8*16+8])
	}
}

func TestBatchedPointMass(t *testing.T) {
	ctx := testutil.TestContext(t)
	factories := []environment.Factory{Factory(DefaultConfig()), Factory(DefaultConfig()), Factory(DefaultConfig())}

	pe, err := batch.NewFromFactories(ctx, factories, batch.WithLogger(zaptest.NewLogger(t)), batch.WithFlatten(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pe.Close() })

	_, err = pe.Seed(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, pe.ReloadModel(ctx, []string{ModelCorner, ModelCenter, ModelRandom}))

	first, err := pe.Reset(ctx)
	require.NoError(t, err)
	testutil.AssertStepTypes(t, first, testutil.Repeat(environment.StepFirst, 3)...)
	assert.InDeltaSlice(t, []float64{0, 0}, first[1].Observation["goal"].Data, 1e-12)

	ts, err := pe.Step(ctx, environment.Array{Shape: []int{3, 2}, Data: []float64{1, 1, 0, 0, -1, -1}})
	require.NoError(t, err)
	assert.Len(t, ts, 3)

	dist, err := pe.CallMethod(ctx, "distance", nil)
	require.NoError(t, err)
	assert.Len(t, dist, 3)
}
