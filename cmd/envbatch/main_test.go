package main

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/envbatch/batch"
	"github.com/BaSui01/envbatch/config"
	"github.com/BaSui01/envbatch/environment"
	"github.com/BaSui01/envbatch/envs/pointmass"
	"github.com/BaSui01/envbatch/internal/recorder"
	"github.com/BaSui01/envbatch/testutil"
	"github.com/BaSui01/envbatch/testutil/mocks"
)

func newTestBatch(t *testing.T, factories ...environment.Factory) *batch.ParallelEnvironment {
	t.Helper()
	pe, err := batch.NewFromFactories(testutil.TestContext(t), factories,
		batch.WithLogger(zaptest.NewLogger(t)),
		batch.WithPollInterval(5*time.Millisecond),
		batch.WithJoinTimeout(2*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pe.Close() })
	return pe
}

func newTestRecorder(t *testing.T) *recorder.Recorder {
	t.Helper()
	rec, err := recorder.Open(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })
	return rec
}

// --- rollout ---

func TestRollout_SkipsFinishedEpisodes(t *testing.T) {
	short := mocks.NewMockEnvironment(0, 2).WithEpisodeLength(2)
	long := mocks.NewMockEnvironment(1, 2).WithEpisodeLength(3)
	pe := newTestBatch(t, short.Factory(), long.Factory())
	rec := newTestRecorder(t)
	ctx := testutil.TestContext(t)

	wcfg := config.DefaultWorkerConfig()
	wcfg.ModelID = "m1"
	stats, err := rollout(ctx, pe, rec, wcfg, 3, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Steps)
	assert.Equal(t, 2, stats.Episodes)
	assert.Equal(t, 2, short.CallCount("step"), "finished episode must be skipped")
	assert.Equal(t, 3, long.CallCount("step"))
	assert.Equal(t, 2, short.CallCount("reset"), "batch resets once all episodes end")
	assert.Equal(t, 1, short.CallCount("seed"))
	assert.Equal(t, 1, short.CallCount("reload_model"))

	episodes, err := rec.Episodes(ctx)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	total := 0.0
	for _, ep := range episodes {
		assert.Equal(t, "m1", ep.ModelID)
		assert.True(t, ep.Terminated)
		total += ep.Return
	}
	assert.InDelta(t, stats.Return, total, 1e-9)
	assert.Equal(t, 2, episodes[0].Steps)
	assert.Equal(t, 3, episodes[1].Steps)
}

func TestRollout_WithoutModelSkipsReload(t *testing.T) {
	env := mocks.NewMockEnvironment(0, 2)
	pe := newTestBatch(t, env.Factory())

	stats, err := rollout(testutil.TestContext(t), pe, nil, config.DefaultWorkerConfig(), 4, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Steps)
	assert.Zero(t, stats.Episodes)
	assert.Zero(t, stats.MeanReturn())
	assert.Zero(t, env.CallCount("reload_model"))
}

func TestRollout_ZeroStepsOnlyResets(t *testing.T) {
	env := mocks.NewMockEnvironment(0, 2)
	pe := newTestBatch(t, env.Factory())

	stats, err := rollout(testutil.TestContext(t), pe, nil, config.DefaultWorkerConfig(), 0, zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, stats.Steps)
	assert.Equal(t, 1, env.CallCount("reset"))
	assert.Zero(t, env.CallCount("step"))
}

func TestRollout_PointMassReachesGoals(t *testing.T) {
	cfg := pointmass.DefaultConfig()
	cfg.MaxSteps = 60
	pe := newTestBatch(t, pointmass.Factory(cfg), pointmass.Factory(cfg))
	rec := newTestRecorder(t)
	ctx := testutil.TestContext(t)

	wcfg := config.DefaultWorkerConfig()
	wcfg.ModelID = "center"
	stats, err := rollout(ctx, pe, rec, wcfg, 200, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Positive(t, stats.Episodes)

	summary, err := rec.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(stats.Episodes), summary.Episodes)
	assert.LessOrEqual(t, summary.MeanSteps, float64(cfg.MaxSteps))
}

func TestRolloutStats_MeanReturn(t *testing.T) {
	s := rolloutStats{Episodes: 4, Return: 10}
	assert.InDelta(t, 2.5, s.MeanReturn(), 1e-12)
}

// --- run ---

func TestRun_GoroutineIsolationWithMetricsAndRecorder(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Batch.NumEnvs = 2
	cfg.Batch.PollInterval = 5 * time.Millisecond
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Recorder.Enabled = true
	cfg.Recorder.Path = filepath.Join(t.TempDir(), "episodes.db")
	require.NoError(t, cfg.Validate())

	require.NoError(t, run(testutil.TestContext(t), cfg, 20, zaptest.NewLogger(t)))
	_, err := os.Stat(cfg.Recorder.Path)
	assert.NoError(t, err)
}

func TestRun_UnknownEnvironment(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Worker.Env = "does-not-exist"

	err := run(testutil.TestContext(t), cfg, 1, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "not registered")
}

// --- helpers ---

func TestDeadWorkers(t *testing.T) {
	assert.NoError(t, deadWorkers([]bool{true, true}))
	assert.EqualError(t, deadWorkers([]bool{true, false, false}), "workers [1 2] are not alive")
}

func TestPolicy_MovesTowardGoal(t *testing.T) {
	spec := environment.NewBoundedArraySpec("velocity", environment.Float32, -1, 1, 2)
	pol := newPolicy(spec, rand.New(rand.NewPCG(1, 0)))

	ts := environment.Restart(map[string]environment.Array{
		"position": environment.Vector(0, 0),
		"goal":     environment.Vector(0.8, -0.8),
	})
	for range 20 {
		a := pol.act(ts)
		require.Equal(t, []int{2}, a.Shape)
		assert.Greater(t, a.Data[0], 0.0)
		assert.Less(t, a.Data[1], 0.0)
		assert.LessOrEqual(t, a.Data[0], 1.0)
		assert.GreaterOrEqual(t, a.Data[1], -1.0)
	}
}

func TestPolicy_SamplesWithinBounds(t *testing.T) {
	spec := environment.NewBoundedArraySpec("action", environment.Float32, -0.5, 0.25, 3)
	pol := newPolicy(spec, rand.New(rand.NewPCG(2, 0)))

	ts := environment.Restart(map[string]environment.Array{"state": environment.Vector(1, 2, 3)})
	for range 50 {
		a := pol.act(ts)
		require.Len(t, a.Data, 3)
		for _, v := range a.Data {
			assert.GreaterOrEqual(t, v, -0.5)
			assert.Less(t, v, 0.25)
		}
	}
}

func TestInitLogger_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		cfg := config.DefaultLogConfig()
		cfg.Level = level
		cfg.Format = "console"
		logger := initLogger(cfg)
		require.NotNil(t, logger)
	}

	cfg := config.DefaultLogConfig()
	cfg.Level = "warn"
	assert.False(t, initLogger(cfg).Core().Enabled(zap.InfoLevel))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envbatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch:\n  num_envs: 3\n  isolation: process\nworker:\n  env: pointmass\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Batch.NumEnvs)
	assert.Equal(t, config.IsolationProcess, cfg.Batch.Isolation)

	require.NoError(t, os.WriteFile(path, []byte("batch:\n  num_envs: 0\n"), 0o600))
	_, err = loadConfig(path)
	assert.ErrorContains(t, err, "invalid config")
}
