package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/envbatch/batch"
	"github.com/BaSui01/envbatch/config"
	"github.com/BaSui01/envbatch/environment"
	"github.com/BaSui01/envbatch/internal/metrics"
	"github.com/BaSui01/envbatch/internal/recorder"
	"github.com/BaSui01/envbatch/internal/server"
	"github.com/BaSui01/envbatch/internal/telemetry"
)

// =============================================================================
// 🏃 run 命令
// =============================================================================

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	steps := fs.Int("steps", 1000, "Number of batched steps to take")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting EnvBatch",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProviders, err := telemetry.Init(ctx, cfg.Telemetry, logger,
		attribute.String("envbatch.isolation", cfg.Batch.Isolation),
		attribute.Int("envbatch.num_envs", cfg.Batch.NumEnvs),
	)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	if err := run(ctx, cfg, *steps, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		return 1
	}
	logger.Info("EnvBatch stopped")
	return 0
}

func run(ctx context.Context, cfg *config.Config, steps int, logger *zap.Logger) error {
	opts := []batch.Option{batch.WithLogger(logger)}

	// 指标服务器的健康检查在构造完成前就可能被访问
	var live atomic.Pointer[batch.ParallelEnvironment]
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, batch.WithMetrics(metrics.NewCollector(cfg.Metrics.Namespace, reg, logger)))

		srvCfg := server.DefaultConfig()
		srvCfg.Addr = cfg.Metrics.Addr
		metricsServer := server.NewManager(server.NewHandler(reg, func() error {
			pe := live.Load()
			if pe == nil {
				return errors.New("workers starting")
			}
			return deadWorkers(pe.Alive())
		}), srvCfg, logger)
		if err := metricsServer.Start(); err != nil {
			return err
		}
		defer func() {
			if err := metricsServer.Shutdown(context.Background()); err != nil {
				logger.Warn("metrics server shutdown", zap.Error(err))
			}
		}()
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		var err error
		rec, err = recorder.Open(cfg.Recorder.Path, logger)
		if err != nil {
			return err
		}
		defer rec.Close()
	}

	pe, err := batch.NewFromConfig(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer pe.Close()
	live.Store(pe)

	stats, err := rollout(ctx, pe, rec, cfg.Worker, steps, logger)
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.Int("steps", stats.Steps),
		zap.Int("episodes", stats.Episodes),
		zap.Float64("mean_return", stats.MeanReturn()),
	}
	if rec != nil {
		summary, err := rec.Summary(ctx)
		if err != nil {
			return err
		}
		fields = append(fields, zap.String("run_id", rec.RunID()), zap.Int64("recorded_episodes", summary.Episodes))
	}
	logger.Info("rollout finished", fields...)
	return nil
}

func deadWorkers(alive []bool) error {
	var dead []int
	for i, ok := range alive {
		if !ok {
			dead = append(dead, i)
		}
	}
	if len(dead) > 0 {
		return fmt.Errorf("workers %v are not alive", dead)
	}
	return nil
}

// =============================================================================
// 🎲 Rollout
// =============================================================================

// rolloutStats 汇总一次 rollout
type rolloutStats struct {
	Steps    int
	Episodes int
	Return   float64
}

func (s rolloutStats) MeanReturn() float64 {
	if s.Episodes == 0 {
		return 0
	}
	return s.Return / float64(s.Episodes)
}

// rollout 以启发式策略推进批量环境：已结束回合的环境在之后的 step 中
// 被跳过，直到全部结束后一起 reset。rec 可为 nil。
func rollout(ctx context.Context, pe *batch.ParallelEnvironment, rec *recorder.Recorder, wcfg config.WorkerConfig, steps int, logger *zap.Logger) (rolloutStats, error) {
	n := pe.BatchSize()

	seeds := make([]int64, n)
	for i := range seeds {
		seeds[i] = wcfg.Seed + int64(i)
	}
	if _, err := pe.Seed(ctx, seeds); err != nil {
		return rolloutStats{}, err
	}
	models := make([]string, n)
	if wcfg.ModelID != "" {
		for i := range models {
			models[i] = wcfg.ModelID
		}
		if err := pe.ReloadModel(ctx, models); err != nil {
			return rolloutStats{}, err
		}
	}
	if rec != nil {
		rec.SetModels(models)
	}

	pol := newPolicy(pe.ActionSpec(), rand.New(rand.NewPCG(uint64(wcfg.Seed), 0)))
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	var stats rolloutStats
	returns := make([]float64, n)
	done := make([]bool, n)
	current := make(environment.BatchedTimeStep, n)

	reset := func() error {
		ts, err := pe.Reset(ctx)
		if err != nil {
			return err
		}
		copy(current, ts)
		clear(done)
		clear(returns)
		if rec != nil {
			return rec.Observe(ctx, all, ts)
		}
		return nil
	}
	if err := reset(); err != nil {
		return stats, err
	}

	for stats.Steps < steps {
		if err := ctx.Err(); err != nil {
			logger.Info("rollout interrupted", zap.Int("steps", stats.Steps))
			return stats, nil
		}

		var skip, indices []int
		for i := range n {
			if done[i] {
				skip = append(skip, i)
			} else {
				indices = append(indices, i)
			}
		}

		actions := make([]environment.Array, len(indices))
		for j, i := range indices {
			actions[j] = pol.act(current[i])
		}
		batched, err := environment.StackActions(actions, pe.ActionSpec())
		if err != nil {
			return stats, err
		}

		ts, err := pe.Step(ctx, batched, skip...)
		if err != nil {
			return stats, err
		}
		stats.Steps++
		if rec != nil {
			if err := rec.Observe(ctx, indices, ts); err != nil {
				return stats, err
			}
		}

		remaining := 0
		for j, i := range indices {
			current[i] = ts[j]
			returns[i] += ts[j].Reward
			if ts[j].IsLast() {
				done[i] = true
				stats.Episodes++
				stats.Return += returns[i]
			} else {
				remaining++
			}
		}
		if remaining == 0 {
			logger.Debug("all episodes finished, resetting", zap.Int("step", stats.Steps))
			if err := reset(); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

// policy 当观测含 position 与 goal 时朝目标移动，否则在动作范围内随机采样
type policy struct {
	spec environment.ArraySpec
	rng  *rand.Rand
}

func newPolicy(spec environment.ArraySpec, rng *rand.Rand) *policy {
	return &policy{spec: spec, rng: rng}
}

func (p *policy) act(ts environment.TimeStep) environment.Array {
	width := p.spec.Size()
	data := make([]float64, width)

	pos, okPos := ts.Observation["position"]
	goal, okGoal := ts.Observation["goal"]
	if okPos && okGoal && len(pos.Data) == width && len(goal.Data) == width {
		for i := range data {
			data[i] = p.clip(goal.Data[i] - pos.Data[i] + 0.1*p.rng.NormFloat64())
		}
	} else {
		lo, hi := -1.0, 1.0
		if p.spec.Bounded {
			lo, hi = p.spec.Minimum, p.spec.Maximum
		}
		for i := range data {
			data[i] = lo + (hi-lo)*p.rng.Float64()
		}
	}

	a := environment.Array{Data: data}
	if shaped, err := a.Reshape(p.spec.Shape...); err == nil {
		return shaped
	}
	return a
}

func (p *policy) clip(v float64) float64 {
	if !p.spec.Bounded {
		return v
	}
	return max(p.spec.Minimum, min(p.spec.Maximum, v))
}
