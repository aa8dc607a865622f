package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/envbatch/config"
	"github.com/BaSui01/envbatch/worker"
)

// =============================================================================
// 🧵 worker 命令
// =============================================================================

// runWorker 在子进程中提供一个环境。stdout 专用于协议帧，日志只写 stderr。
func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	envName := fs.String("env", "", "Registered environment to serve (default: worker.env)")
	_ = fs.Parse(args)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	name := *envName
	if name == "" {
		name = cfg.Worker.Env
	}

	logCfg := cfg.Log
	logCfg.OutputPaths = []string{"stderr"}
	logger := initLogger(logCfg).With(zap.String("env", name))
	defer logger.Sync()

	// 终端的 Ctrl-C 同时送达父进程与 worker，worker 在下一次轮询时退出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.ServeStdio(ctx, name, logger); err != nil {
		logger.Error("worker exited", zap.Error(err))
		return 1
	}
	return 0
}
