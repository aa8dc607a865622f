package worker

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/envbatch/environment"
	"github.com/BaSui01/envbatch/internal/channel"
)

// =============================================================================
// 📋 子进程环境注册表
// =============================================================================

var (
	registryMu sync.RWMutex
	registry   = make(map[string]environment.Factory)
)

// Register makes factory available to ServeStdio under name. It panics on
// a duplicate name or a nil factory, and is meant to be called from init.
func Register(name string, factory environment.Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("worker: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("worker: Register called twice for environment " + name)
	}
	registry[name] = factory
}

// Lookup returns the factory registered under name.
func Lookup(name string) (environment.Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Registered lists the registered environment names in sorted order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OptionsFromEnv reads the options a ProcessLauncher passes to its child.
func OptionsFromEnv() ServeOptions {
	opts := ServeOptions{ID: os.Getenv(EnvWorkerID)}
	if v, err := strconv.ParseBool(os.Getenv(EnvWorkerFlatten)); err == nil {
		opts.Flatten = v
	}
	if d, err := time.ParseDuration(os.Getenv(EnvWorkerPollInterval)); err == nil {
		opts.PollInterval = d
	}
	return opts
}

// ServeStdio serves the environment registered under name over the process's
// stdin and stdout. Anything else the process writes must go to stderr.
// An unknown name is reported to the parent as a startup failure.
func ServeStdio(ctx context.Context, name string, logger *zap.Logger) error {
	factory, ok := Lookup(name)
	if !ok {
		factory = func() (environment.Environment, error) {
			return nil, fmt.Errorf("environment %q is not registered (known: %v)", name, Registered())
		}
	}
	opts := OptionsFromEnv()
	opts.Logger = logger
	conn := channel.NewStdioConn[Response, Request]()
	return Serve(ctx, conn, factory, opts)
}
