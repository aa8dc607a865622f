package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/envbatch/environment"
	"github.com/BaSui01/envbatch/internal/channel"
)

// ErrJoinTimeout is returned by Process.Wait when the worker outlives the
// join bound.
var ErrJoinTimeout = errors.New("worker did not exit within join timeout")

// LaunchOptions is passed from a Handle to its Launcher.
type LaunchOptions struct {
	ID           string
	Flatten      bool
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Launcher starts one worker in its own execution context and returns the
// orchestrator's end of its channel.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (ClientConn, Process, error)
}

// Process is the execution context a worker runs in.
type Process interface {
	// Wait blocks until the worker exits or timeout elapses, in which case
	// it returns ErrJoinTimeout.
	Wait(timeout time.Duration) error
	// Kill stops the worker without waiting for it to finish.
	Kill() error
}

// =============================================================================
// 🧵 Goroutine 隔离
// =============================================================================

// GoroutineLauncher runs each worker on its own goroutine pinned to a
// dedicated OS thread. The thread is retired when the worker exits, so
// thread-local simulator state never leaks to other goroutines.
type GoroutineLauncher struct {
	Factory environment.Factory
}

var _ Launcher = GoroutineLauncher{}

// Launch starts the supervisor. The worker outlives ctx's cancellation;
// only Kill or the channel closing stops it.
func (l GoroutineLauncher) Launch(ctx context.Context, opts LaunchOptions) (ClientConn, Process, error) {
	if l.Factory == nil {
		return nil, nil, errors.New("goroutine launcher: nil factory")
	}
	client, server := channel.Pipe[Request, Response]()
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p := &goroutineProcess{done: make(chan struct{}), cancel: cancel}
	go func() {
		runtime.LockOSThread()
		defer close(p.done)
		p.err = Serve(wctx, server, l.Factory, ServeOptions{
			ID:           opts.ID,
			Flatten:      opts.Flatten,
			PollInterval: opts.PollInterval,
			Logger:       opts.Logger,
		})
	}()
	return client, p, nil
}

type goroutineProcess struct {
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

func (p *goroutineProcess) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		p.cancel()
		return p.err
	case <-timer.C:
		return ErrJoinTimeout
	}
}

// Kill asks the supervisor to stop at its next poll. A call already running
// inside the environment cannot be interrupted.
func (p *goroutineProcess) Kill() error {
	p.cancel()
	return nil
}

// =============================================================================
// 🖥️ 子进程隔离
// =============================================================================

// Environment variables through which a ProcessLauncher configures its child.
const (
	EnvWorkerID           = "ENVBATCH_WORKER_ID"
	EnvWorkerFlatten      = "ENVBATCH_WORKER_FLATTEN"
	EnvWorkerPollInterval = "ENVBATCH_WORKER_POLL_INTERVAL"
)

// ProcessLauncher runs each worker in a child process that speaks the
// protocol as JSON over its stdin and stdout. The child is expected to call
// ServeStdio.
type ProcessLauncher struct {
	// Path of the worker binary. Empty means the running executable.
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// Stderr receives the child's stderr. Nil means os.Stderr.
	Stderr io.Writer
}

var _ Launcher = ProcessLauncher{}

func (l ProcessLauncher) Launch(_ context.Context, opts LaunchOptions) (ClientConn, Process, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		path = exe
	}

	// os.Pipe files are handed to the child directly, so cmd.Wait never
	// closes the ends this process keeps.
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create request pipe: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, nil, fmt.Errorf("create response pipe: %w", err)
	}

	stderr := l.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	cmd := exec.Command(path, l.Args...)
	cmd.Stdin = reqR
	cmd.Stdout = respW
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env,
		EnvWorkerID+"="+opts.ID,
		EnvWorkerFlatten+"="+strconv.FormatBool(opts.Flatten),
	)
	if opts.PollInterval > 0 {
		cmd.Env = append(cmd.Env, EnvWorkerPollInterval+"="+opts.PollInterval.String())
	}

	if err := cmd.Start(); err != nil {
		reqR.Close()
		reqW.Close()
		respR.Close()
		respW.Close()
		return nil, nil, fmt.Errorf("start worker process %s: %w", path, err)
	}
	reqR.Close()
	respW.Close()

	conn := channel.NewStreamConn[Request, Response](respR, reqW)
	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return conn, p, nil
}

type osProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	err      error
	killOnce sync.Once
}

func (p *osProcess) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.err
	case <-timer.C:
		return ErrJoinTimeout
	}
}

func (p *osProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}
