package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/envbatch/environment"
	"github.com/BaSui01/envbatch/internal/channel"
	"github.com/BaSui01/envbatch/internal/metrics"
	"github.com/BaSui01/envbatch/types"
)

// DefaultJoinTimeout bounds how long Close waits for a worker to exit.
const DefaultJoinTimeout = 5 * time.Second

// HandleOptions configures a Handle.
type HandleOptions struct {
	ID           string
	Flatten      bool
	JoinTimeout  time.Duration
	PollInterval time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Collector
}

// Handle is the orchestrator-side proxy of one worker. It owns the worker's
// channel and execution context, caches the environment's specs after the
// first fetch and tracks liveness.
//
// At most one request may be outstanding: a new request is refused with
// REQUEST_IN_FLIGHT until the previous promise has been awaited.
type Handle struct {
	launcher Launcher
	opts     HandleOptions
	logger   *zap.Logger

	conn ClientConn
	proc Process

	mu       sync.Mutex
	started  bool
	ready    bool
	dead     bool
	closed   bool
	inFlight bool
	counted  bool

	actionSpec      *environment.ArraySpec
	observationSpec map[string]environment.ArraySpec
	timeStepSpec    *environment.TimeStepSpec
}

// NewHandle creates a handle; the worker is not started until Start.
func NewHandle(launcher Launcher, opts HandleOptions) *Handle {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Logger = logger
	return &Handle{
		launcher: launcher,
		opts:     opts,
		logger:   logger.With(zap.String("component", "handle"), zap.String("worker_id", opts.ID)),
	}
}

// ID returns the worker ID.
func (h *Handle) ID() string { return h.opts.ID }

// Alive reports whether the worker is ready and has neither failed nor been
// closed.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready && !h.dead && !h.closed
}

// =============================================================================
// 🚀 启动
// =============================================================================

// Start launches the worker. With waitToStart it also waits for READY.
func (h *Handle) Start(ctx context.Context, waitToStart bool) error {
	h.mu.Lock()
	if h.started || h.closed {
		h.mu.Unlock()
		return types.NewError(types.ErrConfiguration, "handle already started").WithWorker(h.opts.ID)
	}
	h.started = true
	h.mu.Unlock()

	conn, proc, err := h.launcher.Launch(ctx, LaunchOptions{
		ID:           h.opts.ID,
		Flatten:      h.opts.Flatten,
		PollInterval: h.opts.PollInterval,
		Logger:       h.opts.Logger,
	})
	if err != nil {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.opts.Metrics.RecordWorkerFailure(string(types.ErrStartupFailure))
		return types.NewError(types.ErrStartupFailure, "launch worker").WithWorker(h.opts.ID).WithCause(err)
	}

	h.mu.Lock()
	h.conn, h.proc = conn, proc
	h.mu.Unlock()
	h.logger.Debug("worker launched")

	if waitToStart {
		return h.WaitStart(ctx)
	}
	return nil
}

// WaitStart waits for the worker's READY. A construction failure in the
// worker is returned here once as STARTUP_FAILURE and the handle is torn
// down.
func (h *Handle) WaitStart(ctx context.Context) error {
	h.mu.Lock()
	switch {
	case !h.started || h.conn == nil:
		h.mu.Unlock()
		return types.NewError(types.ErrConfiguration, "worker not started").WithWorker(h.opts.ID)
	case h.closed:
		h.mu.Unlock()
		return types.NewError(types.ErrTransport, "handle is closed").WithWorker(h.opts.ID).WithCause(channel.ErrClosed)
	case h.ready:
		h.mu.Unlock()
		return nil
	}
	conn := h.conn
	h.mu.Unlock()

	resp, err := conn.Recv(ctx)
	if err != nil {
		h.failStart()
		return types.NewError(types.ErrStartupFailure, "worker exited before ready").WithWorker(h.opts.ID).WithCause(err)
	}

	switch resp.Kind {
	case MsgReady:
		h.mu.Lock()
		h.ready = true
		h.counted = true
		h.mu.Unlock()
		h.opts.Metrics.WorkerStarted()
		h.logger.Debug("worker ready")
		return nil
	case MsgException:
		h.failStart()
		return h.remoteError(types.ErrStartupFailure, resp.Err)
	default:
		h.failStart()
		return types.Errorf(types.ErrProtocol, "expected ready, got %s", resp.Kind).WithWorker(h.opts.ID)
	}
}

func (h *Handle) failStart() {
	h.opts.Metrics.RecordWorkerFailure(string(types.ErrStartupFailure))
	h.mu.Lock()
	h.dead = true
	h.mu.Unlock()
	_ = h.Close()
}

// =============================================================================
// 📨 请求分发
// =============================================================================

// Access reads an enumerated field. The payload type depends on the
// launcher; convert it with Decode.
func (h *Handle) Access(ctx context.Context, field Field) *Promise[any] {
	return h.dispatch(ctx, Request{Kind: MsgAccess, Field: field})
}

// Attribute reads a named attribute through environment.AttributeProvider.
// Like Access, the payload needs Decode for a stable type.
func (h *Handle) Attribute(ctx context.Context, name string) *Promise[any] {
	return h.dispatch(ctx, Request{Kind: MsgAccess, Field: FieldAttribute, Name: name})
}

// Call invokes an enumerated operation.
func (h *Handle) Call(ctx context.Context, op Operation, args ...any) *Promise[any] {
	return h.dispatch(ctx, Request{Kind: MsgCall, Op: op, Args: args})
}

// CallMethod invokes a named method through environment.MethodCaller.
func (h *Handle) CallMethod(ctx context.Context, name string, args ...any) *Promise[any] {
	return h.dispatch(ctx, Request{Kind: MsgCall, Op: OpMethod, Name: name, Args: args})
}

func (h *Handle) dispatch(ctx context.Context, req Request) *Promise[any] {
	if err := h.acquire(); err != nil {
		h.opts.Metrics.RecordWorkerRequest(req.Kind.String(), err)
		return Rejected[any](err)
	}
	if err := h.conn.Send(ctx, req); err != nil {
		h.release()
		if errors.Is(err, channel.ErrPeerClosed) {
			h.markDead()
		}
		err = types.NewError(types.ErrTransport, "send request").WithWorker(h.opts.ID).WithCause(err)
		h.opts.Metrics.RecordWorkerRequest(req.Kind.String(), err)
		return Rejected[any](err)
	}
	return newPromise(func(ctx context.Context) (any, error) {
		payload, err := h.receive(ctx, req)
		h.opts.Metrics.RecordWorkerRequest(req.Kind.String(), err)
		return payload, err
	})
}

func (h *Handle) acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		return types.NewError(types.ErrTransport, "handle is closed").WithWorker(h.opts.ID).WithCause(channel.ErrClosed)
	case h.dead:
		return types.NewError(types.ErrWorkerDead, "worker has terminated").WithWorker(h.opts.ID)
	case !h.ready:
		return types.NewError(types.ErrWorkerDead, "worker is not ready").WithWorker(h.opts.ID)
	case h.inFlight:
		return types.NewError(types.ErrRequestInFlight, "previous request has not been awaited").WithWorker(h.opts.ID)
	}
	h.inFlight = true
	return nil
}

func (h *Handle) release() {
	h.mu.Lock()
	h.inFlight = false
	h.mu.Unlock()
}

func (h *Handle) receive(ctx context.Context, req Request) (any, error) {
	resp, err := h.conn.Recv(ctx)
	h.release()
	if err != nil {
		// The reply is still owed; the channel can no longer be trusted.
		h.markDead()
		if errors.Is(err, io.EOF) || errors.Is(err, channel.ErrClosed) {
			return nil, types.NewError(types.ErrTransport, "worker channel closed").WithWorker(h.opts.ID).WithCause(err)
		}
		return nil, types.NewError(types.ErrTransport, "receive response").WithWorker(h.opts.ID).WithCause(err)
	}

	switch resp.Kind {
	case MsgResult:
		return resp.Payload, nil
	case MsgRejected:
		msg := "request rejected"
		if resp.Err != nil {
			msg = resp.Err.Message
		}
		return nil, types.NewError(types.ErrRejected, msg).WithWorker(h.opts.ID)
	case MsgException:
		h.markDead()
		h.opts.Metrics.RecordWorkerFailure(string(types.ErrRemoteExecution))
		h.logger.Error("worker raised",
			zap.Stringer("kind", req.Kind),
			zap.String("op", string(req.Op)),
			zap.String("field", string(req.Field)),
		)
		return nil, h.remoteError(types.ErrRemoteExecution, resp.Err)
	default:
		h.opts.Metrics.RecordWorkerFailure(string(types.ErrProtocol))
		h.logger.Error("unexpected response tag", zap.Stringer("kind", resp.Kind))
		_ = h.Close()
		return nil, types.Errorf(types.ErrProtocol, "unexpected response %s", resp.Kind).WithWorker(h.opts.ID)
	}
}

func (h *Handle) remoteError(code types.ErrorCode, remote *RemoteError) error {
	if remote == nil {
		return types.NewError(code, "worker failed without detail").WithWorker(h.opts.ID)
	}
	return types.Errorf(code, "%s: %s", remote.Code, remote.Message).
		WithWorker(h.opts.ID).
		WithStack(remote.Stack)
}

func (h *Handle) markDead() {
	h.mu.Lock()
	h.dead = true
	counted := h.counted
	h.counted = false
	h.mu.Unlock()
	if counted {
		h.opts.Metrics.WorkerStopped()
	}
}

// =============================================================================
// 📐 规格（首次获取后缓存）
// =============================================================================

// ActionSpec returns the worker's action spec.
func (h *Handle) ActionSpec(ctx context.Context) (environment.ArraySpec, error) {
	h.mu.Lock()
	cached := h.actionSpec
	h.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	spec, err := fetch[environment.ArraySpec](ctx, h, FieldActionSpec)
	if err != nil {
		return environment.ArraySpec{}, err
	}
	h.mu.Lock()
	h.actionSpec = &spec
	h.mu.Unlock()
	return spec, nil
}

// ObservationSpec returns the worker's observation spec.
func (h *Handle) ObservationSpec(ctx context.Context) (map[string]environment.ArraySpec, error) {
	h.mu.Lock()
	cached := h.observationSpec
	h.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	spec, err := fetch[map[string]environment.ArraySpec](ctx, h, FieldObservationSpec)
	if err != nil {
		return nil, err
	}
	if spec == nil {
		spec = map[string]environment.ArraySpec{}
	}
	h.mu.Lock()
	h.observationSpec = spec
	h.mu.Unlock()
	return spec, nil
}

// TimeStepSpec returns the worker's time step spec.
func (h *Handle) TimeStepSpec(ctx context.Context) (environment.TimeStepSpec, error) {
	h.mu.Lock()
	cached := h.timeStepSpec
	h.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	spec, err := fetch[environment.TimeStepSpec](ctx, h, FieldTimeStepSpec)
	if err != nil {
		return environment.TimeStepSpec{}, err
	}
	h.mu.Lock()
	h.timeStepSpec = &spec
	h.mu.Unlock()
	return spec, nil
}

func fetch[T any](ctx context.Context, h *Handle, field Field) (T, error) {
	return Then(h.Access(ctx, field), decodePayload[T]).Await(ctx)
}

func decodePayload[T any](v any) (T, error) {
	out, err := decodeAs[T](v)
	if err != nil {
		return out, types.NewError(types.ErrProtocol, "malformed payload").WithCause(err)
	}
	return out, nil
}

// =============================================================================
// 🎮 环境操作
// =============================================================================

// Reset dispatches reset.
func (h *Handle) Reset(ctx context.Context) *Promise[environment.TimeStep] {
	decode, err := h.timeStepDecoder(ctx)
	if err != nil {
		return Rejected[environment.TimeStep](err)
	}
	return Then(h.Call(ctx, OpReset), decode)
}

// Step dispatches step with one action. In flatten mode only the action's
// raw values travel.
func (h *Handle) Step(ctx context.Context, action environment.Array) *Promise[environment.TimeStep] {
	decode, err := h.timeStepDecoder(ctx)
	if err != nil {
		return Rejected[environment.TimeStep](err)
	}
	var arg any = action
	if h.opts.Flatten {
		arg = environment.Values(action.Data)
	}
	return Then(h.Call(ctx, OpStep, arg), decode)
}

// Seed dispatches seed and returns the seeds the environment used.
func (h *Handle) Seed(ctx context.Context, seed int64) *Promise[[]int64] {
	return Then(h.Call(ctx, OpSeed, seed), decodePayload[[]int64])
}

// ReloadModel dispatches reload_model.
func (h *Handle) ReloadModel(ctx context.Context, modelID string) *Promise[struct{}] {
	return Then(h.Call(ctx, OpReloadModel, modelID), func(any) (struct{}, error) { return struct{}{}, nil })
}

// Render dispatches render.
func (h *Handle) Render(ctx context.Context) *Promise[environment.Array] {
	return Then(h.Call(ctx, OpRender), decodePayload[environment.Array])
}

// timeStepDecoder fetches the time step spec up front in flatten mode so
// the returned promise's decode needs no further round trip.
func (h *Handle) timeStepDecoder(ctx context.Context) (func(any) (environment.TimeStep, error), error) {
	if !h.opts.Flatten {
		return decodePayload[environment.TimeStep], nil
	}
	spec, err := h.TimeStepSpec(ctx)
	if err != nil {
		return nil, err
	}
	return func(v any) (environment.TimeStep, error) {
		flat, err := decodePayload[environment.FlatTimeStep](v)
		if err != nil {
			return environment.TimeStep{}, err
		}
		ts, err := environment.UnflattenTimeStep(spec, flat)
		if err != nil {
			return environment.TimeStep{}, types.NewError(types.ErrProtocol, "unflatten time step").WithCause(err)
		}
		return ts, nil
	}, nil
}

// =============================================================================
// 🛑 关闭
// =============================================================================

// Close sends CLOSE to a live worker, closes the channel and joins the
// worker for at most JoinTimeout, killing it if it overstays. Closing twice
// is a no-op; transport errors during close are logged, not returned.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sendClose := h.ready && !h.dead
	counted := h.counted
	h.counted = false
	conn, proc := h.conn, h.proc
	h.mu.Unlock()

	if counted {
		h.opts.Metrics.WorkerStopped()
	}
	if conn == nil {
		return nil
	}

	if sendClose {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.JoinTimeout)
		if err := conn.Send(ctx, Request{Kind: MsgClose}); err != nil {
			h.logger.Debug("close request not delivered", zap.Error(err))
		}
		cancel()
	}
	if err := conn.Close(); err != nil {
		h.logger.Debug("close channel", zap.Error(err))
	}

	err := proc.Wait(h.opts.JoinTimeout)
	switch {
	case errors.Is(err, ErrJoinTimeout):
		h.logger.Warn("worker did not exit in time, killing",
			zap.Duration("join_timeout", h.opts.JoinTimeout))
		if killErr := proc.Kill(); killErr != nil {
			h.logger.Warn("kill worker", zap.Error(killErr))
		}
	case err != nil:
		h.logger.Debug("worker exited with error", zap.Error(err))
	default:
		h.logger.Debug("worker joined")
	}
	return nil
}

func (h *Handle) String() string {
	return fmt.Sprintf("worker(%s)", h.opts.ID)
}
