package batch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/envbatch/config"
	"github.com/BaSui01/envbatch/environment"
	"github.com/BaSui01/envbatch/internal/channel"
	"github.com/BaSui01/envbatch/types"
	"github.com/BaSui01/envbatch/worker"
)

// ParallelEnvironment runs N environments, one per worker, and exposes them
// as a single batched environment. All workers must report the same action
// and time step specs.
//
// A ParallelEnvironment is not safe for concurrent use; parallelism lives in
// the workers.
type ParallelEnvironment struct {
	id      string
	handles []*worker.Handle
	opts    options
	logger  *zap.Logger
	inst    *instrumentation
	closed  bool

	actionSpec      environment.ArraySpec
	observationSpec map[string]environment.ArraySpec
	timeStepSpec    environment.TimeStepSpec
}

// New starts one worker per launcher and checks that their specs agree.
// Every worker started so far is closed when construction fails.
func New(ctx context.Context, launchers []worker.Launcher, opts ...Option) (*ParallelEnvironment, error) {
	if len(launchers) == 0 {
		return nil, types.NewError(types.ErrConfiguration, "at least one environment is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.NewString()
	pe := &ParallelEnvironment{
		id:     id,
		opts:   o,
		logger: logger.With(zap.String("component", "batch"), zap.String("batch_id", id)),
		inst:   newInstrumentation(logger, o.tracerProvider),
	}

	pe.handles = make([]*worker.Handle, len(launchers))
	for i, l := range launchers {
		pe.handles[i] = worker.NewHandle(l, worker.HandleOptions{
			ID:           fmt.Sprintf("%s-%d", id[:8], i),
			Flatten:      o.flatten,
			JoinTimeout:  o.joinTimeout,
			PollInterval: o.pollInterval,
			Logger:       logger,
			Metrics:      o.metrics,
		})
	}

	pe.logger.Info("starting workers",
		zap.Int("num_envs", len(launchers)),
		zap.Bool("start_serially", o.startSerially),
		zap.Bool("blocking", o.blocking),
		zap.Bool("flatten", o.flatten),
	)

	if err := pe.start(ctx); err != nil {
		pe.closeHandles()
		return nil, err
	}
	if err := pe.checkSpecs(ctx); err != nil {
		pe.closeHandles()
		return nil, err
	}

	pe.logger.Info("all workers ready")
	return pe, nil
}

// NewFromFactories runs each factory on its own goroutine-isolated worker.
func NewFromFactories(ctx context.Context, factories []environment.Factory, opts ...Option) (*ParallelEnvironment, error) {
	launchers := make([]worker.Launcher, len(factories))
	for i, f := range factories {
		launchers[i] = worker.GoroutineLauncher{Factory: f}
	}
	return New(ctx, launchers, opts...)
}

// NewFromConfig builds a batch of cfg.Batch.NumEnvs copies of the registered
// environment cfg.Worker.Env. Options in opts override the configuration.
func NewFromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*ParallelEnvironment, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrConfiguration, "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.NewError(types.ErrConfiguration, "invalid config").WithCause(err)
	}

	var launcher worker.Launcher
	switch cfg.Batch.Isolation {
	case config.IsolationProcess:
		launcher = worker.ProcessLauncher{
			Path: cfg.Worker.Command,
			Args: cfg.Worker.Args,
			Env:  []string{"ENVBATCH_WORKER_ENV=" + cfg.Worker.Env},
		}
	default:
		factory, ok := worker.Lookup(cfg.Worker.Env)
		if !ok {
			return nil, types.Errorf(types.ErrConfiguration,
				"environment %q is not registered (known: %v)", cfg.Worker.Env, worker.Registered())
		}
		launcher = worker.GoroutineLauncher{Factory: factory}
	}

	launchers := make([]worker.Launcher, cfg.Batch.NumEnvs)
	for i := range launchers {
		launchers[i] = launcher
	}

	base := []Option{
		WithStartSerially(cfg.Batch.StartSerially),
		WithBlocking(cfg.Batch.Blocking),
		WithFlatten(cfg.Batch.Flatten),
		WithJoinTimeout(cfg.Batch.JoinTimeout),
		WithPollInterval(cfg.Batch.PollInterval),
	}
	return New(ctx, launchers, append(base, opts...)...)
}

func (pe *ParallelEnvironment) start(ctx context.Context) error {
	if pe.opts.startSerially {
		for _, h := range pe.handles {
			if err := h.Start(ctx, true); err != nil {
				return err
			}
		}
		return nil
	}

	for _, h := range pe.handles {
		if err := h.Start(ctx, false); err != nil {
			return err
		}
	}
	// 等待全部启动完成，再按编号报告最小的失败
	errs := make([]error, len(pe.handles))
	var g errgroup.Group
	for i, h := range pe.handles {
		g.Go(func() error {
			errs[i] = h.WaitStart(ctx)
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (pe *ParallelEnvironment) checkSpecs(ctx context.Context) error {
	for i, h := range pe.handles {
		actionSpec, err := h.ActionSpec(ctx)
		if err != nil {
			return err
		}
		timeStepSpec, err := h.TimeStepSpec(ctx)
		if err != nil {
			return err
		}

		if i == 0 {
			observationSpec, err := h.ObservationSpec(ctx)
			if err != nil {
				return err
			}
			pe.actionSpec = actionSpec
			pe.timeStepSpec = timeStepSpec
			pe.observationSpec = observationSpec
			continue
		}

		if diff := environment.DiffSpecs(pe.actionSpec, actionSpec); diff != "" {
			return types.Errorf(types.ErrConfiguration,
				"all environments must have the same action spec; worker %d differs (-want +got):\n%s", i, diff).
				WithWorker(h.ID())
		}
		if diff := environment.DiffSpecs(pe.timeStepSpec, timeStepSpec); diff != "" {
			return types.Errorf(types.ErrConfiguration,
				"all environments must have the same time step spec; worker %d differs (-want +got):\n%s", i, diff).
				WithWorker(h.ID())
		}
	}
	return nil
}

// =============================================================================
// 📐 属性
// =============================================================================

// ID identifies this batch in logs and spans.
func (pe *ParallelEnvironment) ID() string { return pe.id }

// Batched is always true.
func (pe *ParallelEnvironment) Batched() bool { return true }

// BatchSize is the number of environments.
func (pe *ParallelEnvironment) BatchSize() int { return len(pe.handles) }

func (pe *ParallelEnvironment) ActionSpec() environment.ArraySpec { return pe.actionSpec }

func (pe *ParallelEnvironment) ObservationSpec() map[string]environment.ArraySpec {
	return pe.observationSpec
}

func (pe *ParallelEnvironment) TimeStepSpec() environment.TimeStepSpec { return pe.timeStepSpec }

// Alive reports per-worker liveness in worker order.
func (pe *ParallelEnvironment) Alive() []bool {
	out := make([]bool, len(pe.handles))
	for i, h := range pe.handles {
		out[i] = h.Alive()
	}
	return out
}

// =============================================================================
// 🎮 批量操作
// =============================================================================

// Reset resets every environment and returns their first time steps in
// worker order.
func (pe *ParallelEnvironment) Reset(ctx context.Context) (environment.BatchedTimeStep, error) {
	ctx, end := pe.begin(ctx, "reset", len(pe.handles))
	out, err := pe.reset(ctx)
	end(err)
	return out, err
}

func (pe *ParallelEnvironment) reset(ctx context.Context) (environment.BatchedTimeStep, error) {
	if err := pe.checkOpen(); err != nil {
		return nil, err
	}
	return fanOut(ctx, pe, pe.all(), pe.opts.blocking, func(_, i int) *worker.Promise[environment.TimeStep] {
		return pe.handles[i].Reset(ctx)
	})
}

// Step splits actions into per-environment rows and steps every worker not
// listed in skip. Row j goes to the j-th dispatched worker; the result is
// aligned the same way.
func (pe *ParallelEnvironment) Step(ctx context.Context, actions environment.Array, skip ...int) (environment.BatchedTimeStep, error) {
	indices, skipErr := environment.DispatchedIndices(len(pe.handles), skip)
	ctx, end := pe.begin(ctx, "step", len(indices))
	out, err := pe.step(ctx, actions, indices, skipErr)
	end(err)
	return out, err
}

func (pe *ParallelEnvironment) step(ctx context.Context, actions environment.Array, indices []int, skipErr error) (environment.BatchedTimeStep, error) {
	if err := pe.checkOpen(); err != nil {
		return nil, err
	}
	if skipErr != nil {
		return nil, skipErr
	}
	rows, err := environment.UnstackActions(actions, pe.actionSpec)
	if err != nil {
		return nil, err
	}
	if len(rows) != len(indices) {
		return nil, types.Errorf(types.ErrInvalidAction,
			"got %d actions for %d dispatched environments", len(rows), len(indices))
	}

	return fanOut(ctx, pe, indices, pe.opts.blocking, func(j, i int) *worker.Promise[environment.TimeStep] {
		return pe.handles[i].Step(ctx, rows[j])
	})
}

// Seed seeds environment i with seeds[i] and returns the seeds each one
// reports.
func (pe *ParallelEnvironment) Seed(ctx context.Context, seeds []int64) ([][]int64, error) {
	ctx, end := pe.begin(ctx, "seed", len(seeds))
	out, err := pe.seed(ctx, seeds)
	end(err)
	return out, err
}

func (pe *ParallelEnvironment) seed(ctx context.Context, seeds []int64) ([][]int64, error) {
	if err := pe.checkOpen(); err != nil {
		return nil, err
	}
	if len(seeds) != len(pe.handles) {
		return nil, types.Errorf(types.ErrConfiguration,
			"number of seeds (%d) must match the number of environments (%d)", len(seeds), len(pe.handles))
	}
	return fanOut(ctx, pe, pe.all(), false, func(_, i int) *worker.Promise[[]int64] {
		return pe.handles[i].Seed(ctx, seeds[i])
	})
}

// ReloadModel reloads environment i with modelIDs[i].
func (pe *ParallelEnvironment) ReloadModel(ctx context.Context, modelIDs []string) error {
	ctx, end := pe.begin(ctx, "reload_model", len(modelIDs))
	err := pe.reloadModel(ctx, modelIDs)
	end(err)
	return err
}

func (pe *ParallelEnvironment) reloadModel(ctx context.Context, modelIDs []string) error {
	if err := pe.checkOpen(); err != nil {
		return err
	}
	if len(modelIDs) != len(pe.handles) {
		return types.Errorf(types.ErrConfiguration,
			"number of model ids (%d) must match the number of environments (%d)", len(modelIDs), len(pe.handles))
	}
	_, err := fanOut(ctx, pe, pe.all(), false, func(_, i int) *worker.Promise[struct{}] {
		return pe.handles[i].ReloadModel(ctx, modelIDs[i])
	})
	return err
}

// Render returns one frame per environment.
func (pe *ParallelEnvironment) Render(ctx context.Context) ([]environment.Array, error) {
	ctx, end := pe.begin(ctx, "render", len(pe.handles))
	out, err := pe.render(ctx)
	end(err)
	return out, err
}

func (pe *ParallelEnvironment) render(ctx context.Context) ([]environment.Array, error) {
	if err := pe.checkOpen(); err != nil {
		return nil, err
	}
	return fanOut(ctx, pe, pe.all(), pe.opts.blocking, func(_, i int) *worker.Promise[environment.Array] {
		return pe.handles[i].Render(ctx)
	})
}

// Access reads field from every environment. Under process isolation the
// values arrive as generic JSON; DecodeAll restores a concrete type.
func (pe *ParallelEnvironment) Access(ctx context.Context, field worker.Field) ([]any, error) {
	ctx, end := pe.begin(ctx, "access", len(pe.handles))
	out, err := pe.collect(ctx, func(_ int, h *worker.Handle) *worker.Promise[any] {
		return h.Access(ctx, field)
	})
	end(err)
	return out, err
}

// Attribute reads a named attribute from every environment.
func (pe *ParallelEnvironment) Attribute(ctx context.Context, name string) ([]any, error) {
	ctx, end := pe.begin(ctx, "attribute", len(pe.handles))
	out, err := pe.collect(ctx, func(_ int, h *worker.Handle) *worker.Promise[any] {
		return h.Attribute(ctx, name)
	})
	end(err)
	return out, err
}

// Call invokes op on every environment with args[i] as environment i's
// arguments. Nil args calls op without arguments everywhere.
func (pe *ParallelEnvironment) Call(ctx context.Context, op worker.Operation, args [][]any) ([]any, error) {
	ctx, end := pe.begin(ctx, "call", len(pe.handles))
	var out []any
	err := pe.checkArgs(args)
	if err == nil {
		out, err = pe.collect(ctx, func(i int, h *worker.Handle) *worker.Promise[any] {
			return h.Call(ctx, op, argsAt(args, i)...)
		})
	}
	end(err)
	return out, err
}

// CallMethod invokes a named environment method everywhere, like Call.
func (pe *ParallelEnvironment) CallMethod(ctx context.Context, name string, args [][]any) ([]any, error) {
	ctx, end := pe.begin(ctx, "method", len(pe.handles))
	var out []any
	err := pe.checkArgs(args)
	if err == nil {
		out, err = pe.collect(ctx, func(i int, h *worker.Handle) *worker.Promise[any] {
			return h.CallMethod(ctx, name, argsAt(args, i)...)
		})
	}
	end(err)
	return out, err
}

// DecodeAll converts the results of Access, Attribute, Call or CallMethod
// to T, so that callers see the same types under goroutine and process
// isolation.
func DecodeAll[T any](values []any) ([]T, error) {
	out := make([]T, len(values))
	for i, v := range values {
		decoded, err := worker.Decode[T](v)
		if err != nil {
			return nil, types.Errorf(types.ErrProtocol, "decode result %d: %v", i, err).WithCause(err)
		}
		out[i] = decoded
	}
	return out, nil
}

func (pe *ParallelEnvironment) collect(ctx context.Context, dispatch func(i int, h *worker.Handle) *worker.Promise[any]) ([]any, error) {
	if err := pe.checkOpen(); err != nil {
		return nil, err
	}
	return fanOut(ctx, pe, pe.all(), pe.opts.blocking, func(_, i int) *worker.Promise[any] {
		return dispatch(i, pe.handles[i])
	})
}

func (pe *ParallelEnvironment) checkArgs(args [][]any) error {
	if args != nil && len(args) != len(pe.handles) {
		return types.Errorf(types.ErrConfiguration,
			"number of argument lists (%d) must match the number of environments (%d)", len(args), len(pe.handles))
	}
	return nil
}

func argsAt(args [][]any, i int) []any {
	if args == nil {
		return nil
	}
	return args[i]
}

// fanOut dispatches to the workers at indices and awaits every promise, in
// index order. In blocking mode each promise is awaited before the next
// dispatch. A failed worker does not stop the others: the lowest-index
// failure is returned together with every result, failed slots holding the
// zero value. Nothing is dispatched if a worker at indices is already dead.
func fanOut[T any](ctx context.Context, pe *ParallelEnvironment, indices []int, blocking bool, dispatch func(j, i int) *worker.Promise[T]) ([]T, error) {
	for _, i := range indices {
		if h := pe.handles[i]; !h.Alive() {
			return nil, types.Errorf(types.ErrWorkerDead,
				"worker %d is dead; skip it or rebuild the batch", i).WithWorker(h.ID())
		}
	}

	results := make([]T, len(indices))
	errs := make([]error, len(indices))

	if blocking {
		for j, i := range indices {
			results[j], errs[j] = dispatch(j, i).Await(ctx)
		}
	} else {
		promises := make([]*worker.Promise[T], len(indices))
		for j, i := range indices {
			promises[j] = dispatch(j, i)
		}
		for j, p := range promises {
			results[j], errs[j] = p.Await(ctx)
		}
	}

	var first error
	for j, err := range errs {
		if err == nil {
			continue
		}
		pe.logger.Error("worker request failed",
			zap.Int("index", indices[j]),
			zap.String("worker_id", pe.handles[indices[j]].ID()),
			zap.Error(err),
		)
		if first == nil {
			first = err
		}
	}
	return results, first
}

func (pe *ParallelEnvironment) all() []int {
	indices := make([]int, len(pe.handles))
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func (pe *ParallelEnvironment) checkOpen() error {
	if pe.closed {
		return types.NewError(types.ErrTransport, "parallel environment is closed").WithCause(channel.ErrClosed)
	}
	return nil
}

// =============================================================================
// 🛑 关闭
// =============================================================================

// Close shuts every worker down, each bounded by the join timeout. Calling
// it again is a no-op.
func (pe *ParallelEnvironment) Close() error {
	if pe.closed {
		return nil
	}
	pe.closed = true
	pe.logger.Info("closing all workers")
	pe.closeHandles()
	pe.logger.Info("all workers closed")
	return nil
}

func (pe *ParallelEnvironment) closeHandles() {
	var g errgroup.Group
	for _, h := range pe.handles {
		g.Go(h.Close)
	}
	_ = g.Wait()
}
