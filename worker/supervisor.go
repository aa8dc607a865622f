package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/envbatch/environment"
	"github.com/BaSui01/envbatch/internal/channel"
	"github.com/BaSui01/envbatch/types"
)

// DefaultPollInterval bounds how long an idle worker waits before it checks
// for cancellation again.
const DefaultPollInterval = 100 * time.Millisecond

// ServeOptions configures a worker supervisor.
type ServeOptions struct {
	ID string
	// Flatten makes step accept a raw []float64 action and makes reset and
	// step reply with environment.FlatTimeStep.
	Flatten      bool
	PollInterval time.Duration
	Logger       *zap.Logger
}

// =============================================================================
// 🔄 Supervisor 状态机
// =============================================================================

type supervisorState int

const (
	stateConstructing supervisorState = iota
	stateReady
	stateServicing
	stateTerminated
)

func (s supervisorState) String() string {
	switch s {
	case stateConstructing:
		return "constructing"
	case stateReady:
		return "ready"
	case stateServicing:
		return "servicing"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type supervisor struct {
	conn    ServerConn
	factory environment.Factory
	opts    ServeOptions
	logger  *zap.Logger

	env   environment.Environment
	state supervisorState
}

// Serve constructs one environment with factory and services requests from
// conn until CLOSE arrives, the peer goes away, ctx is cancelled or a
// request fails. It always closes conn before returning.
//
// A failed construction is reported to the peer as an EXCEPTION in place of
// READY. A failed request is reported as an EXCEPTION, after which the
// environment is closed and Serve returns the failure.
func Serve(ctx context.Context, conn ServerConn, factory environment.Factory, opts ServeOptions) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &supervisor{
		conn:    conn,
		factory: factory,
		opts:    opts,
		logger:  logger.With(zap.String("component", "worker"), zap.String("worker_id", opts.ID)),
	}
	defer conn.Close()
	return s.run(ctx)
}

func (s *supervisor) transition(to supervisorState) {
	s.logger.Debug("state transition",
		zap.Stringer("from", s.state),
		zap.Stringer("to", to),
	)
	s.state = to
}

func (s *supervisor) run(ctx context.Context) error {
	s.state = stateConstructing

	env, stack, err := s.construct()
	if err != nil {
		s.logger.Error("environment construction failed", zap.Error(err))
		s.sendException(ctx, types.ErrStartupFailure, err, stack)
		s.transition(stateTerminated)
		return types.NewError(types.ErrStartupFailure, "environment construction failed").
			WithWorker(s.opts.ID).WithCause(err)
	}
	s.env = env

	if err := s.conn.Send(ctx, Response{Kind: MsgReady}); err != nil {
		s.closeEnv()
		s.transition(stateTerminated)
		return types.NewError(types.ErrTransport, "send ready").WithWorker(s.opts.ID).WithCause(err)
	}
	s.transition(stateReady)

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Debug("shutdown requested", zap.Error(err))
			s.closeEnv()
			s.transition(stateTerminated)
			return nil
		}

		ok, err := s.conn.Poll(s.opts.PollInterval)
		if err != nil {
			s.closeEnv()
			s.transition(stateTerminated)
			if errors.Is(err, io.EOF) || errors.Is(err, channel.ErrClosed) {
				s.logger.Debug("channel closed by peer")
				return nil
			}
			return types.NewError(types.ErrTransport, "poll channel").WithWorker(s.opts.ID).WithCause(err)
		}
		if !ok {
			continue
		}

		req, err := s.conn.Recv(ctx)
		if err != nil {
			continue
		}

		s.transition(stateServicing)
		done, err := s.service(ctx, req)
		if done {
			s.transition(stateTerminated)
			return err
		}
		s.transition(stateReady)
	}
}

func (s *supervisor) construct() (env environment.Environment, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			env = nil
			stack = string(debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if s.factory == nil {
		return nil, "", errors.New("nil environment factory")
	}
	env, err = s.factory()
	if err == nil && env == nil {
		err = errors.New("factory returned nil environment")
	}
	return env, "", err
}

// service handles one request and reports whether the worker must stop.
func (s *supervisor) service(ctx context.Context, req Request) (bool, error) {
	switch req.Kind {
	case MsgAccess:
		return s.reply(ctx, req, func() (any, error) { return s.access(req) })
	case MsgCall:
		return s.reply(ctx, req, func() (any, error) { return s.call(req) })
	case MsgClose:
		s.logger.Debug("close requested")
		s.closeEnv()
		return true, nil
	default:
		err := fmt.Errorf("unknown request kind %s", req.Kind)
		s.logger.Error("protocol violation", zap.Error(err))
		s.sendException(ctx, types.ErrProtocol, err, "")
		s.closeEnv()
		return true, types.NewError(types.ErrProtocol, "unknown request kind").WithWorker(s.opts.ID).WithCause(err)
	}
}

func (s *supervisor) reply(ctx context.Context, req Request, fn func() (any, error)) (bool, error) {
	result, stack, err := invoke(fn)
	switch {
	case err == nil:
		sendErr := s.conn.Send(ctx, Response{Kind: MsgResult, Payload: result})
		if sendErr == nil {
			return false, nil
		}
		if errors.Is(sendErr, channel.ErrEncode) {
			// 结果无法编码时通道仍可用，以 EXCEPTION 告知调用方
			s.logger.Error("result not encodable",
				zap.Stringer("kind", req.Kind),
				zap.String("op", string(req.Op)),
				zap.String("name", req.Name),
				zap.Error(sendErr),
			)
			s.sendException(ctx, types.ErrRemoteExecution, sendErr, "")
			s.closeEnv()
			return true, types.NewError(types.ErrRemoteExecution, "encode result").WithWorker(s.opts.ID).WithCause(sendErr)
		}
		s.closeEnv()
		return true, types.NewError(types.ErrTransport, "send result").WithWorker(s.opts.ID).WithCause(sendErr)

	case types.IsCode(err, types.ErrRejected):
		s.logger.Warn("request rejected",
			zap.Stringer("kind", req.Kind),
			zap.String("field", string(req.Field)),
			zap.String("op", string(req.Op)),
			zap.String("name", req.Name),
		)
		resp := Response{Kind: MsgRejected, Err: &RemoteError{Code: string(types.ErrRejected), Message: err.Error()}}
		if sendErr := s.conn.Send(ctx, resp); sendErr != nil {
			s.closeEnv()
			return true, types.NewError(types.ErrTransport, "send rejection").WithWorker(s.opts.ID).WithCause(sendErr)
		}
		return false, nil

	default:
		s.logger.Error("request failed",
			zap.Stringer("kind", req.Kind),
			zap.String("field", string(req.Field)),
			zap.String("op", string(req.Op)),
			zap.Error(err),
		)
		code := types.GetErrorCode(err)
		if code == "" {
			code = types.ErrRemoteExecution
		}
		s.sendException(ctx, code, err, stack)
		s.closeEnv()
		return true, types.NewError(types.ErrRemoteExecution, "request failed").WithWorker(s.opts.ID).WithCause(err)
	}
}

// invoke runs fn and converts a panic into an error with the goroutine stack.
func invoke(fn func() (any, error)) (result any, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			stack = string(debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	result, err = fn()
	return result, "", err
}

func (s *supervisor) access(req Request) (any, error) {
	switch req.Field {
	case FieldActionSpec:
		return s.env.ActionSpec(), nil
	case FieldObservationSpec:
		return s.env.ObservationSpec(), nil
	case FieldTimeStepSpec:
		return s.env.TimeStepSpec(), nil
	case FieldAttribute:
		provider, ok := s.env.(environment.AttributeProvider)
		if !ok {
			return nil, types.Errorf(types.ErrRejected, "environment exposes no attributes")
		}
		value, ok, err := provider.Attribute(req.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, types.Errorf(types.ErrRejected, "unknown attribute %q", req.Name)
		}
		return value, nil
	default:
		return nil, types.Errorf(types.ErrRejected, "unsupported field %q", req.Field)
	}
}

func (s *supervisor) call(req Request) (any, error) {
	switch req.Op {
	case OpReset:
		ts, err := s.env.Reset()
		if err != nil {
			return nil, err
		}
		return s.encodeTimeStep(ts)

	case OpStep:
		action, err := s.decodeAction(req)
		if err != nil {
			return nil, err
		}
		ts, err := s.env.Step(action)
		if err != nil {
			return nil, err
		}
		return s.encodeTimeStep(ts)

	case OpSeed:
		seed, err := argAt[int64](req, 0)
		if err != nil {
			return nil, err
		}
		return s.env.Seed(seed)

	case OpReloadModel:
		modelID, err := argAt[string](req, 0)
		if err != nil {
			return nil, err
		}
		return nil, s.env.ReloadModel(modelID)

	case OpRender:
		renderer, ok := s.env.(environment.Renderer)
		if !ok {
			return nil, types.Errorf(types.ErrRejected, "environment cannot render")
		}
		return renderer.Render()

	case OpMethod:
		caller, ok := s.env.(environment.MethodCaller)
		if !ok {
			return nil, types.Errorf(types.ErrRejected, "environment exposes no methods")
		}
		result, ok, err := caller.CallMethod(req.Name, req.Args)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, types.Errorf(types.ErrRejected, "unknown method %q", req.Name)
		}
		return result, nil

	default:
		return nil, types.Errorf(types.ErrRejected, "unsupported operation %q", req.Op)
	}
}

func (s *supervisor) decodeAction(req Request) (environment.Array, error) {
	if !s.opts.Flatten {
		return argAt[environment.Array](req, 0)
	}
	raw, err := argAt[environment.Values](req, 0)
	if err != nil {
		return environment.Array{}, err
	}
	return environment.UnflattenAction(s.env.ActionSpec(), raw)
}

func (s *supervisor) encodeTimeStep(ts environment.TimeStep) (any, error) {
	if !s.opts.Flatten {
		return ts, nil
	}
	return environment.FlattenTimeStep(s.env.TimeStepSpec(), ts)
}

func (s *supervisor) sendException(ctx context.Context, code types.ErrorCode, err error, stack string) {
	resp := Response{
		Kind: MsgException,
		Err: &RemoteError{
			Code:    string(code),
			Message: err.Error(),
			Stack:   stack,
		},
	}
	if sendErr := s.conn.Send(ctx, resp); sendErr != nil {
		s.logger.Warn("failed to relay exception", zap.Error(sendErr))
	}
}

func (s *supervisor) closeEnv() {
	if s.env == nil {
		return
	}
	env := s.env
	s.env = nil

	_, stack, err := invoke(func() (any, error) { return nil, env.Close() })
	if err != nil {
		s.logger.Warn("environment close failed", zap.Error(err), zap.String("stack", stack))
	}
}
