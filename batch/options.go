package batch

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/envbatch/internal/metrics"
	"github.com/BaSui01/envbatch/worker"
)

// Option configures a ParallelEnvironment.
type Option func(*options)

type options struct {
	startSerially bool
	blocking      bool
	flatten       bool
	joinTimeout   time.Duration
	pollInterval  time.Duration
	logger        *zap.Logger
	metrics       *metrics.Collector

	tracerProvider trace.TracerProvider
}

func defaultOptions() options {
	return options{
		startSerially: true,
		joinTimeout:   worker.DefaultJoinTimeout,
		pollInterval:  worker.DefaultPollInterval,
	}
}

// WithStartSerially starts and waits for each worker in turn when true
// (the default). When false all workers are started first and their READY
// replies are awaited together.
func WithStartSerially(serial bool) Option {
	return func(o *options) { o.startSerially = serial }
}

// WithBlocking awaits every dispatch immediately instead of dispatching to
// all workers before awaiting any.
func WithBlocking(blocking bool) Option {
	return func(o *options) { o.blocking = blocking }
}

// WithFlatten sends actions and time steps as flat vectors.
func WithFlatten(flatten bool) Option {
	return func(o *options) { o.flatten = flatten }
}

// WithJoinTimeout bounds how long Close waits for each worker.
func WithJoinTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.joinTimeout = d
		}
	}
}

// WithPollInterval sets the idle poll interval of goroutine workers and of
// process workers started by this batch.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records batch and worker metrics into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithTracerProvider traces batch operations through tp instead of the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}
