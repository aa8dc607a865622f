package batch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/envbatch/types"
)

const instrumentationName = "github.com/BaSui01/envbatch/batch"

// instrumentation 为每个批量操作创建 span 并记录 OTel 与 Prometheus 指标
type instrumentation struct {
	tracer   trace.Tracer
	total    metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstrumentation(logger *zap.Logger, tp trace.TracerProvider) *instrumentation {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := otel.Meter(instrumentationName)
	inst := &instrumentation{tracer: tp.Tracer(instrumentationName)}

	var err error
	inst.total, err = meter.Int64Counter("envbatch.batch.operation.total",
		metric.WithDescription("Total number of batched operations"),
		metric.WithUnit("{operation}"))
	if err != nil {
		logger.Warn("create operation counter", zap.Error(err))
	}

	inst.duration, err = meter.Float64Histogram("envbatch.batch.operation.duration",
		metric.WithDescription("Batched operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5))
	if err != nil {
		logger.Warn("create operation histogram", zap.Error(err))
	}
	return inst
}

// begin starts the span for op. The returned func ends it and records the
// outcome.
func (pe *ParallelEnvironment) begin(ctx context.Context, op string, dispatched int) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := pe.inst.tracer.Start(ctx, "batch."+op,
		trace.WithAttributes(
			attribute.String("envbatch.batch_id", pe.id),
			attribute.Int("envbatch.batch_size", len(pe.handles)),
			attribute.Int("envbatch.dispatched", dispatched),
		))

	return ctx, func(err error) {
		elapsed := time.Since(start)
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if code := types.GetErrorCode(err); code != "" {
				span.SetAttributes(attribute.String("envbatch.error_code", string(code)))
			}
		}
		span.End()

		attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("status", status))
		if pe.inst.total != nil {
			pe.inst.total.Add(ctx, 1, attrs)
		}
		if pe.inst.duration != nil {
			pe.inst.duration.Record(ctx, elapsed.Seconds(), attrs)
		}
		pe.opts.metrics.RecordBatchOperation(op, err, elapsed)

		pe.logger.Debug("batch operation",
			zap.String("op", op),
			zap.Int("dispatched", dispatched),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	}
}
