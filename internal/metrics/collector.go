// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。nil *Collector 的所有记录方法均为空操作。
type Collector struct {
	// 批量操作指标
	batchOperationsTotal   *prometheus.CounterVec
	batchOperationDuration *prometheus.HistogramVec

	// Worker 指标
	workerRequestsTotal *prometheus.CounterVec
	workersAlive        prometheus.Gauge
	workerFailuresTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到 reg。reg 为 nil 时使用默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 批量操作指标
	c.batchOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_operations_total",
			Help:      "Total number of batched operations",
		},
		[]string{"op", "status"},
	)

	c.batchOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_operation_duration_seconds",
			Help:      "Batched operation duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"op"},
	)

	// Worker 指标
	c.workerRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_requests_total",
			Help:      "Total number of requests dispatched to workers",
		},
		[]string{"kind", "status"},
	)

	c.workersAlive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_alive",
			Help:      "Number of workers that are started and not yet closed or dead",
		},
	)

	c.workerFailuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_failures_total",
			Help:      "Total number of worker failures by error code",
		},
		[]string{"code"},
	)

	logger.Debug("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 批量操作指标记录
// =============================================================================

// RecordBatchOperation 记录一次批量操作
func (c *Collector) RecordBatchOperation(op string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.batchOperationsTotal.WithLabelValues(op, status(err)).Inc()
	c.batchOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// =============================================================================
// 🤖 Worker 指标记录
// =============================================================================

// RecordWorkerRequest 记录一次 worker 请求
func (c *Collector) RecordWorkerRequest(kind string, err error) {
	if c == nil {
		return
	}
	c.workerRequestsTotal.WithLabelValues(kind, status(err)).Inc()
}

// WorkerStarted 存活 worker 数加一
func (c *Collector) WorkerStarted() {
	if c == nil {
		return
	}
	c.workersAlive.Inc()
}

// WorkerStopped 存活 worker 数减一
func (c *Collector) WorkerStopped() {
	if c == nil {
		return
	}
	c.workersAlive.Dec()
}

// RecordWorkerFailure 按错误码记录 worker 失败
func (c *Collector) RecordWorkerFailure(code string) {
	if c == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	c.workerFailuresTotal.WithLabelValues(code).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
