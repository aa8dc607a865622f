// =============================================================================
// 📦 EnvBatch 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Batch:     DefaultBatchConfig(),
		Worker:    DefaultWorkerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
		Recorder:  DefaultRecorderConfig(),
	}
}

// DefaultBatchConfig 返回默认批量编排配置
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		NumEnvs:       4,
		StartSerially: true,
		Blocking:      false,
		Flatten:       false,
		JoinTimeout:   5 * time.Second,
		PollInterval:  100 * time.Millisecond,
		Isolation:     IsolationGoroutine,
	}
}

// DefaultWorkerConfig 返回默认 worker 配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Env:  "pointmass",
		Args: []string{"worker"},
		Seed: 1,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "envbatch",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Addr:      ":9091",
		Namespace: "envbatch",
	}
}

// DefaultRecorderConfig 返回默认记录配置
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Enabled: false,
		Path:    "envbatch.db",
	}
}
