// Package config 提供 EnvBatch 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 ENVBATCH）的顺序叠加，
// 覆盖批量编排、worker、日志、遥测、Prometheus 指标与回合记录六部分。
// Config.Validate 校验取值范围，可通过 Loader.WithValidator 接入加载流程。
package config
