// Package pointmass 提供一个二维质点导航环境，作为批量执行的参考环境。
//
// 动作为 [-1, 1] 内的二维速度，观测包含 position 与 goal；目标布局
// 由模型决定（corner、center、random），可通过 ReloadModel 热切换。
// 包初始化时以 "pointmass" 名称注册到 worker 注册表，供子进程 worker 使用。
package pointmass
