// Package recorder 将批量环境产生的回合统计写入 SQLite。
//
// Recorder 按环境编号跟踪时间步流：首步开启回合，中间步累计步数与回报，
// 末步写入一行 Episode（GORM 模型，纯 Go 的 glebarez/sqlite 驱动）。
// 每个 Recorder 拥有独立的 RunID，多个运行可共享同一数据库。
package recorder
