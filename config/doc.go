// Package config 提供 ChainMigrate 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → DB_URL → CHAINMIGRATE_* 环境变量 的顺序
// 叠加，覆盖数据库连接、迁移链来源、步骤锁、日志、指标与遥测。
package config
