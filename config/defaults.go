// =============================================================================
// 📦 ChainMigrate 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Database:  DefaultDatabaseConfig(),
		Migration: DefaultMigrationConfig(),
		Lock:      DefaultLockConfig(),
		Redis:     DefaultRedisConfig(),
		Log:       DefaultLogConfig(),
		Metrics:   DefaultMetricsConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "",
		Name:            "postgres",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  30 * time.Second,
	}
}

// DefaultMigrationConfig 返回默认迁移配置
func DefaultMigrationConfig() MigrationConfig {
	return MigrationConfig{
		Source:       "migrations.yaml",
		VersionTable: "schema_version",
		Strict:       false,
	}
}

// DefaultLockConfig 返回默认锁配置
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Backend:       "auto",
		Name:          "chainmigrate",
		TTL:           30 * time.Second,
		RetryInterval: 200 * time.Millisecond,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "",
		PoolSize:     4,
		MinIdleConns: 1,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     false,
		EnableStacktrace: false,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Namespace: "chainmigrate",
		Job:       "chainmigrate",
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "chainmigrate",
		SampleRate:   1.0,
	}
}
