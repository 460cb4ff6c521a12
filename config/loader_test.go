// 配置加载器测试。
package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "schema_version", cfg.Migration.VersionTable)
	assert.Equal(t, "auto", cfg.Lock.Backend)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "chainmigrate.yaml")

	yamlContent := `
database:
  driver: sqlite
  name: /tmp/app.db
migration:
  source: ./migrations
  version_table: up.version
  target_version: 4
  strict: true
  step_timeout: 2m
lock:
  backend: row
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/app.db", cfg.Database.Name)
	assert.Equal(t, "./migrations", cfg.Migration.Source)
	assert.Equal(t, "up.version", cfg.Migration.VersionTable)
	assert.Equal(t, 4, cfg.Migration.TargetVersion)
	assert.True(t, cfg.Migration.Strict)
	assert.Equal(t, 2*time.Minute, cfg.Migration.StepTimeout)
	assert.Equal(t, "row", cfg.Lock.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未在 YAML 中出现的字段保持默认值
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
}

func TestLoader_FileNotExist(t *testing.T) {
	// 配置文件不存在时回退到默认值
	cfg, err := NewLoader().WithConfigPath("/nonexistent/chainmigrate.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("database: [unclosed"), 0o644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config from file")
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("CHAINMIGRATE_DATABASE_DRIVER", "mysql")
	t.Setenv("CHAINMIGRATE_DATABASE_PORT", "3306")
	t.Setenv("CHAINMIGRATE_MIGRATION_STRICT", "true")
	t.Setenv("CHAINMIGRATE_MIGRATION_STEP_TIMEOUT", "45s")
	t.Setenv("CHAINMIGRATE_LOCK_BACKEND", "none")
	t.Setenv("CHAINMIGRATE_LOG_OUTPUT_PATHS", "stdout, /var/log/chainmigrate.log")
	t.Setenv("CHAINMIGRATE_TELEMETRY_SAMPLE_RATE", "0.25")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.True(t, cfg.Migration.Strict)
	assert.Equal(t, 45*time.Second, cfg.Migration.StepTimeout)
	assert.Equal(t, "none", cfg.Lock.Backend)
	assert.Equal(t, []string{"stdout", "/var/log/chainmigrate.log"}, cfg.Log.OutputPaths)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRate)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "chainmigrate.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("migration:\n  target_version: 3\n"), 0o644))

	t.Setenv("CHAINMIGRATE_MIGRATION_TARGET_VERSION", "7")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Migration.TargetVersion)
}

func TestLoader_DBURLFallback(t *testing.T) {
	t.Setenv("DB_URL", "postgres://app@db:5432/app")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://app@db:5432/app", cfg.Database.URL)

	// 带前缀的变量优先级更高
	t.Setenv("CHAINMIGRATE_DATABASE_URL", "postgres://other@db:5432/other")
	cfg, err = NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://other@db:5432/other", cfg.Database.URL)
}

func TestLoader_CustomPrefix(t *testing.T) {
	t.Setenv("MYAPP_MIGRATION_MAX_STEPS", "12")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Migration.MaxSteps)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("CHAINMIGRATE_DATABASE_PORT", "not-a-number")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAINMIGRATE_DATABASE_PORT")
}

func TestLoader_Validator(t *testing.T) {
	errBoom := errors.New("boom")

	_, err := NewLoader().
		WithValidator(func(*Config) error { return errBoom }).
		Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)

	cfg, err := NewLoader().WithValidator(func(c *Config) error { return c.Validate() }).Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

// --- 校验测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "unsupported database driver",
		},
		{
			name: "missing database name and url",
			mutate: func(c *Config) {
				c.Database.Name = ""
				c.Database.URL = ""
			},
			wantErr: "database url or name is required",
		},
		{
			name:    "negative target",
			mutate:  func(c *Config) { c.Migration.TargetVersion = -1 },
			wantErr: "target_version",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Migration.StepRetries = -2 },
			wantErr: "step_retries",
		},
		{
			name:    "unknown lock backend",
			mutate:  func(c *Config) { c.Lock.Backend = "zookeeper" },
			wantErr: "unsupported lock backend",
		},
		{
			name: "advisory lock on sqlite",
			mutate: func(c *Config) {
				c.Database.Driver = "sqlite"
				c.Lock.Backend = "advisory"
			},
			wantErr: "advisory locks require a postgres database",
		},
		{
			name:    "redis lock without address",
			mutate:  func(c *Config) { c.Lock.Backend = "redis" },
			wantErr: "redis.addr",
		},
		{
			name: "redis lock with address",
			mutate: func(c *Config) {
				c.Lock.Backend = "redis"
				c.Redis.Addr = "localhost:6379"
			},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "unsupported log level",
		},
		{
			name:    "sample rate out of range",
			mutate:  func(c *Config) { c.Telemetry.SampleRate = 1.5 },
			wantErr: "sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// --- 辅助函数测试 ---

func TestMustLoad_Panics(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("lock: {backend: ["), 0o644))

	assert.Panics(t, func() { MustLoad(configPath) })
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CHAINMIGRATE_METRICS_ENABLED", "true")
	t.Setenv("CHAINMIGRATE_METRICS_PUSH_URL", "http://pushgateway:9091")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "http://pushgateway:9091", cfg.Metrics.PushURL)
}
