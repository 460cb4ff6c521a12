// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数：上下文、临时 SQLite 数据库、Redis 桩、异步断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	pool := testutil.NewSQLitePool(t)
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/chainmigrate/config"
	"github.com/BaSui01/chainmigrate/internal/database"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🗄️ 数据库辅助
// =============================================================================

// TestLogger 返回输出到 t.Log 的 zap 日志器
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// SQLiteConfig 返回指向临时文件的 SQLite 配置。
// 同一配置可被多个连接池共享，用于模拟并发的迁移进程。
func SQLiteConfig(t *testing.T) config.DatabaseConfig {
	cfg := config.DefaultDatabaseConfig()
	cfg.Driver = "sqlite"
	cfg.Name = filepath.Join(t.TempDir(), "chainmigrate.db")
	cfg.MaxOpenConns = 4
	cfg.MaxIdleConns = 2
	cfg.ConnectTimeout = 5 * time.Second
	return cfg
}

// OpenPool 按配置打开连接池，测试结束时自动关闭
func OpenPool(t *testing.T, cfg config.DatabaseConfig) *database.PoolManager {
	t.Helper()

	pool, err := database.Connect(TestContext(t), cfg, TestLogger(t))
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

// NewSQLitePool 返回基于临时文件的 SQLite 连接池
func NewSQLitePool(t *testing.T) *database.PoolManager {
	return OpenPool(t, SQLiteConfig(t))
}

// =============================================================================
// 🔴 Redis 辅助
// =============================================================================

// NewMiniRedis 启动内存 Redis，测试结束时自动关闭
func NewMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

// =============================================================================
// ⏳ 异步断言
// =============================================================================

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	if !WaitFor(condition, timeout) {
		t.Errorf("condition not met within %v", timeout)
	}
}

// WaitFor 等待条件满足
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
