/*
Package testutil 提供 ChainMigrate 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 数据库辅助: SQLiteConfig / OpenPool / NewSQLitePool，基于临时文件的
    纯 Go SQLite，多个连接池可指向同一文件以模拟并发进程
  - Redis 辅助: NewMiniRedis，用于租约锁测试
  - 异步断言: AssertEventuallyTrue / WaitFor

# 使用示例

	ctx := testutil.TestContext(t)
	pool := testutil.NewSQLitePool(t)
	err := pool.WithTransaction(ctx, func(tx *gorm.DB) error { ... })
*/
package testutil
