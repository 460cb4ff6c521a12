// =============================================================================
// ChainMigrate 主入口
// =============================================================================
// 链式 Schema 迁移命令行工具
//
// 使用方法:
//
//	chainmigrate init                         # 创建并播种版本表
//	chainmigrate up                           # 应用全部待执行迁移
//	chainmigrate to 3 --strict                # 迁移到版本 3，未到达时退出码 2
//	chainmigrate down                         # 回退一步
//	chainmigrate status --config config.yaml  # 查看迁移状态
// =============================================================================

package main

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/chainmigrate/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK          = 0
	exitFailure     = 1
	exitUnreachable = 2
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitFailure
	}

	switch args[0] {
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	case "--version", "build-info":
		printVersion(stdout)
		return exitOK
	case "validate":
		return runValidate(args[1:], stdout, stderr)
	}

	if _, ok := commands[args[0]]; !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return exitFailure
	}
	return runCommand(args[0], args[1:], stdout, stderr)
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "ChainMigrate %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `ChainMigrate - chained schema migrations

Usage:
  chainmigrate <command> [arguments] [options]

Commands:
  init          Create the version table and store version 1
  to [v]        Migrate toward version v (default: migration.target_version, or the head)
  up            Apply all pending migrations
  down          Revert the last migration
  reset         Revert every migration back to version 1
  steps <n>     Apply n migrations, or revert -n when n is negative
  plan <v>      Show the steps 'to v' would run, without running them
  status        Show migration status
  info          Show a summary of the migration state
  version       Show the current schema version
  validate      Load and check the migration chain without a database
  build-info    Show build information
  help          Show this help message

Options:
  --config <path>       Path to configuration file (YAML)
  --db-type <type>      Database type: postgres, mysql, sqlite, sqlite3
  --db-url <url>        Database connection URL
  --migrations <path>   Migration manifest (YAML) or SQL directory
  --strict              Fail when the target version cannot be reached

MySQL / MariaDB commit every DDL statement implicitly, so a step there is not
atomic: the schema change stays when the version write fails. Keep one DDL
statement per step and prefer lock.backend=redis on those databases.

Exit codes:
  0  success
  1  failure
  2  target unreachable in strict mode

Examples:
  chainmigrate init --config /etc/chainmigrate/config.yaml
  chainmigrate up --db-type postgres --db-url postgres://app@localhost/app
  chainmigrate to 3 --migrations examples/uploader.yaml --strict
  chainmigrate steps -1
  chainmigrate plan 1`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
