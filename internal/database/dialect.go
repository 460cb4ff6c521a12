package database

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	cgosqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// =============================================================================
// 🔌 数据库方言
// =============================================================================

// DatabaseType represents the type of database
type DatabaseType string

const (
	// DatabaseTypePostgres represents PostgreSQL (pgx)
	DatabaseTypePostgres DatabaseType = "postgres"
	// DatabaseTypeMySQL represents MySQL / MariaDB
	DatabaseTypeMySQL DatabaseType = "mysql"
	// DatabaseTypeSQLite represents SQLite through the pure Go driver
	DatabaseTypeSQLite DatabaseType = "sqlite"
	// DatabaseTypeSQLite3 represents SQLite through the cgo driver
	DatabaseTypeSQLite3 DatabaseType = "sqlite3"
)

// ParseDatabaseType parses a database type string
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg", "pgx":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite":
		return DatabaseTypeSQLite, nil
	case "sqlite3", "sqlite-cgo":
		return DatabaseTypeSQLite3, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}

// BuildDatabaseURL builds a connection string from components
func BuildDatabaseURL(dbType DatabaseType, host string, port int, database, username, password, sslMode string) string {
	switch dbType {
	case DatabaseTypePostgres:
		if sslMode == "" {
			sslMode = "require"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			username, password, host, port, database, sslMode)
	case DatabaseTypeMySQL:
		// 迁移脚本一次提交多条语句
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			username, password, host, port, database)
	case DatabaseTypeSQLite:
		// 写事务以 BEGIN IMMEDIATE 开启，争用时由 busy_timeout 排队
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate", database)
	case DatabaseTypeSQLite3:
		return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", database)
	default:
		return ""
	}
}

// Dialector returns the gorm dialector for dbType connecting to dsn
func Dialector(dbType DatabaseType, dsn string) (gorm.Dialector, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	switch dbType {
	case DatabaseTypePostgres:
		return postgres.Open(dsn), nil
	case DatabaseTypeMySQL:
		return mysql.Open(dsn), nil
	case DatabaseTypeSQLite:
		return sqlite.Open(dsn), nil
	case DatabaseTypeSQLite3:
		return cgosqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// TransactionalDDL reports whether DDL statements on dialect take part in the
// surrounding transaction. MySQL and MariaDB commit implicitly before and
// after every DDL statement.
func TransactionalDDL(dialect string) bool {
	return dialect != string(DatabaseTypeMySQL)
}
