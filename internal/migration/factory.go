package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	appconfig "github.com/BaSui01/chainmigrate/config"
	"github.com/BaSui01/chainmigrate/internal/database"
	"github.com/BaSui01/chainmigrate/internal/lease"
	"github.com/BaSui01/chainmigrate/internal/tlsutil"
)

// FactoryOptions carries the ambient collaborators the factory does not
// build itself.
type FactoryOptions struct {
	Logger   *zap.Logger
	Observer StepObserver
	Tracer   trace.Tracer
}

// Setup is a fully wired migrator together with the pool it runs on.
type Setup struct {
	Migrator *Migrator
	Pool     *database.PoolManager
	Registry *Registry
}

// NewMigratorFromConfig loads the chain from cfg.Migration.Source, connects
// to the database and wires the configured lock. Close the returned
// migrator to release the pool and any Redis connection.
func NewMigratorFromConfig(ctx context.Context, cfg *appconfig.Config, fo FactoryOptions) (*Setup, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if fo.Logger == nil {
		fo.Logger = zap.NewNop()
	}

	registry, err := LoadSource(cfg.Migration.Source)
	if err != nil {
		return nil, err
	}

	pool, err := database.Connect(ctx, cfg.Database, fo.Logger)
	if err != nil {
		return nil, err
	}
	closers := []func() error{pool.Close}
	warnNonTransactionalDDL(fo.Logger, pool.Dialect())

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	store := NewTableStore(cfg.Migration.VersionTable)

	var leases LeaseAcquirer
	if strings.EqualFold(cfg.Lock.Backend, "redis") {
		leaseCfg := lease.Config{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			PoolSize:      cfg.Redis.PoolSize,
			MinIdleConns:  cfg.Redis.MinIdleConns,
			DefaultTTL:    cfg.Lock.TTL,
			RetryInterval: cfg.Lock.RetryInterval,
		}
		if cfg.Redis.TLS {
			leaseCfg.TLSConfig = tlsutil.RedisTLSConfig(cfg.Redis.Addr)
		}
		manager, err := lease.NewManager(leaseCfg, fo.Logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		leases = manager
		closers = append(closers, manager.Close)
	}

	locker, err := NewLocker(cfg.Lock, pool.Dialect(), store.Table(), leases, fo.Logger)
	if err != nil {
		closeAll()
		return nil, err
	}

	executor := NewExecutor(pool, store,
		WithLocker(locker),
		WithLogger(fo.Logger),
		WithObserver(fo.Observer),
		WithTracer(fo.Tracer),
		WithStepTimeout(cfg.Migration.StepTimeout),
		WithStepRetries(cfg.Migration.StepRetries),
	)

	m := NewMigrator(registry, executor, store, Options{
		Strict:   cfg.Migration.Strict,
		MaxSteps: cfg.Migration.MaxSteps,
		Logger:   fo.Logger,
		Observer: fo.Observer,
		Tracer:   fo.Tracer,
		Closers:  closers,
	})

	fo.Logger.Info("migrator ready",
		zap.String("source", cfg.Migration.Source),
		zap.Int("migrations", registry.Len()),
		zap.Int("head", registry.Head()),
		zap.String("version_table", store.Table()),
		zap.String("lock", fmt.Sprintf("%T", locker)),
	)

	return &Setup{Migrator: m, Pool: pool, Registry: registry}, nil
}

// warnNonTransactionalDDL logs when steps on dialect cannot be atomic: the
// database commits each DDL statement on its own, which also releases a row
// lock, so a failed version write can leave the schema ahead of the stored
// version.
func warnNonTransactionalDDL(logger *zap.Logger, dialect string) bool {
	if database.TransactionalDDL(dialect) {
		return false
	}
	logger.Warn("database commits DDL implicitly; migration steps are not atomic",
		zap.String("dialect", dialect),
		zap.String("hint", "use a redis lock and keep one DDL statement per step"),
	)
	return true
}

// NewLocker builds the locker named by cfg.Backend for a database of the
// given dialect. "auto" picks an advisory lock on PostgreSQL and a version
// row lock elsewhere.
func NewLocker(cfg appconfig.LockConfig, dialect, table string, leases LeaseAcquirer, logger *zap.Logger) (Locker, error) {
	backend := strings.ToLower(cfg.Backend)
	if backend == "" || backend == "auto" {
		backend = "row"
		if dialect == "postgres" {
			backend = "advisory"
		}
	}

	switch backend {
	case "advisory":
		if dialect != "postgres" {
			return nil, fmt.Errorf("advisory locks need postgres, database is %s", dialect)
		}
		return NewAdvisoryLocker(cfg.Name), nil
	case "row":
		return NewRowLocker(table), nil
	case "redis":
		if leases == nil {
			return nil, errors.New("redis lock backend needs a lease manager")
		}
		return NewRedisLocker(leases, cfg.Name, cfg.TTL, logger), nil
	case "none":
		if logger != nil {
			logger.Warn("migration steps run without a lock; concurrent migrators may race")
		}
		return NopLocker{}, nil
	default:
		return nil, fmt.Errorf("unsupported lock backend: %s", cfg.Backend)
	}
}
