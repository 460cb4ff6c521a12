package migration

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/chainmigrate/internal/lease"
)

// DefaultLockName identifies the migration lock when none is configured.
const DefaultLockName = "chainmigrate"

// Locker serialises migration steps across processes. Lock is called as the
// first statement of every step transaction; the returned unlock function is
// called after that transaction has committed or rolled back and may be nil.
type Locker interface {
	Lock(ctx context.Context, tx *gorm.DB) (unlock func(), err error)
}

// GuardedLocker is a Locker whose hold can lapse while the step is still
// running, such as a lease outside the database. The executor calls verify
// after the step's statements and version write, right before commit; an
// error rolls the step back.
type GuardedLocker interface {
	Locker
	LockGuarded(ctx context.Context, tx *gorm.DB) (unlock func(), verify func(context.Context) error, err error)
}

// =============================================================================
// PostgreSQL advisory lock
// =============================================================================

// AdvisoryLocker takes a transaction scoped PostgreSQL advisory lock. The
// lock is released by the database when the step transaction ends.
type AdvisoryLocker struct {
	key int64
}

// NewAdvisoryLocker derives the lock key from name with FNV-1a.
func NewAdvisoryLocker(name string) *AdvisoryLocker {
	if name == "" {
		name = DefaultLockName
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	return &AdvisoryLocker{key: int64(h.Sum64())}
}

// Key returns the advisory lock key.
func (l *AdvisoryLocker) Key() int64 { return l.key }

func (l *AdvisoryLocker) Lock(ctx context.Context, tx *gorm.DB) (func(), error) {
	if err := tx.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", l.key).Error; err != nil {
		return nil, fmt.Errorf("pg_advisory_xact_lock(%d): %w", l.key, err)
	}
	return nil, nil
}

// =============================================================================
// Version row lock
// =============================================================================

// RowLocker locks the version row for the rest of the step transaction.
// PostgreSQL and MySQL use SELECT ... FOR UPDATE; SQLite has no row locks, so
// a no-op UPDATE takes the database write lock instead.
type RowLocker struct {
	table string
}

// NewRowLocker locks rows of the given version table.
func NewRowLocker(table string) *RowLocker {
	if table == "" {
		table = DefaultVersionTable
	}
	return &RowLocker{table: table}
}

func (l *RowLocker) Lock(ctx context.Context, tx *gorm.DB) (func(), error) {
	tx = tx.WithContext(ctx)
	if tx.Dialector.Name() == "sqlite" {
		if err := tx.Exec("UPDATE ? SET version = version", clause.Table{Name: l.table}).Error; err != nil {
			return nil, fmt.Errorf("lock %s: %w", l.table, err)
		}
		return nil, nil
	}

	var versions []int
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Table(l.table).
		Pluck("version", &versions).Error
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", l.table, err)
	}
	return nil, nil
}

// =============================================================================
// Redis lease
// =============================================================================

// LeaseAcquirer hands out exclusive leases. *lease.Manager implements it.
type LeaseAcquirer interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*lease.Lease, error)
}

// RedisLocker holds a Redis lease for the duration of each step. Use it when
// the database offers no usable lock or when several databases share one
// migration lock.
type RedisLocker struct {
	leases LeaseAcquirer
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a locker that leases key for ttl, renewing it while
// the step runs.
func NewRedisLocker(leases LeaseAcquirer, name string, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if name == "" {
		name = DefaultLockName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		leases: leases,
		key:    "migration-lock:" + name,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "redis_locker")),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, tx *gorm.DB) (func(), error) {
	unlock, _, err := l.LockGuarded(ctx, tx)
	return unlock, err
}

// LockGuarded acquires the lease and returns a verify function that renews
// it once more and fails with ErrLockLost when another holder owns the key.
func (l *RedisLocker) LockGuarded(ctx context.Context, _ *gorm.DB) (func(), func(context.Context) error, error) {
	held, err := l.leases.Acquire(ctx, l.key, l.ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	unlock := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil {
			l.logger.Warn("failed to release migration lease",
				zap.String("key", l.key),
				zap.Error(err),
			)
		}
	}
	verify := func(ctx context.Context) error {
		if err := held.Check(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrLockLost, err)
		}
		return nil
	}
	return unlock, verify, nil
}

// =============================================================================
// No lock
// =============================================================================

// NopLocker takes no lock. Concurrent drivers against the same database can
// then race between reading the version and writing it.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, *gorm.DB) (func(), error) { return nil, nil }
