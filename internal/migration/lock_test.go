package migration

import (
	"context"
	"hash/fnv"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	appconfig "github.com/BaSui01/chainmigrate/config"
	"github.com/BaSui01/chainmigrate/internal/lease"
	"github.com/BaSui01/chainmigrate/testutil"
)

func TestAdvisoryLocker(t *testing.T) {
	l := NewAdvisoryLocker("orders-db")

	h := fnv.New64a()
	h.Write([]byte("orders-db"))
	assert.Equal(t, int64(h.Sum64()), l.Key())
	assert.Equal(t, NewAdvisoryLocker("").Key(), NewAdvisoryLocker(DefaultLockName).Key())

	mock, db := setupMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).
		WithArgs(l.Key()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	unlock, err := l.Lock(context.Background(), db)
	require.NoError(t, err)
	assert.Nil(t, unlock, "the database releases advisory xact locks itself")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_Error(t *testing.T) {
	mock, db := setupMockDB(t)
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnError(assert.AnError)

	_, err := NewAdvisoryLocker("x").Lock(context.Background(), db)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRowLocker_Postgres(t *testing.T) {
	mock, db := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "version" FROM "schema_version" FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))

	unlock, err := NewRowLocker("").Lock(context.Background(), db)
	require.NoError(t, err)
	assert.Nil(t, unlock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowLocker_SQLite(t *testing.T) {
	ctx := testutil.TestContext(t)
	pool := testutil.NewSQLitePool(t)
	store := NewTableStore("")
	require.NoError(t, store.EnsureTable(ctx, pool.DB()))
	_, err := store.Seed(ctx, pool.DB())
	require.NoError(t, err)

	err = pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		unlock, err := NewRowLocker("").Lock(ctx, tx)
		assert.Nil(t, unlock)
		return err
	})
	require.NoError(t, err)

	// 版本不变
	v, err := store.Current(ctx, pool.DB())
	require.NoError(t, err)
	assert.Equal(t, RootVersion, v)
}

func TestRedisLocker(t *testing.T) {
	mr := testutil.NewMiniRedis(t)
	cfg := lease.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.RetryInterval = 10 * time.Millisecond
	manager, err := lease.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	l := NewRedisLocker(manager, "orders", 5*time.Second, nil)
	ctx := testutil.TestContext(t)

	unlock, err := l.Lock(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, unlock)
	assert.True(t, mr.Exists("migration-lock:orders"))

	// 持有期间第二次加锁会阻塞直到 ctx 结束
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, nil)
	assert.Error(t, err)

	unlock()
	assert.False(t, mr.Exists("migration-lock:orders"))

	unlock2, err := l.Lock(ctx, nil)
	require.NoError(t, err)
	unlock2()
}

func TestNopLocker(t *testing.T) {
	unlock, err := NopLocker{}.Lock(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, unlock)
}

func TestNewLocker(t *testing.T) {
	cfg := appconfig.DefaultLockConfig()

	tests := []struct {
		name    string
		backend string
		dialect string
		leases  LeaseAcquirer
		want    any
		wantErr string
	}{
		{"auto on postgres", "auto", "postgres", nil, &AdvisoryLocker{}, ""},
		{"auto on sqlite", "auto", "sqlite", nil, &RowLocker{}, ""},
		{"auto on mysql", "", "mysql", nil, &RowLocker{}, ""},
		{"row", "row", "postgres", nil, &RowLocker{}, ""},
		{"none", "none", "sqlite", nil, NopLocker{}, ""},
		{"advisory on mysql", "advisory", "mysql", nil, nil, "advisory locks need postgres"},
		{"redis without manager", "redis", "sqlite", nil, nil, "needs a lease manager"},
		{"unknown", "zookeeper", "sqlite", nil, nil, "unsupported lock backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			c.Backend = tt.backend
			l, err := NewLocker(c, tt.dialect, DefaultVersionTable, tt.leases, nil)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, l)
		})
	}
}

// takeoverStore hands the lease key to another holder while the step is
// writing its version, as if the lease expired during a slow step.
type takeoverStore struct {
	*TableStore
	take func()
}

func (s *takeoverStore) Set(ctx context.Context, tx *gorm.DB, version int) error {
	s.take()
	return s.TableStore.Set(ctx, tx, version)
}

func TestRedisLocker_LostLeaseRollsBackStep(t *testing.T) {
	f := newFixture(t, sampleChain(), Options{})
	mr := testutil.NewMiniRedis(t)
	cfg := lease.DefaultConfig()
	cfg.Addr = mr.Addr()
	manager, err := lease.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	store := &takeoverStore{
		TableStore: f.store,
		take: func() {
			require.NoError(t, mr.Set("migration-lock:rollback", "other-driver"))
		},
	}
	observer := &recordingObserver{}
	e := NewExecutor(f.pool, store,
		WithLocker(NewRedisLocker(manager, "rollback", 5*time.Second, nil)),
		WithObserver(observer),
	)

	_, err = e.Apply(testutil.TestContext(t), sampleChain()[0], Up)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockLost)
	assert.ErrorIs(t, err, lease.ErrLeaseLost)

	// 步骤整体回滚，新持有者的租约保留
	assert.Equal(t, 1, f.version(t))
	assert.False(t, f.tableExists(t, "users"))
	got, err := mr.Get("migration-lock:rollback")
	require.NoError(t, err)
	assert.Equal(t, "other-driver", got)
	assert.Equal(t, 1, observer.failures)
}

func TestRedisLocker_GuardsExecutorSteps(t *testing.T) {
	f := newFixture(t, sampleChain(), Options{})
	mr := testutil.NewMiniRedis(t)
	cfg := lease.DefaultConfig()
	cfg.Addr = mr.Addr()
	manager, err := lease.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	var l Locker = NewRedisLocker(manager, "guarded", 5*time.Second, nil)
	_, ok := l.(GuardedLocker)
	require.True(t, ok)

	e := NewExecutor(f.pool, f.store, WithLocker(l))
	rec, err := e.Apply(testutil.TestContext(t), sampleChain()[0], Up)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.To)
	assert.False(t, mr.Exists("migration-lock:guarded"))
}
