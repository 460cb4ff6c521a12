package migration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/BaSui01/chainmigrate/internal/database"
	"github.com/BaSui01/chainmigrate/testutil"
)

// sampleChain is 1->2->3->4 over a small users schema.
func sampleChain() []Migration {
	return []Migration{
		{
			StartVersion:    1,
			ProducesVersion: 2,
			Description:     "create users",
			UpSQL:           "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)",
			DownSQL:         "DROP TABLE users",
		},
		{
			StartVersion:    2,
			ProducesVersion: 3,
			Description:     "add users email",
			UpSQL:           "ALTER TABLE users ADD COLUMN email TEXT",
			DownSQL:         "ALTER TABLE users DROP COLUMN email",
		},
		{
			StartVersion:    3,
			ProducesVersion: 4,
			Description:     "create posts",
			UpSQL: `CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER REFERENCES users(id), body TEXT);
CREATE INDEX idx_posts_user ON posts(user_id)`,
			DownSQL: "DROP INDEX idx_posts_user; DROP TABLE posts",
		},
	}
}

// chainOf builds a valid chain 1->2->...->n+1 of no-op statements.
func chainOf(n int) []Migration {
	out := make([]Migration, 0, n)
	for v := RootVersion; v < RootVersion+n; v++ {
		out = append(out, Migration{
			StartVersion:    v,
			ProducesVersion: v + 1,
			UpSQL:           "SELECT 1",
			DownSQL:         "SELECT 1",
		})
	}
	return out
}

// recordingObserver collects observer calls.
type recordingObserver struct {
	mu        sync.Mutex
	steps     []string
	failures  int
	versions  []int
	lockWaits int
	runs      []string
}

func (o *recordingObserver) ObserveStep(direction string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failures++
		return
	}
	o.steps = append(o.steps, direction)
}

func (o *recordingObserver) ObserveVersion(version int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.versions = append(o.versions, version)
}

func (o *recordingObserver) ObserveLockWait(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lockWaits++
}

func (o *recordingObserver) ObserveRun(outcome string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, outcome)
}

type fixture struct {
	pool     *database.PoolManager
	store    *TableStore
	executor *Executor
	migrator *Migrator
	observer *recordingObserver
}

// newFixture provisions a temp SQLite database at version 1 and wires a
// migrator over chain with a row lock.
func newFixture(t *testing.T, chain []Migration, opts Options) *fixture {
	t.Helper()
	return newFixtureOnPool(t, testutil.NewSQLitePool(t), chain, opts)
}

func newFixtureOnPool(t *testing.T, pool *database.PoolManager, chain []Migration, opts Options) *fixture {
	t.Helper()

	registry, err := NewRegistry(chain...)
	require.NoError(t, err)

	store := NewTableStore("")
	observer := &recordingObserver{}
	logger := testutil.TestLogger(t)
	executor := NewExecutor(pool, store,
		WithLocker(NewRowLocker(store.Table())),
		WithLogger(logger),
		WithObserver(observer),
		WithStepRetries(5),
	)
	opts.Logger = logger
	opts.Observer = observer
	m := NewMigrator(registry, executor, store, opts)

	version, err := m.Init(testutil.TestContext(t))
	require.NoError(t, err)
	require.Equal(t, RootVersion, version)

	return &fixture{pool: pool, store: store, executor: executor, migrator: m, observer: observer}
}

// setVersion overwrites the stored version outside the executor.
func (f *fixture) setVersion(t *testing.T, v int) {
	t.Helper()
	require.NoError(t, f.pool.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return f.store.Set(context.Background(), tx, v)
	}))
}

func (f *fixture) version(t *testing.T) int {
	t.Helper()
	v, err := f.migrator.CurrentVersion(testutil.TestContext(t))
	require.NoError(t, err)
	return v
}

func (f *fixture) tableExists(t *testing.T, name string) bool {
	t.Helper()
	return f.pool.DB().Migrator().HasTable(name)
}

func (f *fixture) hasColumn(t *testing.T, table, column string) bool {
	t.Helper()
	return f.pool.DB().Migrator().HasColumn(table, column)
}

func pairs(steps []StepRecord) [][2]int {
	out := make([][2]int, 0, len(steps))
	for _, s := range steps {
		out = append(out, [2]int{s.From, s.To})
	}
	return out
}
