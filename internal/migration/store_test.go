package migration

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/chainmigrate/testutil"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)

	return mock, gormDB
}

func TestTableStore_Current(t *testing.T) {
	query := regexp.QuoteMeta(`SELECT "version" FROM "schema_version"`)

	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		want    int
		wantErr error
	}{
		{"one row", sqlmock.NewRows([]string{"version"}).AddRow(3), 3, nil},
		{"no row", sqlmock.NewRows([]string{"version"}), 0, ErrVersionStoreEmpty},
		{"two rows", sqlmock.NewRows([]string{"version"}).AddRow(3).AddRow(4), 0, ErrVersionStoreCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, db := setupMockDB(t)
			mock.ExpectQuery(query).WillReturnRows(tt.rows)

			got, err := NewTableStore("").Current(context.Background(), db)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTableStore_CurrentQueryError(t *testing.T) {
	mock, db := setupMockDB(t)
	mock.ExpectQuery(`SELECT`).WillReturnError(assert.AnError)

	_, err := NewTableStore("").Current(context.Background(), db)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestTableStore_Set(t *testing.T) {
	stmt := regexp.QuoteMeta(`UPDATE "schema_version" SET version = $1`)

	t.Run("one row", func(t *testing.T) {
		mock, db := setupMockDB(t)
		mock.ExpectExec(stmt).WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, NewTableStore("").Set(context.Background(), db, 3))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no row", func(t *testing.T) {
		mock, db := setupMockDB(t)
		mock.ExpectExec(stmt).WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 0))

		err := NewTableStore("").Set(context.Background(), db, 3)
		assert.ErrorIs(t, err, ErrVersionStoreEmpty)
	})

	t.Run("many rows", func(t *testing.T) {
		mock, db := setupMockDB(t)
		mock.ExpectExec(stmt).WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 2))

		err := NewTableStore("").Set(context.Background(), db, 3)
		assert.ErrorIs(t, err, ErrVersionStoreCorrupt)
	})
}

func TestTableStore_SchemaQualified(t *testing.T) {
	mock, db := setupMockDB(t)
	store := NewTableStore("up.version")
	assert.Equal(t, "up.version", store.Table())

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "version" FROM "up"."version"`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "up"."version" SET version = $1`)).
		WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 1))

	v, err := store.Current(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	require.NoError(t, store.Set(context.Background(), db, 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableStore_ProvisionSQLite(t *testing.T) {
	ctx := testutil.TestContext(t)
	pool := testutil.NewSQLitePool(t)
	store := NewTableStore("")
	db := pool.DB()

	require.NoError(t, store.EnsureTable(ctx, db))
	require.NoError(t, store.EnsureTable(ctx, db), "EnsureTable is idempotent")

	_, err := store.Current(ctx, db)
	assert.ErrorIs(t, err, ErrVersionStoreEmpty)

	v, err := store.Seed(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, RootVersion, v)

	require.NoError(t, store.Set(ctx, db, 5))

	// Seed 不会覆盖已有版本
	v, err = store.Seed(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	// 多行视为损坏，且不会被修复
	require.NoError(t, db.Exec("INSERT INTO schema_version (version) VALUES (9)").Error)
	_, err = store.Seed(ctx, db)
	assert.ErrorIs(t, err, ErrVersionStoreCorrupt)
	assert.ErrorIs(t, store.Set(ctx, db, 6), ErrVersionStoreCorrupt)
}
