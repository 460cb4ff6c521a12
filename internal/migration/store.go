package migration

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultVersionTable is the table used when no name is configured.
const DefaultVersionTable = "schema_version"

// VersionStore reads and writes the database's current schema version. Both
// methods run on the caller's transaction handle.
type VersionStore interface {
	// Current returns the stored version. The store must hold exactly one row.
	Current(ctx context.Context, tx *gorm.DB) (int, error)

	// Set overwrites the stored version.
	Set(ctx context.Context, tx *gorm.DB, version int) error
}

// TableStore keeps the version in a one-row table with a single integer
// column named "version". The table name may be schema qualified.
type TableStore struct {
	table string
}

// NewTableStore returns a store backed by table, or DefaultVersionTable when
// table is empty.
func NewTableStore(table string) *TableStore {
	if table == "" {
		table = DefaultVersionTable
	}
	return &TableStore{table: table}
}

// Table returns the configured table name.
func (s *TableStore) Table() string { return s.table }

// Current implements VersionStore.
func (s *TableStore) Current(ctx context.Context, tx *gorm.DB) (int, error) {
	var versions []int
	if err := tx.WithContext(ctx).Table(s.table).Pluck("version", &versions).Error; err != nil {
		return 0, fmt.Errorf("read version from %s: %w", s.table, err)
	}
	switch len(versions) {
	case 0:
		return 0, fmt.Errorf("%w: table %s has no row", ErrVersionStoreEmpty, s.table)
	case 1:
		return versions[0], nil
	default:
		return 0, fmt.Errorf("%w: table %s has %d rows", ErrVersionStoreCorrupt, s.table, len(versions))
	}
}

// Set implements VersionStore. The update must touch exactly one row.
func (s *TableStore) Set(ctx context.Context, tx *gorm.DB, version int) error {
	res := tx.WithContext(ctx).Exec("UPDATE ? SET version = ?", clause.Table{Name: s.table}, version)
	if res.Error != nil {
		return fmt.Errorf("write version %d to %s: %w", version, s.table, res.Error)
	}
	switch {
	case res.RowsAffected == 0:
		return fmt.Errorf("%w: table %s has no row", ErrVersionStoreEmpty, s.table)
	case res.RowsAffected > 1:
		return fmt.Errorf("%w: update touched %d rows in %s", ErrVersionStoreCorrupt, res.RowsAffected, s.table)
	}
	return nil
}

// Provisioner prepares a database for versioning. It is a setup concern and
// is never used by the executor while applying steps.
type Provisioner interface {
	// EnsureTable creates the version table when missing.
	EnsureTable(ctx context.Context, tx *gorm.DB) error

	// Seed stores RootVersion when the table is empty and returns the
	// stored version.
	Seed(ctx context.Context, tx *gorm.DB) (int, error)
}

// EnsureTable implements Provisioner.
func (s *TableStore) EnsureTable(ctx context.Context, tx *gorm.DB) error {
	if err := tx.WithContext(ctx).Exec("CREATE TABLE IF NOT EXISTS ? (version INTEGER NOT NULL)", clause.Table{Name: s.table}).Error; err != nil {
		return fmt.Errorf("create version table %s: %w", s.table, err)
	}
	return nil
}

// Seed implements Provisioner. A table holding more than one row is
// reported as corrupt and left alone.
func (s *TableStore) Seed(ctx context.Context, tx *gorm.DB) (int, error) {
	current, err := s.Current(ctx, tx)
	if !errors.Is(err, ErrVersionStoreEmpty) {
		return current, err
	}
	if err := tx.WithContext(ctx).Exec("INSERT INTO ? (version) VALUES (?)", clause.Table{Name: s.table}, RootVersion).Error; err != nil {
		return 0, fmt.Errorf("seed version table %s: %w", s.table, err)
	}
	return RootVersion, nil
}
