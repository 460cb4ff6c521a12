package migration

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrVersionMismatch is returned when the stored version does not match
	// the version a step requires.
	ErrVersionMismatch = errors.New("schema version mismatch")

	// ErrNoSuchMigration is returned when no migration starts at or produces
	// the requested version. Inside MigrateTo it marks the end of the chain.
	ErrNoSuchMigration = errors.New("no such migration")

	// ErrInvalidRevert is returned when asked for the migration producing the
	// root version.
	ErrInvalidRevert = errors.New("cannot revert past the root version")

	// ErrSchemaExecution is returned when a step's statement set fails.
	ErrSchemaExecution = errors.New("schema execution failed")

	// ErrTargetUnreachable is returned by MigrateTo in strict mode when the
	// chain ends before the requested target.
	ErrTargetUnreachable = errors.New("target version unreachable")

	// ErrVersionStoreEmpty is returned when the version table has no row.
	ErrVersionStoreEmpty = errors.New("version store is empty")

	// ErrVersionStoreCorrupt is returned when the version table has more than one row.
	ErrVersionStoreCorrupt = errors.New("version store holds more than one row")

	// ErrLockLost is returned when the step lock lapsed before the step
	// transaction could commit. The step is rolled back.
	ErrLockLost = errors.New("migration lock lost during step")

	// ErrInvalidRegistry is returned when a migration list does not form a valid chain.
	ErrInvalidRegistry = errors.New("invalid migration registry")

	// ErrStepLimitExceeded is returned when MigrateTo applied more steps than allowed.
	ErrStepLimitExceeded = errors.New("migration step limit exceeded")
)

// =============================================================================
// Typed Errors
// =============================================================================

// VersionMismatchError carries the versions involved in a failed precondition.
type VersionMismatchError struct {
	Current   int
	Required  int
	Migration Migration
	Direction Direction
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("cannot apply %s %s: database is at version %d, step requires %d",
		e.Direction, e.Migration, e.Current, e.Required)
}

func (e *VersionMismatchError) Unwrap() error { return ErrVersionMismatch }

// NoSuchMigrationError names the version a lookup failed for.
type NoSuchMigrationError struct {
	Version   int
	Direction Direction
}

func (e *NoSuchMigrationError) Error() string {
	if e.Direction == Down {
		return fmt.Sprintf("no migration produces version %d", e.Version)
	}
	return fmt.Sprintf("no migration starts at version %d", e.Version)
}

func (e *NoSuchMigrationError) Unwrap() error { return ErrNoSuchMigration }

// SchemaExecutionError wraps the database error raised by a step's statements.
type SchemaExecutionError struct {
	Migration Migration
	Direction Direction
	Err       error
}

func (e *SchemaExecutionError) Error() string {
	return fmt.Sprintf("executing %s %s: %v", e.Direction, e.Migration, e.Err)
}

// Unwrap exposes both ErrSchemaExecution and the driver error.
func (e *SchemaExecutionError) Unwrap() []error { return []error{ErrSchemaExecution, e.Err} }

// RegistryError lists every problem found while validating a migration list.
type RegistryError struct {
	Problems []string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidRegistry, strings.Join(e.Problems, "; "))
}

func (e *RegistryError) Unwrap() error { return ErrInvalidRegistry }
