package migration

import "fmt"

// RootVersion is the version of a freshly provisioned database. No migration
// produces it and nothing can be reverted past it.
const RootVersion = 1

// Direction selects which statement set of a Migration runs.
type Direction int

const (
	// Up applies UpSQL and moves the schema from StartVersion to ProducesVersion.
	Up Direction = iota
	// Down applies DownSQL and moves the schema from ProducesVersion back to StartVersion.
	Down
)

// String returns "up" or "down".
func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// Migration describes one schema transition between two adjacent versions.
type Migration struct {
	// StartVersion is the version the database must be at before UpSQL runs.
	StartVersion int `yaml:"start_version" json:"start_version"`

	// ProducesVersion is the version recorded after UpSQL has run.
	ProducesVersion int `yaml:"produces_version" json:"produces_version"`

	// Description is a human readable label.
	Description string `yaml:"description" json:"description"`

	// UpSQL is the forward statement set.
	UpSQL string `yaml:"up_sql" json:"up_sql"`

	// DownSQL undoes UpSQL.
	DownSQL string `yaml:"down_sql" json:"down_sql"`
}

// String formats the migration as "1->2 (description)".
func (m Migration) String() string {
	if m.Description == "" {
		return fmt.Sprintf("%d->%d", m.StartVersion, m.ProducesVersion)
	}
	return fmt.Sprintf("%d->%d (%s)", m.StartVersion, m.ProducesVersion, m.Description)
}

// versions returns the required current version, the version written after
// the step and the statement set for the given direction.
func (m Migration) versions(dir Direction) (required, next int, stmt string) {
	if dir == Down {
		return m.ProducesVersion, m.StartVersion, m.DownSQL
	}
	return m.StartVersion, m.ProducesVersion, m.UpSQL
}
