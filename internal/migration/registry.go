package migration

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Registry is a validated, read-only chain of migrations indexed by start
// and produced version.
type Registry struct {
	byStart    map[int]Migration
	byProduces map[int]Migration
	ordered    []Migration
}

// NewRegistry validates migrations and builds the lookup maps. The chain must
// start at RootVersion and advance by exactly one version per migration with
// no gaps or duplicates. An empty list yields an empty registry.
func NewRegistry(migrations ...Migration) (*Registry, error) {
	r := &Registry{
		byStart:    make(map[int]Migration, len(migrations)),
		byProduces: make(map[int]Migration, len(migrations)),
	}

	var problems []string
	for i, m := range migrations {
		if p := checkMigration(m); p != "" {
			problems = append(problems, fmt.Sprintf("migration #%d %s: %s", i, m, p))
		}
		if prev, ok := r.byStart[m.StartVersion]; ok {
			problems = append(problems, fmt.Sprintf("start version %d used by both %s and %s", m.StartVersion, prev, m))
		} else {
			r.byStart[m.StartVersion] = m
		}
		if prev, ok := r.byProduces[m.ProducesVersion]; ok {
			problems = append(problems, fmt.Sprintf("produced version %d used by both %s and %s", m.ProducesVersion, prev, m))
		} else {
			r.byProduces[m.ProducesVersion] = m
		}
	}

	r.ordered = make([]Migration, 0, len(r.byStart))
	for _, m := range r.byStart {
		r.ordered = append(r.ordered, m)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].StartVersion < r.ordered[j].StartVersion
	})

	// Contiguity: 1->2, 2->3, ...
	expect := RootVersion
	for _, m := range r.ordered {
		if m.StartVersion != expect {
			problems = append(problems, fmt.Sprintf("chain gap: expected a migration starting at %d, found %s", expect, m))
			break
		}
		expect = m.ProducesVersion
	}

	if len(problems) > 0 {
		return nil, &RegistryError{Problems: problems}
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on an invalid chain. Intended
// for chains declared as package-level literals.
func MustRegistry(migrations ...Migration) *Registry {
	r, err := NewRegistry(migrations...)
	if err != nil {
		panic(err)
	}
	return r
}

func checkMigration(m Migration) string {
	var p []string
	if m.StartVersion < RootVersion {
		p = append(p, fmt.Sprintf("start version must be >= %d", RootVersion))
	}
	if m.ProducesVersion == RootVersion {
		p = append(p, "must not produce the root version")
	}
	if m.ProducesVersion != m.StartVersion+1 {
		p = append(p, "produced version must be start version + 1")
	}
	if strings.TrimSpace(m.UpSQL) == "" {
		p = append(p, "up_sql is empty")
	}
	if strings.TrimSpace(m.DownSQL) == "" {
		p = append(p, "down_sql is empty")
	}
	return strings.Join(p, ", ")
}

// FindForward returns the migration starting at version start.
func (r *Registry) FindForward(start int) (Migration, error) {
	m, ok := r.byStart[start]
	if !ok {
		return Migration{}, &NoSuchMigrationError{Version: start, Direction: Up}
	}
	return m, nil
}

// FindBackward returns the migration producing version produces.
func (r *Registry) FindBackward(produces int) (Migration, error) {
	if produces == RootVersion {
		return Migration{}, fmt.Errorf("%w: already at version %d", ErrInvalidRevert, RootVersion)
	}
	m, ok := r.byProduces[produces]
	if !ok {
		return Migration{}, &NoSuchMigrationError{Version: produces, Direction: Down}
	}
	return m, nil
}

// Len returns the number of migrations.
func (r *Registry) Len() int { return len(r.ordered) }

// Head returns the highest version the chain can reach.
func (r *Registry) Head() int {
	if len(r.ordered) == 0 {
		return RootVersion
	}
	return r.ordered[len(r.ordered)-1].ProducesVersion
}

// Migrations returns the chain ordered by start version.
func (r *Registry) Migrations() []Migration {
	out := make([]Migration, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// directionFor picks the run direction from the version stored at entry.
// Equal versions go backward so that a run at its target stops at once.
func directionFor(current, target int) Direction {
	if current < target {
		return Up
	}
	return Down
}

// next returns the migration that moves current one version toward target
// in direction dir, or the outcome that ends the run.
func (r *Registry) next(dir Direction, current, target int) (Migration, Direction, Outcome) {
	if current == target {
		return Migration{}, dir, OutcomeReached
	}

	if dir == Up {
		if current > target {
			return Migration{}, dir, OutcomeOvershot
		}
		m, err := r.FindForward(current)
		if err != nil {
			return Migration{}, dir, OutcomeChainExhausted
		}
		return m, dir, ""
	}

	if current < target {
		return Migration{}, dir, OutcomeOvershot
	}
	m, err := r.FindBackward(current)
	switch {
	case errors.Is(err, ErrInvalidRevert):
		return Migration{}, dir, OutcomeRootReached
	case err != nil:
		return Migration{}, dir, OutcomeChainExhausted
	}
	return m, dir, ""
}

// Plan lists the steps a run from current toward target would apply, in
// order, and the outcome it would end with.
func (r *Registry) Plan(current, target int) ([]StepRecord, Outcome) {
	dir := directionFor(current, target)
	var steps []StepRecord
	for {
		m, _, outcome := r.next(dir, current, target)
		if outcome != "" {
			return steps, outcome
		}
		_, next, _ := m.versions(dir)
		steps = append(steps, StepRecord{Migration: m, Direction: dir, From: current, To: next})
		current = next
	}
}
