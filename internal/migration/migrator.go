package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/chainmigrate/internal/ctxkeys"
)

// =============================================================================
// Types
// =============================================================================

// Outcome tells why a run stopped.
type Outcome string

const (
	// OutcomeReached means the stored version equals the target.
	OutcomeReached Outcome = "reached"
	// OutcomeChainExhausted means no migration continues from the stored
	// version in the run's direction.
	OutcomeChainExhausted Outcome = "chain_exhausted"
	// OutcomeRootReached means a backward run stopped at RootVersion.
	OutcomeRootReached Outcome = "root_reached"
	// OutcomeOvershot means the stored version was already past the target
	// in the run's direction, typically moved there by another driver.
	OutcomeOvershot Outcome = "overshot"
)

// Result summarises a run. It is returned even when the run failed, holding
// the steps committed before the failure.
type Result struct {
	RunID   string       `json:"run_id"`
	From    int          `json:"from"`
	To      int          `json:"to"`
	Target  int          `json:"target"`
	Steps   []StepRecord `json:"steps"`
	Outcome Outcome      `json:"outcome"`
}

// Reached reports whether the run ended at its target.
func (r *Result) Reached() bool { return r.Outcome == OutcomeReached }

// MigrationStatus represents the status of a migration
type MigrationStatus struct {
	Migration Migration `json:"migration"`
	Applied   bool      `json:"applied"`
}

// MigrationInfo contains information about the current migration state
type MigrationInfo struct {
	CurrentVersion    int `json:"current_version"`
	HeadVersion       int `json:"head_version"`
	TotalMigrations   int `json:"total_migrations"`
	AppliedMigrations int `json:"applied_migrations"`
	PendingMigrations int `json:"pending_migrations"`
}

// Options configures a Migrator.
type Options struct {
	// Strict makes runs that stop short of their target fail with
	// ErrTargetUnreachable. The Result is returned either way.
	Strict bool

	// MaxSteps bounds the steps of a single run. Zero means the registry
	// length.
	MaxSteps int

	Logger   *zap.Logger
	Observer StepObserver
	Tracer   trace.Tracer

	// Closers run on Close in reverse order.
	Closers []func() error
}

// =============================================================================
// Migrator
// =============================================================================

// Migrator drives the database along the registry's chain, one executor
// step at a time. Each step decides what to run from the version read
// inside its own locked transaction, so concurrent migrators serialise
// instead of racing.
type Migrator struct {
	registry    *Registry
	executor    *Executor
	provisioner Provisioner
	opts        Options
	logger      *zap.Logger
	observer    StepObserver
	tracer      trace.Tracer
}

// NewMigrator creates a migrator. provisioner may be nil when Init is never
// called.
func NewMigrator(registry *Registry, executor *Executor, provisioner Provisioner, opts Options) *Migrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/BaSui01/chainmigrate/internal/migration")
	}
	return &Migrator{
		registry:    registry,
		executor:    executor,
		provisioner: provisioner,
		opts:        opts,
		logger:      opts.Logger.With(zap.String("component", "migrator")),
		observer:    opts.Observer,
		tracer:      opts.Tracer,
	}
}

// Registry returns the chain the migrator drives.
func (m *Migrator) Registry() *Registry { return m.registry }

// Init creates and seeds the version table. It is idempotent and leaves an
// existing version untouched.
func (m *Migrator) Init(ctx context.Context) (int, error) {
	if m.provisioner == nil {
		return 0, errors.New("migrator has no provisioner")
	}
	if err := m.executor.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		return m.provisioner.EnsureTable(ctx, tx)
	}); err != nil {
		return 0, err
	}

	var (
		version int
		unlock  func()
	)
	err := m.executor.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		u, verify, err := m.executor.lock(ctx, tx)
		if err != nil {
			return err
		}
		unlock = u
		if version, err = m.provisioner.Seed(ctx, tx); err != nil {
			return err
		}
		if verify != nil {
			return verify(ctx)
		}
		return nil
	})
	if unlock != nil {
		unlock()
	}
	if err != nil {
		return 0, err
	}
	m.logger.Info("version table ready", zap.Int("version", version))
	return version, nil
}

// CurrentVersion returns the stored version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	return m.executor.Current(ctx)
}

// MigrateTo moves the database toward target. The direction is chosen from
// the version stored at entry: forward when it is below target, backward
// otherwise. The run stops when the target is reached, when the chain has
// no further step, or when a backward run reaches RootVersion. Only the
// first case is a success in strict mode; otherwise all three return a nil
// error and the caller inspects Result.Outcome.
func (m *Migrator) MigrateTo(ctx context.Context, target int) (*Result, error) {
	var dir *Direction
	return m.run(ctx, "migration.migrate_to", func(res *Result, current int) (Migration, Direction, Outcome) {
		if dir == nil {
			d := directionFor(current, target)
			dir = &d
			res.Target = target
		}
		return m.registry.next(*dir, current, target)
	})
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) (*Result, error) {
	return m.run(ctx, "migration.up", func(res *Result, current int) (Migration, Direction, Outcome) {
		res.Target = m.registry.Head()
		if current > res.Target {
			res.Target = current
		}
		mig, err := m.registry.FindForward(current)
		if err != nil {
			return Migration{}, Up, OutcomeReached
		}
		return mig, Up, ""
	})
}

// Down reverts the most recent migration.
func (m *Migrator) Down(ctx context.Context) (*Result, error) {
	return m.Steps(ctx, -1)
}

// Reset reverts every migration, back to RootVersion.
func (m *Migrator) Reset(ctx context.Context) (*Result, error) {
	return m.MigrateTo(ctx, RootVersion)
}

// Steps applies n migrations forward, or reverts -n when n is negative.
func (m *Migrator) Steps(ctx context.Context, n int) (*Result, error) {
	dir, count := Up, n
	if n < 0 {
		dir, count = Down, -n
	}
	target := 0
	started := false
	return m.run(ctx, "migration.steps", func(res *Result, current int) (Migration, Direction, Outcome) {
		if !started {
			started = true
			target = current + n
			res.Target = target
		}
		if len(res.Steps) >= count {
			return Migration{}, dir, OutcomeReached
		}
		return m.registry.next(dir, current, target)
	})
}

// nextFunc decides the step for the version read inside the step
// transaction. A non-empty Outcome ends the run.
type nextFunc func(res *Result, current int) (Migration, Direction, Outcome)

// run repeats executor steps until next reports an outcome.
func (m *Migrator) run(ctx context.Context, spanName string, next nextFunc) (res *Result, err error) {
	runID, ok := ctxkeys.RunID(ctx)
	if !ok {
		runID = uuid.NewString()
		ctx = ctxkeys.WithRunID(ctx, runID)
	}

	ctx, span := m.tracer.Start(ctx, spanName)
	defer span.End()

	logger := m.logger.With(zap.String("run_id", runID))
	res = &Result{RunID: runID}
	seen := false

	limit := m.opts.MaxSteps
	if limit <= 0 {
		limit = m.registry.Len()
	}

	defer func() {
		m.observer.ObserveRun(string(res.Outcome), err)
		span.SetAttributes(
			attribute.Int("migration.from", res.From),
			attribute.Int("migration.to", res.To),
			attribute.Int("migration.target", res.Target),
			attribute.Int("migration.steps", len(res.Steps)),
			attribute.String("migration.outcome", string(res.Outcome)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	for {
		var outcome Outcome
		rec, current, err := m.executor.step(ctx, func(current int) (Migration, Direction, bool, error) {
			if !seen {
				seen = true
				res.From, res.To = current, current
			}
			mig, dir, out := next(res, current)
			outcome = out
			if out != "" {
				return Migration{}, dir, false, nil
			}
			if len(res.Steps) >= limit {
				return Migration{}, dir, false, fmt.Errorf("%w: %d steps applied, next is %s %s",
					ErrStepLimitExceeded, len(res.Steps), dir, mig)
			}
			return mig, dir, true, nil
		})
		if err != nil {
			logger.Error("migration run aborted",
				zap.Int("from", res.From),
				zap.Int("to", res.To),
				zap.Int("steps", len(res.Steps)),
				zap.Error(err),
			)
			return res, err
		}

		res.To = current
		if rec == nil {
			res.Outcome = outcome
			break
		}
		res.Steps = append(res.Steps, *rec)
	}

	m.observer.ObserveVersion(res.To)

	fields := []zap.Field{
		zap.Int("from", res.From),
		zap.Int("to", res.To),
		zap.Int("target", res.Target),
		zap.Int("steps", len(res.Steps)),
		zap.String("outcome", string(res.Outcome)),
	}
	if res.Reached() {
		logger.Info("migration run finished", fields...)
		return res, nil
	}

	if res.Outcome == OutcomeChainExhausted || res.Outcome == OutcomeRootReached {
		logger.Info("executed all possible migrations", zap.Int("version", res.To))
	}
	logger.Warn("migration run stopped before target", fields...)
	if m.opts.Strict {
		return res, fmt.Errorf("%w: stopped at version %d, target %d (%s)",
			ErrTargetUnreachable, res.To, res.Target, res.Outcome)
	}
	return res, nil
}

// Plan returns the steps MigrateTo(target) would run from the stored
// version, without running them.
func (m *Migrator) Plan(ctx context.Context, target int) ([]StepRecord, Outcome, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, "", err
	}
	steps, outcome := m.registry.Plan(current, target)
	return steps, outcome, nil
}

// Status returns every migration with whether the stored version includes it.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	return m.statusAt(current), nil
}

func (m *Migrator) statusAt(current int) []MigrationStatus {
	migrations := m.registry.Migrations()
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		out = append(out, MigrationStatus{Migration: mig, Applied: mig.ProducesVersion <= current})
	}
	return out
}

// Info returns a summary of the current migration state.
func (m *Migrator) Info(ctx context.Context) (*MigrationInfo, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	statuses := m.statusAt(current)
	info := &MigrationInfo{
		CurrentVersion:  current,
		HeadVersion:     m.registry.Head(),
		TotalMigrations: len(statuses),
	}
	for _, s := range statuses {
		if s.Applied {
			info.AppliedMigrations++
		}
	}
	info.PendingMigrations = info.TotalMigrations - info.AppliedMigrations
	return info, nil
}

// Close releases the resources handed over in Options.Closers.
func (m *Migrator) Close() error {
	var errs []error
	for i := len(m.opts.Closers) - 1; i >= 0; i-- {
		if err := m.opts.Closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
