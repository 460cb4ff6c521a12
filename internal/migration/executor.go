package migration

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/chainmigrate/internal/ctxkeys"
	"github.com/BaSui01/chainmigrate/internal/database"
)

// =============================================================================
// Collaborators
// =============================================================================

// Transactor runs functions inside database transactions.
// *database.PoolManager implements it.
type Transactor interface {
	WithTransaction(ctx context.Context, fn database.TransactionFunc) error
	WithTransactionRetry(ctx context.Context, maxRetries int, fn database.TransactionFunc) error
}

// StepObserver receives step and lock timings once a step transaction has
// finished, and the outcome of every driver run. *metrics.Collector
// implements it.
type StepObserver interface {
	ObserveStep(direction string, duration time.Duration, err error)
	ObserveVersion(version int)
	ObserveLockWait(duration time.Duration)
	ObserveRun(outcome string, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveStep(string, time.Duration, error) {}
func (nopObserver) ObserveVersion(int)                       {}
func (nopObserver) ObserveLockWait(time.Duration)            {}
func (nopObserver) ObserveRun(string, error)                 {}

// StepRecord describes one committed step.
type StepRecord struct {
	Migration Migration     `json:"migration"`
	Direction Direction     `json:"direction"`
	From      int           `json:"from"`
	To        int           `json:"to"`
	Duration  time.Duration `json:"duration"`
}

// =============================================================================
// Executor
// =============================================================================

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLocker sets the step lock. The default is NopLocker.
func WithLocker(l Locker) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver sets the metrics sink.
func WithObserver(o StepObserver) ExecutorOption {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithTracer sets the tracer used for step spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithStepTimeout bounds each step transaction. Zero means no bound.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.stepTimeout = d }
}

// WithStepRetries retries a step transaction that failed with a transient
// error such as a deadlock or a serialization failure.
func WithStepRetries(n int) ExecutorOption {
	return func(e *Executor) { e.retries = n }
}

// Executor applies single migration steps. Every step runs in one
// transaction that takes the lock, checks the stored version against the
// step's precondition, runs the statements and records the new version.
// Any failure rolls the whole transaction back.
type Executor struct {
	pool        Transactor
	store       VersionStore
	locker      Locker
	logger      *zap.Logger
	observer    StepObserver
	tracer      trace.Tracer
	stepTimeout time.Duration
	retries     int
}

// NewExecutor creates an executor writing versions to store.
func NewExecutor(pool Transactor, store VersionStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		pool:     pool,
		store:    store,
		locker:   NopLocker{},
		logger:   zap.NewNop(),
		observer: nopObserver{},
		tracer:   otel.Tracer("github.com/BaSui01/chainmigrate/internal/migration"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "migration_executor"))
	return e
}

// Apply runs m in direction dir. The stored version must equal
// m.StartVersion for Up and m.ProducesVersion for Down, otherwise a
// *VersionMismatchError is returned and nothing changes.
func (e *Executor) Apply(ctx context.Context, m Migration, dir Direction) (StepRecord, error) {
	rec, _, err := e.step(ctx, func(int) (Migration, Direction, bool, error) {
		return m, dir, true, nil
	})
	if err != nil {
		return StepRecord{}, err
	}
	return *rec, nil
}

// Current reads the stored version in its own locked transaction.
func (e *Executor) Current(ctx context.Context) (int, error) {
	_, current, err := e.step(ctx, func(int) (Migration, Direction, bool, error) {
		return Migration{}, Up, false, nil
	})
	return current, err
}

// lock takes the step lock. verify is nil unless the locker's hold can lapse
// before commit.
func (e *Executor) lock(ctx context.Context, tx *gorm.DB) (unlock func(), verify func(context.Context) error, err error) {
	if g, ok := e.locker.(GuardedLocker); ok {
		return g.LockGuarded(ctx, tx)
	}
	unlock, err = e.locker.Lock(ctx, tx)
	return unlock, nil, err
}

// pickFunc chooses the step to run given the stored version. Returning
// ok=false ends the transaction without changes.
type pickFunc func(current int) (m Migration, dir Direction, ok bool, err error)

// step opens a locked transaction, reads the stored version and lets pick
// choose what to run. The returned version is the one stored when the
// transaction ended. rec is nil when pick declined.
func (e *Executor) step(ctx context.Context, pick pickFunc) (rec *StepRecord, current int, err error) {
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, "migration.step")
	defer span.End()

	logger := e.logger
	if runID, ok := ctxkeys.RunID(ctx); ok {
		logger = logger.With(zap.String("run_id", runID))
	}

	var (
		unlock   func()
		lockWait time.Duration
		applying bool
		stepDir  Direction
		started  time.Time
	)
	fn := func(tx *gorm.DB) error {
		rec, current = nil, 0
		lockWait, applying = 0, false
		// 重试时上一次事务已结束，先释放它的锁
		if unlock != nil {
			unlock()
			unlock = nil
		}

		lockStart := time.Now()
		u, verify, err := e.lock(ctx, tx)
		if err != nil {
			return err
		}
		unlock = u
		lockWait = time.Since(lockStart)

		current, err = e.store.Current(ctx, tx)
		if err != nil {
			return err
		}

		m, dir, ok, err := pick(current)
		if err != nil || !ok {
			return err
		}
		applying, stepDir = true, dir

		required, next, stmt := m.versions(dir)
		if current != required {
			return &VersionMismatchError{Current: current, Required: required, Migration: m, Direction: dir}
		}

		logger.Info("versions match; executing migration",
			zap.String("direction", dir.String()),
			zap.Int("from", current),
			zap.Int("to", next),
			zap.String("description", m.Description),
		)

		started = time.Now()
		if err := tx.WithContext(ctx).Exec(stmt).Error; err != nil {
			return &SchemaExecutionError{Migration: m, Direction: dir, Err: err}
		}
		if err := e.store.Set(ctx, tx, next); err != nil {
			return err
		}
		if verify != nil {
			if err := verify(ctx); err != nil {
				return err
			}
		}

		rec = &StepRecord{Migration: m, Direction: dir, From: current, To: next}
		current = next
		return nil
	}

	err = e.pool.WithTransactionRetry(ctx, e.retries, fn)
	if unlock != nil {
		unlock()
	}
	// 只读事务与取锁失败不计入锁等待
	if applying {
		e.observer.ObserveLockWait(lockWait)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var mismatch *VersionMismatchError
		var exec *SchemaExecutionError
		switch {
		case errors.As(err, &mismatch):
			logger.Warn("version mismatch; step not applied", zap.Error(err))
			e.observer.ObserveStep(mismatch.Direction.String(), 0, err)
		case errors.As(err, &exec):
			logger.Error("migration failed; transaction rolled back", zap.Error(err))
			e.observer.ObserveStep(exec.Direction.String(), time.Since(started), err)
		case errors.Is(err, ErrLockLost):
			logger.Error("migration lock lost; transaction rolled back", zap.Error(err))
			e.observer.ObserveStep(stepDir.String(), time.Since(started), err)
		default:
			logger.Error("migration step failed", zap.Error(err))
		}
		return nil, 0, err
	}

	if rec == nil {
		return nil, current, nil
	}

	rec.Duration = time.Since(started)
	span.SetAttributes(
		attribute.String("migration.direction", rec.Direction.String()),
		attribute.Int("migration.from", rec.From),
		attribute.Int("migration.to", rec.To),
	)
	e.observer.ObserveStep(rec.Direction.String(), rec.Duration, nil)
	e.observer.ObserveVersion(rec.To)
	logger.Info("migration completed",
		zap.String("direction", rec.Direction.String()),
		zap.Int("from", rec.From),
		zap.Int("to", rec.To),
		zap.Duration("duration", rec.Duration),
	)
	return rec, current, nil
}
