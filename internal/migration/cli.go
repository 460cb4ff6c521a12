package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"
)

// Runner is the migrator surface the CLI drives. *Migrator implements it.
type Runner interface {
	Init(ctx context.Context) (int, error)
	CurrentVersion(ctx context.Context) (int, error)
	MigrateTo(ctx context.Context, target int) (*Result, error)
	Up(ctx context.Context) (*Result, error)
	Down(ctx context.Context) (*Result, error)
	Reset(ctx context.Context) (*Result, error)
	Steps(ctx context.Context, n int) (*Result, error)
	Plan(ctx context.Context, target int) ([]StepRecord, Outcome, error)
	Status(ctx context.Context) ([]MigrationStatus, error)
	Info(ctx context.Context) (*MigrationInfo, error)
}

// CLI provides command-line interface functionality for migrations
type CLI struct {
	migrator Runner
	output   io.Writer
}

// NewCLI creates a new CLI instance
func NewCLI(migrator Runner) *CLI {
	return &CLI{
		migrator: migrator,
		output:   os.Stdout,
	}
}

// SetOutput sets the output writer for CLI messages
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// RunInit creates and seeds the version table
func (c *CLI) RunInit(ctx context.Context) error {
	version, err := c.migrator.Init(ctx)
	if err != nil {
		return fmt.Errorf("init failed: %w", err)
	}
	fmt.Fprintf(c.output, "Version table ready. Current version: %d\n", version)
	return nil
}

// RunTo migrates toward a specific version
func (c *CLI) RunTo(ctx context.Context, target int) error {
	fmt.Fprintf(c.output, "Migrating to version %d...\n", target)
	res, err := c.migrator.MigrateTo(ctx, target)
	c.printResult(res)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// RunUp runs all pending migrations
func (c *CLI) RunUp(ctx context.Context) error {
	fmt.Fprintln(c.output, "Running migrations...")
	res, err := c.migrator.Up(ctx)
	c.printResult(res)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// RunDown rolls back the last migration
func (c *CLI) RunDown(ctx context.Context) error {
	fmt.Fprintln(c.output, "Rolling back last migration...")
	res, err := c.migrator.Down(ctx)
	c.printResult(res)
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

// RunReset rolls back all migrations
func (c *CLI) RunReset(ctx context.Context) error {
	fmt.Fprintln(c.output, "Rolling back all migrations...")
	res, err := c.migrator.Reset(ctx)
	c.printResult(res)
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

// RunSteps applies or rolls back n migrations
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	if n >= 0 {
		fmt.Fprintf(c.output, "Applying %d migration(s)...\n", n)
	} else {
		fmt.Fprintf(c.output, "Rolling back %d migration(s)...\n", -n)
	}
	res, err := c.migrator.Steps(ctx, n)
	c.printResult(res)
	if err != nil {
		return fmt.Errorf("migration steps failed: %w", err)
	}
	return nil
}

// RunVersion shows the current schema version
func (c *CLI) RunVersion(ctx context.Context) error {
	version, err := c.migrator.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	fmt.Fprintf(c.output, "Current version: %d\n", version)
	return nil
}

// RunPlan shows the migrations a run toward target would apply
func (c *CLI) RunPlan(ctx context.Context, target int) error {
	steps, outcome, err := c.migrator.Plan(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to plan: %w", err)
	}

	if len(steps) == 0 {
		fmt.Fprintf(c.output, "Nothing to do (%s).\n", outcome)
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tDIRECTION\tFROM\tTO\tDESCRIPTION")
	fmt.Fprintln(w, "----\t---------\t----\t--\t-----------")
	for i, s := range steps {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", i+1, s.Direction, s.From, s.To, s.Migration.Description)
	}
	w.Flush()

	fmt.Fprintf(c.output, "\n%d step(s), ends with: %s\n", len(steps), outcome)
	return nil
}

// RunStatus shows the status of all migrations
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	// Print header
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FROM\tTO\tDESCRIPTION\tSTATUS")
	fmt.Fprintln(w, "----\t--\t-----------\t------")

	for _, s := range statuses {
		status := "Pending"
		if s.Applied {
			status = "Applied"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n",
			s.Migration.StartVersion, s.Migration.ProducesVersion, s.Migration.Description, status)
	}

	w.Flush()

	// Print summary
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.output)
	fmt.Fprintf(c.output, "Total: %d, Applied: %d, Pending: %d\n",
		info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)

	return nil
}

// RunInfo shows detailed migration information
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}

	fmt.Fprintln(c.output, "Migration Information:")
	fmt.Fprintf(c.output, "  Current Version:    %d\n", info.CurrentVersion)
	fmt.Fprintf(c.output, "  Head Version:       %d\n", info.HeadVersion)
	fmt.Fprintf(c.output, "  Total Migrations:   %d\n", info.TotalMigrations)
	fmt.Fprintf(c.output, "  Applied Migrations: %d\n", info.AppliedMigrations)
	fmt.Fprintf(c.output, "  Pending Migrations: %d\n", info.PendingMigrations)

	return nil
}

func (c *CLI) printResult(res *Result) {
	if res == nil {
		return
	}
	for _, s := range res.Steps {
		fmt.Fprintf(c.output, "  %-4s %d -> %d  %s (%s)\n",
			s.Direction, s.From, s.To, s.Migration.Description, s.Duration.Round(time.Microsecond))
	}
	if res.Outcome == "" {
		fmt.Fprintf(c.output, "Stopped at version: %d\n", res.To)
		return
	}
	fmt.Fprintf(c.output, "Current version: %d (%s)\n", res.To, res.Outcome)
}
