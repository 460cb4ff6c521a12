package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chainmigrate/config"
	"github.com/BaSui01/chainmigrate/internal/metrics"
	"github.com/BaSui01/chainmigrate/internal/migration"
	"github.com/BaSui01/chainmigrate/internal/telemetry"
)

// =============================================================================
// Migration Commands
// =============================================================================

// command runs one CLI action. arg is the parsed positional argument, if any.
type command struct {
	// argName is the positional argument the command takes, empty for none.
	argName string
	// optional reports whether the positional argument may be omitted.
	optional bool
	run      func(ctx context.Context, cli *migration.CLI, cfg *config.Config, arg int, hasArg bool) error
}

var commands = map[string]command{
	"init": {run: func(ctx context.Context, cli *migration.CLI, _ *config.Config, _ int, _ bool) error {
		return cli.RunInit(ctx)
	}},
	"to": {argName: "version", optional: true, run: func(ctx context.Context, cli *migration.CLI, cfg *config.Config, v int, has bool) error {
		if has {
			return cli.RunTo(ctx, v)
		}
		if cfg.Migration.TargetVersion > 0 {
			return cli.RunTo(ctx, cfg.Migration.TargetVersion)
		}
		return cli.RunUp(ctx)
	}},
	"up": {run: func(ctx context.Context, cli *migration.CLI, _ *config.Config, _ int, _ bool) error {
		return cli.RunUp(ctx)
	}},
	"down": {run: func(ctx context.Context, cli *migration.CLI, _ *config.Config, _ int, _ bool) error {
		return cli.RunDown(ctx)
	}},
	"reset": {run: func(ctx context.Context, cli *migration.CLI, _ *config.Config, _ int, _ bool) error {
		return cli.RunReset(ctx)
	}},
	"steps": {argName: "n", run: func(ctx context.Context, cli *migration.CLI, _ *config.Config, n int, _ bool) error {
		return cli.RunSteps(ctx, n)
	}},
	"plan": {argName: "version", run: func(ctx context.Context, cli *migration.CLI, _ *config.Config, v int, _ bool) error {
		return cli.RunPlan(ctx, v)
	}},
	"status": {run: func(ctx context.Context, cli *migration.CLI, _ *config.Config, _ int, _ bool) error {
		return cli.RunStatus(ctx)
	}},
	"info": {run: func(ctx context.Context, cli *migration.CLI, _ *config.Config, _ int, _ bool) error {
		return cli.RunInfo(ctx)
	}},
	"version": {run: func(ctx context.Context, cli *migration.CLI, _ *config.Config, _ int, _ bool) error {
		return cli.RunVersion(ctx)
	}},
}

// cliFlags holds the options shared by every command
type cliFlags struct {
	configPath string
	dbType     string
	dbURL      string
	migrations string
	strict     bool
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *cliFlags) {
	f := &cliFlags{}
	fs := flag.NewFlagSet("chainmigrate "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.dbType, "db-type", "", "Database type (postgres, mysql, sqlite, sqlite3)")
	fs.StringVar(&f.dbURL, "db-url", "", "Database connection URL")
	fs.StringVar(&f.migrations, "migrations", "", "Migration manifest or SQL directory")
	fs.BoolVar(&f.strict, "strict", false, "Fail when the target version cannot be reached")
	return fs, f
}

// splitArg takes a leading positional argument off args. Negative numbers
// such as "-1" count as positional.
func splitArg(args []string) (string, []string) {
	if len(args) == 0 {
		return "", args
	}
	first := args[0]
	if !strings.HasPrefix(first, "-") {
		return first, args[1:]
	}
	if _, err := strconv.Atoi(first); err == nil {
		return first, args[1:]
	}
	return "", args
}

// loadConfig loads the config file and applies the command line overrides
func loadConfig(f *cliFlags) (*config.Config, error) {
	loader := config.NewLoader()
	if f.configPath != "" {
		loader = loader.WithConfigPath(f.configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if f.dbType != "" {
		cfg.Database.Driver = f.dbType
	}
	if f.dbURL != "" {
		cfg.Database.URL = f.dbURL
	}
	if f.migrations != "" {
		cfg.Migration.Source = f.migrations
	}
	if f.strict {
		cfg.Migration.Strict = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// runCommand connects to the database and runs one migration command
func runCommand(name string, args []string, stdout, stderr io.Writer) int {
	cmd := commands[name]

	raw, rest := splitArg(args)
	fs, flags := newFlagSet(name, stderr)
	if err := fs.Parse(rest); err != nil {
		return exitFailure
	}
	extra := fs.Args()
	// 参数也可以写在选项之后
	if raw == "" && len(extra) > 0 {
		raw, extra = extra[0], extra[1:]
	}
	if len(extra) > 0 {
		fmt.Fprintf(stderr, "Unexpected arguments: %s\n", strings.Join(extra, " "))
		return exitFailure
	}

	var (
		arg    int
		hasArg bool
	)
	switch {
	case raw != "":
		if cmd.argName == "" {
			fmt.Fprintf(stderr, "Command %s takes no arguments\n", name)
			return exitFailure
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			fmt.Fprintf(stderr, "Invalid %s: %s\n", cmd.argName, raw)
			return exitFailure
		}
		arg, hasArg = v, true
	case cmd.argName != "" && !cmd.optional:
		fmt.Fprintf(stderr, "Usage: chainmigrate %s <%s> [options]\n", name, cmd.argName)
		return exitFailure
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitFailure
	}

	// 初始化日志
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := newObservability(cfg, logger)
	defer obs.shutdown()

	setup, err := migration.NewMigratorFromConfig(ctx, cfg, migration.FactoryOptions{
		Logger:   logger,
		Observer: obs.observer(),
		Tracer:   obs.providers.Tracer("github.com/BaSui01/chainmigrate"),
	})
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create migrator: %v\n", err)
		return exitFailure
	}
	defer setup.Migrator.Close()

	cli := migration.NewCLI(setup.Migrator)
	cli.SetOutput(stdout)

	err = cmd.run(ctx, cli, cfg, arg, hasArg)
	obs.flush(ctx, setup)

	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, migration.ErrTargetUnreachable) {
			return exitUnreachable
		}
		return exitFailure
	}
	return exitOK
}

// runValidate loads the migration chain and reports whether it is valid.
// It never touches the database.
func runValidate(args []string, stdout, stderr io.Writer) int {
	fs, flags := newFlagSet("validate", stderr)
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitFailure
	}

	registry, err := migration.LoadSource(cfg.Migration.Source)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid migration chain: %v\n", err)
		return exitFailure
	}

	fmt.Fprintf(stdout, "Migration chain OK: %d migration(s), versions %d..%d\n",
		registry.Len(), migration.RootVersion, registry.Head())
	return exitOK
}

// =============================================================================
// Observability
// =============================================================================

type observability struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers *telemetry.Providers
	collector *metrics.Collector
}

func newObservability(cfg *config.Config, logger *zap.Logger) *observability {
	o := &observability{cfg: cfg, logger: logger}

	providers, err := telemetry.Init(cfg.Telemetry, telemetry.TargetFromConfig(cfg), logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	o.providers = providers

	if cfg.Metrics.Enabled {
		o.collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}
	return o
}

// observer returns the step observer, or nil when metrics are disabled.
// A typed nil collector must not reach the migrator.
func (o *observability) observer() migration.StepObserver {
	if o.collector == nil {
		return nil
	}
	return o.collector
}

// flush records pool gauges and pushes the metrics when a gateway is set
func (o *observability) flush(ctx context.Context, setup *migration.Setup) {
	if o.collector == nil {
		return
	}
	stats := setup.Pool.GetStats()
	o.collector.RecordDBConnections(setup.Pool.Dialect(), stats.OpenConnections, stats.Idle)

	if o.cfg.Metrics.PushURL == "" {
		return
	}
	if err := o.collector.Push(ctx, o.cfg.Metrics.PushURL, o.cfg.Metrics.Job); err != nil {
		o.logger.Warn("failed to push metrics", zap.Error(err))
	}
}

func (o *observability) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.providers.Shutdown(ctx); err != nil {
		o.logger.Warn("failed to shutdown telemetry", zap.Error(err))
	}
}
