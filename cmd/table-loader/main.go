package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/clickhouse"
	"github.com/philippevezina/table-loader/internal/common"
	"github.com/philippevezina/table-loader/internal/config"
	"github.com/philippevezina/table-loader/internal/loader"
	"github.com/philippevezina/table-loader/internal/metrics"
	"github.com/philippevezina/table-loader/internal/mysql"
	"github.com/philippevezina/table-loader/internal/mysql/connector"
	"github.com/philippevezina/table-loader/internal/observability"
)

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

type runOptions struct {
	configPath string
	job        string
	dryRun     bool
	onlyFailed bool
	strict     bool
}

type Application struct {
	cfg                  *config.Config
	opts                 runOptions
	logger               *zap.Logger
	runID                string
	mysqlDB              *sql.DB
	clickhouseClient     *clickhouse.Client
	metricsManager       *metrics.Manager
	observabilityManager *observability.Manager
}

// jobOutcome is what the exit code is derived from.
type jobOutcome struct {
	failedJobs   int
	partialJobs  int
	finishedJobs int
}

func main() {
	var (
		configPath   = flag.String("config", "configs/example.yaml", "Path to configuration file")
		job          = flag.String("job", "", "Run only the named job")
		dryRun       = flag.Bool("dry-run", false, "Read and validate every chunk without writing to the destination")
		onlyFailed   = flag.Bool("only-failed", false, "Load only the chunks recorded as failed in the ledger")
		strict       = flag.Bool("strict", false, "Exit with status 2 when any chunk failed")
		version      = flag.Bool("version", false, "Show version information")
		testSentry   = flag.Bool("test-sentry", false, "Send a test error to Sentry and exit")
		testNewRelic = flag.Bool("test-newrelic", false, "Send test logs to NewRelic and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("Table Loader %s\n", common.GetVersion())
		os.Exit(exitOK)
	}

	if *testSentry {
		if err := runSentryTest(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Sentry test failed: %v\n", err)
			os.Exit(exitFatal)
		}
		os.Exit(exitOK)
	}

	if *testNewRelic {
		if err := runNewRelicTest(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "NewRelic test failed: %v\n", err)
			os.Exit(exitFatal)
		}
		os.Exit(exitOK)
	}

	outcome, err := run(runOptions{
		configPath: *configPath,
		job:        *job,
		dryRun:     *dryRun,
		onlyFailed: *onlyFailed,
		strict:     *strict,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(outcome, *strict, err))
}

// exitCode maps a run to the process status: 1 when any job failed
// fatally, 2 when -strict is set and a job left failed chunks, else 0.
func exitCode(outcome jobOutcome, strict bool, err error) int {
	if err != nil || outcome.failedJobs > 0 {
		return exitFatal
	}
	if strict && outcome.partialJobs > 0 {
		return exitPartial
	}
	return exitOK
}

func run(opts runOptions) (jobOutcome, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return jobOutcome{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	loggerCore, err := common.NewLoggerCore(&cfg.Logging)
	if err != nil {
		return jobOutcome{}, fmt.Errorf("failed to create logger core: %w", err)
	}
	initialLogger := loggerCore.BuildLogger(loggerCore.Core)

	observabilityManager, err := observability.NewManager(
		&cfg.Observability,
		common.LoggerWithComponent(initialLogger, "observability"),
	)
	if err != nil {
		return jobOutcome{}, fmt.Errorf("failed to create observability manager: %w", err)
	}

	logger := loggerCore.BuildLogger(observabilityManager.WrapZapCore(loggerCore.Core))
	defer logger.Sync()

	app := &Application{
		cfg:                  cfg,
		opts:                 opts,
		logger:               logger,
		runID:                uuid.NewString(),
		observabilityManager: observabilityManager,
		metricsManager:       metrics.NewManager(&cfg.Monitoring, logger),
	}
	defer app.stop()

	reporter := observabilityManager.GetErrorReporter()
	reporter.SetTag("run_id", app.runID)
	reporter.SetTag("destination", cfg.Destination)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.start(ctx); err != nil {
		return jobOutcome{}, err
	}

	app.logger.Info("Table Loader started",
		zap.String("version", common.GetVersion()),
		zap.String("run_id", app.runID),
		zap.String("destination", cfg.Destination),
		zap.Bool("dry_run", opts.dryRun),
		zap.Bool("only_failed", opts.onlyFailed))

	outcome, err := app.runJobs(ctx)

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if pushErr := app.metricsManager.Push(pushCtx); pushErr != nil {
		app.logger.Warn("Failed to push metrics", zap.Error(pushErr))
	}

	app.logger.Info("Table Loader finished",
		zap.Int("jobs_finished", outcome.finishedJobs),
		zap.Int("jobs_partial", outcome.partialJobs),
		zap.Int("jobs_failed", outcome.failedJobs))
	return outcome, err
}

func (a *Application) start(ctx context.Context) error {
	if err := a.metricsManager.Start(); err != nil {
		return fmt.Errorf("failed to start metrics manager: %w", err)
	}
	if a.opts.dryRun {
		a.logger.Info("Dry run, not connecting to the destination")
		return nil
	}

	switch a.cfg.Destination {
	case config.DestinationMySQL:
		db, err := connector.New(&a.cfg.MySQL, common.LoggerWithComponent(a.logger, "connector")).Open(ctx, a.cfg.MySQL.Database)
		if err != nil {
			a.metricsManager.SetDestinationConnected(a.cfg.Destination, false)
			return fmt.Errorf("failed to connect to MySQL: %w", err)
		}
		a.mysqlDB = db
	case config.DestinationClickHouse:
		client, err := clickhouse.Open(ctx, &a.cfg.ClickHouse, common.LoggerWithComponent(a.logger, "clickhouse"))
		if err != nil {
			a.metricsManager.SetDestinationConnected(a.cfg.Destination, false)
			return fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		a.clickhouseClient = client
	default:
		return fmt.Errorf("unsupported destination %q", a.cfg.Destination)
	}

	db := a.mysqlDB
	if a.clickhouseClient != nil {
		db = a.clickhouseClient.DB()
	}
	a.metricsManager.AddHealthCheck("destination", db.PingContext)
	a.metricsManager.SetDestinationConnected(a.cfg.Destination, true)
	return nil
}

// runJobs runs the selected jobs one after another. A fatal job error is
// reported and the next job still runs; cancellation stops the run.
func (a *Application) runJobs(ctx context.Context) (jobOutcome, error) {
	var outcome jobOutcome

	filter, err := common.NewJobFilter(a.cfg.JobFilter)
	if err != nil {
		return outcome, fmt.Errorf("failed to create job filter: %w", err)
	}
	filter.Only(a.opts.job)

	jobs := filter.Select(a.cfg.Jobs)
	if len(jobs) == 0 {
		return outcome, fmt.Errorf("no job selected")
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}

		start := time.Now()
		a.metricsManager.SetCurrentJob(job.Name)

		summary, err := loader.New(
			job,
			a.loaderOptions(job),
			a.destination(),
			a.metricsManager.GetMetrics(),
			a.observabilityManager.GetErrorReporter(),
			a.logger,
		).Run(ctx)

		switch {
		case err != nil:
			outcome.failedJobs++
			a.metricsManager.JobFinished(job.Name, metrics.JobFailed, time.Since(start), err)
			a.logger.Error("Job failed",
				zap.String("job", job.Name),
				zap.String("table", job.Table.Name),
				zap.Error(err))
			if errors.Is(err, context.Canceled) {
				return outcome, err
			}
			a.observabilityManager.ReportJobFailure(ctx, job.Name, job.Table.Name, err)
		case summary.Partial():
			outcome.partialJobs++
			outcome.finishedJobs++
			a.metricsManager.JobFinished(job.Name, metrics.JobPartial, time.Since(start), nil)
			a.observabilityManager.ReportPartialJob(ctx, job.Name, summary.Table, summary.ChunksFailed)
		default:
			outcome.finishedJobs++
			a.metricsManager.JobFinished(job.Name, metrics.JobSucceeded, time.Since(start), nil)
		}
	}
	return outcome, nil
}

func (a *Application) loaderOptions(job config.JobConfig) loader.Options {
	database := a.cfg.MySQL.Database
	if a.cfg.Destination == config.DestinationClickHouse {
		database = a.cfg.ClickHouse.Database
	}
	return loader.Options{
		Database:     database,
		NullValues:   a.cfg.Load.NullValues,
		MaxRowErrors: a.cfg.Load.MaxRowErrors,
		DryRun:       a.opts.dryRun,
		OnlyFailed:   a.opts.onlyFailed,
		RunID:        a.runID,
	}
}

// destination returns a fresh destination for one job, or nil on a dry run.
func (a *Application) destination() loader.Destination {
	switch {
	case a.mysqlDB != nil:
		return mysql.NewDestination(a.mysqlDB, &a.cfg.MySQL, a.cfg.Load, a.cfg.State, a.logger)
	case a.clickhouseClient != nil:
		return clickhouse.NewDestination(a.clickhouseClient, a.cfg.Load, a.cfg.State, a.logger)
	}
	return nil
}

func (a *Application) stop() {
	var errs []error

	if a.mysqlDB != nil {
		if err := a.mysqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("MySQL close error: %w", err))
		}
	}
	if a.clickhouseClient != nil {
		if err := a.clickhouseClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ClickHouse client close error: %w", err))
		}
	}
	if err := a.metricsManager.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("metrics manager stop error: %w", err))
	}
	if err := a.observabilityManager.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("observability manager stop error: %w", err))
	}

	if len(errs) > 0 {
		a.logger.Error("Errors during shutdown", zap.Error(errors.Join(errs...)))
	}
}

func runSentryTest(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Observability.ErrorReporting.Enabled = true

	loggerCore, err := common.NewLoggerCore(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger core: %w", err)
	}
	logger := loggerCore.BuildLogger(loggerCore.Core)
	defer logger.Sync()

	obsManager, err := observability.NewManager(&cfg.Observability, common.LoggerWithComponent(logger, "observability"))
	if err != nil {
		return fmt.Errorf("failed to create observability manager: %w", err)
	}

	ctx := context.Background()
	testErr := fmt.Errorf("test error from table-loader at %s", time.Now().Format(time.RFC3339))
	logger.Info("Sending test error to Sentry", zap.String("error", testErr.Error()))

	obsManager.GetErrorReporter().CaptureError(ctx, testErr,
		observability.NewErrorContext("test", "sentry_verification").
			WithJob("test_job").
			WithTable("test_table").
			WithChunk("test_source", 0))
	obsManager.GetErrorReporter().CaptureMessage(ctx,
		"Test message from table-loader Sentry verification",
		observability.SeverityInfo,
		observability.NewErrorContext("test", "sentry_verification"))

	if !obsManager.GetErrorReporter().Flush(10 * time.Second) {
		logger.Warn("Flush timed out, some events may not have been sent")
	}
	if err := obsManager.Stop(); err != nil {
		logger.Warn("Error stopping observability manager", zap.Error(err))
	}

	logger.Info("Sentry test completed. Check your Sentry dashboard for the test error.")
	return nil
}

func runNewRelicTest(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Observability.LogExporting.Enabled = true

	loggerCore, err := common.NewLoggerCore(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger core: %w", err)
	}
	initialLogger := loggerCore.BuildLogger(loggerCore.Core)

	obsManager, err := observability.NewManager(&cfg.Observability, common.LoggerWithComponent(initialLogger, "observability"))
	if err != nil {
		return fmt.Errorf("failed to create observability manager: %w", err)
	}

	logger := loggerCore.BuildLogger(obsManager.WrapZapCore(loggerCore.Core))
	defer logger.Sync()

	logger.Info("Test INFO message from table-loader NewRelic verification", zap.Int("test_number", 1))
	logger.Warn("Test WARN message from table-loader NewRelic verification", zap.Int("test_number", 2))
	logger.Error("Test ERROR message from table-loader NewRelic verification",
		zap.Int("test_number", 3),
		zap.Error(fmt.Errorf("simulated error for testing")))

	time.Sleep(2 * time.Second)
	if !obsManager.GetLogExporter().Flush(15 * time.Second) {
		logger.Warn("Flush timed out, some logs may not have been sent")
	}
	if err := obsManager.Stop(); err != nil {
		initialLogger.Warn("Error stopping observability manager", zap.Error(err))
	}

	fmt.Println("NewRelic test completed. Look for logs containing 'table-loader NewRelic verification'.")
	return nil
}
