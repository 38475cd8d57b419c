package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/philippevezina/table-loader/internal/config"
)

const defaultFlushTimeout = 5 * time.Second

// Manager holds the error reporter and the log exporter selected by
// configuration. Both default to no-ops.
type Manager struct {
	cfg           *config.ObservabilityConfig
	logger        *zap.Logger
	errorReporter ErrorReporter
	logExporter   LogExporter
}

func NewManager(cfg *config.ObservabilityConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{cfg: cfg, logger: logger}

	reporter, err := newErrorReporter(&cfg.ErrorReporting, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize error reporter: %w", err)
	}
	m.errorReporter = reporter

	exporter, err := newLogExporter(&cfg.LogExporting, logger)
	if err != nil {
		_ = reporter.Close()
		return nil, fmt.Errorf("failed to initialize log exporter: %w", err)
	}
	m.logExporter = exporter

	return m, nil
}

func newErrorReporter(cfg *config.ErrorReportingConfig, logger *zap.Logger) (ErrorReporter, error) {
	if !cfg.Enabled {
		return NewNoopErrorReporter(), nil
	}
	switch cfg.Provider {
	case "sentry":
		reporter, err := NewSentryReporter(&cfg.Sentry, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Sentry error reporting enabled", zap.String("environment", cfg.Sentry.Environment))
		return reporter, nil
	case "noop", "":
		return NewNoopErrorReporter(), nil
	}
	return nil, fmt.Errorf("unknown error reporting provider: %s", cfg.Provider)
}

func newLogExporter(cfg *config.LogExportingConfig, logger *zap.Logger) (LogExporter, error) {
	if !cfg.Enabled {
		return NewNoopLogExporter(), nil
	}
	switch cfg.Provider {
	case "newrelic":
		exporter, err := NewNewRelicExporter(&cfg.NewRelic, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("NewRelic log forwarding enabled", zap.String("app_name", cfg.NewRelic.AppName))
		return exporter, nil
	case "noop", "":
		return NewNoopLogExporter(), nil
	}
	return nil, fmt.Errorf("unknown log exporting provider: %s", cfg.Provider)
}

// ReportJobFailure sends a fatal job error tagged with the job and table.
func (m *Manager) ReportJobFailure(ctx context.Context, job, table string, err error) {
	if err == nil {
		return
	}
	errCtx := NewErrorContext("loader", "run_job").WithJob(job).WithTable(table)
	if reportErr := m.errorReporter.CaptureError(ctx, err, errCtx); reportErr != nil {
		m.logger.Warn("Failed to report job failure", zap.String("job", job), zap.Error(reportErr))
	}
}

// ReportPartialJob sends a warning for a job that finished with
// dead-lettered chunks.
func (m *Manager) ReportPartialJob(ctx context.Context, job, table string, failedChunks int) {
	errCtx := NewErrorContext("loader", "run_job").
		WithJob(job).
		WithTable(table).
		WithExtra("failed_chunks", failedChunks)
	msg := fmt.Sprintf("job %s finished with %d failed chunks", job, failedChunks)
	if err := m.errorReporter.CaptureMessage(ctx, msg, SeverityWarning, errCtx); err != nil {
		m.logger.Warn("Failed to report partial job", zap.String("job", job), zap.Error(err))
	}
}

func (m *Manager) GetErrorReporter() ErrorReporter {
	return m.errorReporter
}

func (m *Manager) GetLogExporter() LogExporter {
	return m.logExporter
}

// WrapZapCore returns core wrapped by the log exporter. On failure the
// original core is returned and logging stays local.
func (m *Manager) WrapZapCore(core zapcore.Core) zapcore.Core {
	wrapped, err := m.logExporter.WrapCore(core)
	if err != nil {
		m.logger.Warn("Log forwarding disabled", zap.Error(err))
		return core
	}
	return wrapped
}

// Stop flushes and closes both providers.
func (m *Manager) Stop() error {
	var errs []error

	if !m.errorReporter.Flush(flushTimeout(m.cfg.ErrorReporting.Sentry.FlushTimeout)) {
		m.logger.Warn("Error reporter flush timed out")
	}
	if err := m.errorReporter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error reporter: %w", err))
	}

	if !m.logExporter.Flush(flushTimeout(m.cfg.LogExporting.NewRelic.FlushTimeout)) {
		m.logger.Warn("Log exporter flush timed out")
	}
	if err := m.logExporter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("log exporter: %w", err))
	}

	return errors.Join(errs...)
}

func flushTimeout(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return defaultFlushTimeout
}
