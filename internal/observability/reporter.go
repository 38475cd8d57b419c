package observability

import (
	"context"
	"time"

	"go.uber.org/zap/zapcore"
)

// ErrorReporter sends job and chunk failures to an error tracking service.
type ErrorReporter interface {
	CaptureError(ctx context.Context, err error, errCtx *ErrorContext) error
	CaptureMessage(ctx context.Context, msg string, severity Severity, errCtx *ErrorContext) error
	// AddBreadcrumb records a step of the current run; breadcrumbs are
	// attached to the next captured event.
	AddBreadcrumb(category, message string, data map[string]interface{})
	// SetTag adds a tag to every later event, e.g. the run id.
	SetTag(key, value string)
	Flush(timeout time.Duration) bool
	Close() error
}

// LogExporter forwards log entries by wrapping the zap core.
type LogExporter interface {
	WrapCore(core zapcore.Core) (zapcore.Core, error)
	Flush(timeout time.Duration) bool
	Close() error
}

// NoopErrorReporter is used when error reporting is disabled.
type NoopErrorReporter struct{}

func NewNoopErrorReporter() *NoopErrorReporter {
	return &NoopErrorReporter{}
}

func (n *NoopErrorReporter) CaptureError(context.Context, error, *ErrorContext) error { return nil }

func (n *NoopErrorReporter) CaptureMessage(context.Context, string, Severity, *ErrorContext) error {
	return nil
}

func (n *NoopErrorReporter) AddBreadcrumb(string, string, map[string]interface{}) {}
func (n *NoopErrorReporter) SetTag(string, string)                                {}
func (n *NoopErrorReporter) Flush(time.Duration) bool                             { return true }
func (n *NoopErrorReporter) Close() error                                         { return nil }

// NoopLogExporter leaves the core untouched.
type NoopLogExporter struct{}

func NewNoopLogExporter() *NoopLogExporter {
	return &NoopLogExporter{}
}

func (n *NoopLogExporter) WrapCore(core zapcore.Core) (zapcore.Core, error) { return core, nil }
func (n *NoopLogExporter) Flush(time.Duration) bool                         { return true }
func (n *NoopLogExporter) Close() error                                     { return nil }

var (
	_ ErrorReporter = (*NoopErrorReporter)(nil)
	_ LogExporter   = (*NoopLogExporter)(nil)
)
