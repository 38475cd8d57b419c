package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/philippevezina/table-loader/internal/config"
)

type capturedEvent struct {
	err      error
	msg      string
	severity Severity
	ctx      *ErrorContext
}

type recordingReporter struct {
	NoopErrorReporter
	events []capturedEvent
}

func (r *recordingReporter) CaptureError(_ context.Context, err error, errCtx *ErrorContext) error {
	r.events = append(r.events, capturedEvent{err: err, ctx: errCtx})
	return nil
}

func (r *recordingReporter) CaptureMessage(_ context.Context, msg string, severity Severity, errCtx *ErrorContext) error {
	r.events = append(r.events, capturedEvent{msg: msg, severity: severity, ctx: errCtx})
	return nil
}

func TestErrorContextToMap(t *testing.T) {
	ec := NewErrorContext("loader", "write_chunk").
		WithJob("voted").
		WithTable("analytics.account_voted").
		WithChunk("src-1", 0).
		WithExtra("attempt", 2)

	assert.Equal(t, map[string]interface{}{
		"component": "loader",
		"operation": "write_chunk",
		"job":       "voted",
		"table":     "analytics.account_voted",
		"source_id": "src-1",
		"chunk":     0,
		"attempt":   2,
	}, ec.ToMap())

	bare := NewErrorContext("mysql", "prepare").ToMap()
	assert.NotContains(t, bare, "chunk")
	assert.NotContains(t, bare, "source_id")
}

func TestNewManagerDisabledUsesNoop(t *testing.T) {
	m, err := NewManager(&config.ObservabilityConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &NoopErrorReporter{}, m.GetErrorReporter())
	assert.IsType(t, &NoopLogExporter{}, m.GetLogExporter())

	core := zapcore.NewNopCore()
	assert.Equal(t, core, m.WrapZapCore(core))
	require.NoError(t, m.Stop())
}

func TestNewManagerRejectsUnknownProvider(t *testing.T) {
	cfg := &config.ObservabilityConfig{
		ErrorReporting: config.ErrorReportingConfig{Enabled: true, Provider: "rollbar"},
	}
	_, err := NewManager(cfg, zap.NewNop())
	require.Error(t, err)

	cfg = &config.ObservabilityConfig{
		ErrorReporting: config.ErrorReportingConfig{Enabled: true, Provider: "sentry"},
	}
	_, err = NewManager(cfg, zap.NewNop())
	require.Error(t, err, "sentry without a DSN")
}

func TestManagerReportsJobOutcomes(t *testing.T) {
	rec := &recordingReporter{}
	m := &Manager{cfg: &config.ObservabilityConfig{}, logger: zap.NewNop(), errorReporter: rec}

	m.ReportJobFailure(context.Background(), "voted", "analytics.account_voted", errors.New("lock held"))
	m.ReportJobFailure(context.Background(), "voted", "analytics.account_voted", nil)
	m.ReportPartialJob(context.Background(), "voted", "analytics.account_voted", 2)

	require.Len(t, rec.events, 2)
	assert.EqualError(t, rec.events[0].err, "lock held")
	assert.Equal(t, "voted", rec.events[0].ctx.Job)
	assert.Equal(t, -1, rec.events[0].ctx.Chunk)

	assert.Equal(t, SeverityWarning, rec.events[1].severity)
	assert.Contains(t, rec.events[1].msg, "2 failed chunks")
	assert.Equal(t, 2, rec.events[1].ctx.Extra["failed_chunks"])
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "unknown", Severity(42).String())
	assert.True(t, NewNoopErrorReporter().Flush(time.Second))
}

func TestSentryLevel(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "fatal"},
		{Severity(42), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.severity.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, string(sentryLevel(tt.severity)))
		})
	}
}
