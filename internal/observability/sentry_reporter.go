package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/config"
)

// SentryReporter sends errors to Sentry through a dedicated hub.
type SentryReporter struct {
	logger       *zap.Logger
	hub          *sentry.Hub
	flushTimeout time.Duration

	mu   sync.RWMutex
	tags map[string]string
}

func NewSentryReporter(cfg *config.SentryConfig, logger *zap.Logger) (*SentryReporter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("Sentry DSN is required")
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       cfg.SampleRate,
		Debug:            cfg.Debug,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}

	flushTimeout := cfg.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = 2 * time.Second
	}

	return &SentryReporter{
		logger:       logger,
		hub:          sentry.NewHub(client, sentry.NewScope()),
		flushTimeout: flushTimeout,
		tags:         make(map[string]string),
	}, nil
}

func (r *SentryReporter) CaptureError(_ context.Context, err error, errCtx *ErrorContext) error {
	if err == nil {
		return nil
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		r.prepareScope(scope, errCtx)
		r.hub.CaptureException(err)
	})
	return nil
}

func (r *SentryReporter) CaptureMessage(_ context.Context, msg string, severity Severity, errCtx *ErrorContext) error {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(severity))
		r.prepareScope(scope, errCtx)
		r.hub.CaptureMessage(msg)
	})
	return nil
}

func (r *SentryReporter) AddBreadcrumb(category, message string, data map[string]interface{}) {
	r.hub.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}, nil)
}

func (r *SentryReporter) SetTag(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[key] = value
}

func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

func (r *SentryReporter) Close() error {
	if !r.hub.Flush(r.flushTimeout) {
		r.logger.Warn("Sentry flush timed out on close")
	}
	return nil
}

func (r *SentryReporter) prepareScope(scope *sentry.Scope, errCtx *ErrorContext) {
	r.mu.RLock()
	for k, v := range r.tags {
		scope.SetTag(k, v)
	}
	r.mu.RUnlock()

	if errCtx == nil {
		return
	}
	for _, tag := range []struct{ key, value string }{
		{"component", errCtx.Component},
		{"operation", errCtx.Operation},
		{"job", errCtx.Job},
		{"table", errCtx.Table},
	} {
		if tag.value != "" {
			scope.SetTag(tag.key, tag.value)
		}
	}
	if errCtx.SourceID != "" {
		scope.SetExtra("source_id", errCtx.SourceID)
	}
	if errCtx.Chunk >= 0 {
		scope.SetExtra("chunk", errCtx.Chunk)
	}
	for k, v := range errCtx.Extra {
		scope.SetExtra(k, v)
	}
}

func sentryLevel(severity Severity) sentry.Level {
	switch severity {
	case SeverityDebug:
		return sentry.LevelDebug
	case SeverityInfo:
		return sentry.LevelInfo
	case SeverityWarning:
		return sentry.LevelWarning
	case SeverityCritical, SeverityFatal:
		return sentry.LevelFatal
	}
	return sentry.LevelError
}

var _ ErrorReporter = (*SentryReporter)(nil)
