package observability

import (
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/integrations/logcontext-v2/nrzap"
	"github.com/newrelic/go-agent/v3/newrelic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/philippevezina/table-loader/internal/config"
)

const newRelicConnectTimeout = 10 * time.Second

// NewRelicExporter forwards logs to New Relic Logs through nrzap.
type NewRelicExporter struct {
	app    *newrelic.Application
	logger *zap.Logger
}

func NewNewRelicExporter(cfg *config.NewRelicConfig, logger *zap.Logger) (*NewRelicExporter, error) {
	if cfg.LicenseKey == "" {
		return nil, fmt.Errorf("NewRelic license key is required")
	}
	if cfg.AppName == "" {
		return nil, fmt.Errorf("NewRelic app name is required")
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(cfg.LogForwarding),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create NewRelic application: %w", err)
	}

	if err := app.WaitForConnection(newRelicConnectTimeout); err != nil {
		logger.Warn("NewRelic connection timeout, continuing in background", zap.Error(err))
	}

	return &NewRelicExporter{app: app, logger: logger}, nil
}

// WrapCore returns a core that writes to core and forwards every entry it
// accepts to New Relic Logs.
func (e *NewRelicExporter) WrapCore(core zapcore.Core) (zapcore.Core, error) {
	wrapped, err := nrzap.WrapBackgroundCore(core, e.app)
	if err != nil {
		return core, fmt.Errorf("failed to wrap zap core for NewRelic: %w", err)
	}
	return wrapped, nil
}

func (e *NewRelicExporter) Flush(timeout time.Duration) bool {
	e.app.Shutdown(timeout)
	return true
}

func (e *NewRelicExporter) Close() error {
	e.app.Shutdown(5 * time.Second)
	return nil
}

var _ LogExporter = (*NewRelicExporter)(nil)
