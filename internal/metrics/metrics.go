package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/common"
	"github.com/philippevezina/table-loader/internal/config"
)

// JobStatus is the outcome of one job run.
type JobStatus string

const healthCheckTimeout = 2 * time.Second

const (
	JobSucceeded JobStatus = "succeeded"
	JobPartial   JobStatus = "partial"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) value() float64 {
	switch s {
	case JobSucceeded:
		return 1
	case JobPartial:
		return 0.5
	}
	return 0
}

type Metrics interface {
	ObserveChunk(job string, method common.LoadMethod, rows, duplicates int64, duration time.Duration)
	IncChunksFailed(job string)
	IncChunksSkipped(job string, n int)
	AddRowErrors(job string, n int)
	SetProgress(job string, percent float64)
	SetDestinationRows(job string, rows int64)
	ObserveJob(job string, status JobStatus, duration time.Duration)
	SetConnectionStatus(dbType string, connected bool)
}

// Manager owns the metrics, the optional HTTP endpoint and the optional
// Pushgateway push at the end of the run.
type Manager struct {
	cfg       *config.MonitoringConfig
	logger    *zap.Logger
	metrics   Metrics
	prom      *PrometheusMetrics
	server    *http.Server
	startedAt time.Time

	mu     sync.RWMutex
	health common.HealthStatus
	checks map[string]func(context.Context) error
}

func NewManager(cfg *config.MonitoringConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		logger:    common.LoggerWithComponent(logger, "metrics"),
		metrics:   &NoopMetrics{},
		startedAt: time.Now(),
		health:    common.HealthStatus{Status: "starting", Version: common.GetVersion()},
		checks:    make(map[string]func(context.Context) error),
	}
	if cfg.Enabled || cfg.PushGatewayURL != "" {
		m.prom = NewPrometheusMetrics()
		m.metrics = m.prom
	}
	return m
}

func (m *Manager) Start() error {
	if !m.cfg.Enabled {
		m.logger.Info("Metrics endpoint disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.cfg.MetricsPath, promhttp.HandlerFor(m.prom.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc(m.cfg.HealthPath, m.healthHandler)

	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Starting metrics server",
			zap.Int("port", m.cfg.Port),
			zap.String("metrics_path", m.cfg.MetricsPath),
			zap.String("health_path", m.cfg.HealthPath))

		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Push sends the current metrics to the configured Pushgateway. It is a
// no-op when no gateway is configured.
func (m *Manager) Push(ctx context.Context) error {
	if m.cfg.PushGatewayURL == "" || m.prom == nil {
		return nil
	}

	err := push.New(m.cfg.PushGatewayURL, m.cfg.PushJobName).
		Gatherer(m.prom.Registry()).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", m.cfg.PushGatewayURL, err)
	}

	m.logger.Info("Metrics pushed", zap.String("gateway", m.cfg.PushGatewayURL))
	return nil
}

func (m *Manager) Stop() error {
	if m.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Error("Failed to shutdown metrics server", zap.Error(err))
		return err
	}

	m.logger.Info("Metrics server stopped")
	return nil
}

func (m *Manager) GetMetrics() Metrics {
	return m.metrics
}

// SetCurrentJob updates the job reported by the health endpoint.
func (m *Manager) SetCurrentJob(job string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.Status = "loading"
	m.health.CurrentJob = job
}

// SetDestinationConnected updates both the health endpoint and the
// connection gauge.
func (m *Manager) SetDestinationConnected(dbType string, connected bool) {
	m.metrics.SetConnectionStatus(dbType, connected)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.DestinationConnected = connected
}

// JobFinished records the outcome of a job for metrics and health.
func (m *Manager) JobFinished(job string, status JobStatus, duration time.Duration, err error) {
	m.metrics.ObserveJob(job, status, duration)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.Status = "idle"
	m.health.CurrentJob = ""
	if err != nil {
		m.health.LastError = fmt.Sprintf("%s: %v", job, err)
	}
}

// AddHealthCheck registers a check run by every health request. A failing
// check marks the status "degraded".
func (m *Manager) AddHealthCheck(name string, check func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Health returns the current status after running the registered checks.
func (m *Manager) Health(ctx context.Context) common.HealthStatus {
	m.mu.RLock()
	h := m.health
	checks := make(map[string]func(context.Context) error, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	h.Uptime = time.Since(m.startedAt)
	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := check(checkCtx)
		cancel()
		if err == nil {
			continue
		}
		if h.Checks == nil {
			h.Checks = make(map[string]string)
		}
		h.Checks[name] = err.Error()
		h.Status = "degraded"
	}
	return h
}

func (m *Manager) healthHandler(w http.ResponseWriter, r *http.Request) {
	h := m.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if h.Status == "degraded" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		m.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

type NoopMetrics struct{}

func (n *NoopMetrics) ObserveChunk(job string, method common.LoadMethod, rows, duplicates int64, duration time.Duration) {
}
func (n *NoopMetrics) IncChunksFailed(job string)                                      {}
func (n *NoopMetrics) IncChunksSkipped(job string, count int)                          {}
func (n *NoopMetrics) AddRowErrors(job string, count int)                              {}
func (n *NoopMetrics) SetProgress(job string, percent float64)                         {}
func (n *NoopMetrics) SetDestinationRows(job string, rows int64)                       {}
func (n *NoopMetrics) ObserveJob(job string, status JobStatus, duration time.Duration) {}
func (n *NoopMetrics) SetConnectionStatus(dbType string, connected bool)               {}
