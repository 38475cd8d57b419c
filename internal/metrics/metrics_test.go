package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/common"
	"github.com/philippevezina/table-loader/internal/config"
)

func TestPrometheusMetricsObserveChunk(t *testing.T) {
	m := NewPrometheusMetrics()

	m.ObserveChunk("voted", common.LoadMethodLoadData, 40, 2, 150*time.Millisecond)
	m.ObserveChunk("voted", common.LoadMethodInsert, 10, 0, 20*time.Millisecond)
	m.IncChunksFailed("voted")
	m.AddRowErrors("voted", 3)
	m.SetProgress("voted", 62.5)

	assert.Equal(t, 40.0, testutil.ToFloat64(m.rowsImported.WithLabelValues("voted", "load_data")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.rowsImported.WithLabelValues("voted", "insert")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.duplicates.WithLabelValues("voted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.chunksCommitted.WithLabelValues("voted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chunksFailed.WithLabelValues("voted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.rowErrors.WithLabelValues("voted")))
	assert.Equal(t, 62.5, testutil.ToFloat64(m.progress.WithLabelValues("voted")))
}

func TestPrometheusMetricsUsePrivateRegistry(t *testing.T) {
	// Two instances must not collide on registration.
	a := NewPrometheusMetrics()
	b := NewPrometheusMetrics()
	a.ObserveJob("voted", JobPartial, time.Second)
	b.ObserveJob("voted", JobSucceeded, time.Second)

	assert.Equal(t, 0.5, testutil.ToFloat64(a.jobStatus.WithLabelValues("voted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.jobStatus.WithLabelValues("voted")))
}

func TestManagerDisabledUsesNoop(t *testing.T) {
	m := NewManager(&config.MonitoringConfig{}, zap.NewNop())
	assert.IsType(t, &NoopMetrics{}, m.GetMetrics())
	require.NoError(t, m.Start())
	require.NoError(t, m.Push(context.Background()))
	require.NoError(t, m.Stop())
}

func TestManagerHealth(t *testing.T) {
	m := NewManager(&config.MonitoringConfig{Enabled: true, HealthPath: "/health", MetricsPath: "/metrics"}, zap.NewNop())

	m.SetCurrentJob("voted")
	m.SetDestinationConnected("mysql", true)

	rec := httptest.NewRecorder()
	m.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var h common.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "loading", h.Status)
	assert.Equal(t, "voted", h.CurrentJob)
	assert.True(t, h.DestinationConnected)

	m.JobFinished("voted", JobFailed, time.Second, errors.New("lock held"))
	h = m.Health(context.Background())
	assert.Equal(t, "idle", h.Status)
	assert.Empty(t, h.CurrentJob)
	assert.Equal(t, "voted: lock held", h.LastError)
}

func TestManagerHealthChecks(t *testing.T) {
	m := NewManager(&config.MonitoringConfig{Enabled: true, HealthPath: "/health", MetricsPath: "/metrics"}, zap.NewNop())
	m.SetCurrentJob("voted")

	var destErr error
	m.AddHealthCheck("destination", func(ctx context.Context) error { return destErr })

	h := m.Health(context.Background())
	assert.Equal(t, "loading", h.Status)
	assert.Empty(t, h.Checks)

	destErr = errors.New("connection refused")
	rec := httptest.NewRecorder()
	m.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, map[string]string{"destination": "connection refused"}, h.Checks)
}

func TestManagerPush(t *testing.T) {
	var (
		method string
		path   string
		body   string
	)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	m := NewManager(&config.MonitoringConfig{PushGatewayURL: gateway.URL, PushJobName: "table_loader"}, zap.NewNop())
	m.GetMetrics().AddRowErrors("voted", 1)

	require.NoError(t, m.Push(context.Background()))
	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasPrefix(path, "/metrics/job/table_loader"))
	assert.NotEmpty(t, body)
}
