package monitoring_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tasksync/backend/internal/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(m *monitoring.Metrics) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/health", m.HealthHandler())
	router.GET("/ready", m.ReadinessHandler())
	router.GET("/live", m.LivenessHandler())
	router.GET("/metrics", m.MetricsHandler())
	return router
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRequestCounters(t *testing.T) {
	m := monitoring.NewMetrics()
	router := newRouter(m)

	get(router, "/ok")
	get(router, "/ok")
	get(router, "/missing")

	stats := m.Requests()
	assert.Equal(t, int64(3), stats.RequestCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, int64(0), stats.ActiveRequests)
	assert.Equal(t, int64(2), stats.Endpoints["GET /ok"])
	assert.Equal(t, int64(1), stats.StatusCodes["Not Found"])
}

func TestRecordPropagation(t *testing.T) {
	m := monitoring.NewMetrics()

	m.RecordPropagation("toggle_subtask", 2, 0)
	m.RecordPropagation("toggle_subtask", 1, 1)
	m.RecordPropagation("set_completion", 3, 0)

	p := m.Propagation()
	assert.Equal(t, int64(2), p.Runs["toggle_subtask"])
	assert.Equal(t, int64(1), p.Runs["set_completion"])
	assert.Equal(t, int64(6), p.Applied)
	assert.Equal(t, int64(1), p.Failed)
}

func TestHealthChecks(t *testing.T) {
	m := monitoring.NewMetrics()
	router := newRouter(m)

	m.RegisterHealthCheck("database", true, func(ctx context.Context) error { return nil })
	assert.Equal(t, http.StatusOK, get(router, "/health").Code)
	assert.Equal(t, http.StatusOK, get(router, "/ready").Code)

	m.RegisterHealthCheck("redis", false, func(ctx context.Context) error { return errors.New("connection refused") })
	w := get(router, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, http.StatusOK, get(router, "/ready").Code)

	m.RegisterHealthCheck("database", true, func(ctx context.Context) error { return errors.New("down") })
	assert.Equal(t, http.StatusServiceUnavailable, get(router, "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(router, "/ready").Code)
	assert.Equal(t, http.StatusOK, get(router, "/live").Code)
}

func TestMetricsHandlerIncludesSections(t *testing.T) {
	m := monitoring.NewMetrics()
	m.RegisterStats("cache", func() interface{} { return map[string]int{"l1": 3} })
	router := newRouter(m)

	w := get(router, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "application")
	assert.Contains(t, body, "propagation")
	assert.Contains(t, body, "system")
	assert.JSONEq(t, `{"l1":3}`, string(body["cache"]))
}
