package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const checkTimeout = 5 * time.Second

type RequestStats struct {
	RequestCount   int64            `json:"request_count"`
	AvgDurationMs  float64          `json:"avg_request_duration_ms"`
	ActiveRequests int64            `json:"active_requests"`
	ErrorCount     int64            `json:"error_count"`
	StatusCodes    map[string]int64 `json:"status_codes"`
	Endpoints      map[string]int64 `json:"endpoint_calls"`
	StartTime      time.Time        `json:"start_time"`
	LastRequest    time.Time        `json:"last_request"`
	totalDuration  time.Duration
}

// PropagationStats counts fan-out outcomes per mutation kind.
type PropagationStats struct {
	Runs    map[string]int64 `json:"runs"`
	Applied int64            `json:"targets_applied"`
	Failed  int64            `json:"targets_failed"`
}

type HealthCheck struct {
	Name    string    `json:"name"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	LastRun time.Time `json:"last_run"`
}

type HealthCheckFunc func(ctx context.Context) error

// StatsFunc contributes a named section to the metrics endpoint.
type StatsFunc func() interface{}

// Metrics collects request and propagation counters and serves the
// operational endpoints.
type Metrics struct {
	mu          sync.RWMutex
	requests    RequestStats
	propagation PropagationStats
	checks      map[string]HealthCheckFunc
	critical    map[string]bool
	sections    map[string]StatsFunc
	now         func() time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests: RequestStats{
			StatusCodes: make(map[string]int64),
			Endpoints:   make(map[string]int64),
			StartTime:   time.Now(),
		},
		propagation: PropagationStats{Runs: make(map[string]int64)},
		checks:      make(map[string]HealthCheckFunc),
		critical:    make(map[string]bool),
		sections:    make(map[string]StatsFunc),
		now:         time.Now,
	}
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := m.now()

		m.mu.Lock()
		m.requests.ActiveRequests++
		m.mu.Unlock()

		c.Next()

		duration := m.now().Sub(start)
		statusCode := c.Writer.Status()
		endpoint := c.Request.Method + " " + c.FullPath()

		m.mu.Lock()
		defer m.mu.Unlock()
		m.requests.RequestCount++
		m.requests.ActiveRequests--
		m.requests.totalDuration += duration
		m.requests.LastRequest = m.now()
		if statusCode >= 400 {
			m.requests.ErrorCount++
		}
		m.requests.StatusCodes[http.StatusText(statusCode)]++
		m.requests.Endpoints[endpoint]++
	}
}

// RecordPropagation implements services.PropagationRecorder.
func (m *Metrics) RecordPropagation(kind string, applied, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.propagation.Runs[kind]++
	m.propagation.Applied += int64(applied)
	m.propagation.Failed += int64(failed)
}

func (m *Metrics) Requests() RequestStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.requests
	out.StatusCodes = make(map[string]int64, len(m.requests.StatusCodes))
	for k, v := range m.requests.StatusCodes {
		out.StatusCodes[k] = v
	}
	out.Endpoints = make(map[string]int64, len(m.requests.Endpoints))
	for k, v := range m.requests.Endpoints {
		out.Endpoints[k] = v
	}
	if out.RequestCount > 0 {
		out.AvgDurationMs = float64(m.requests.totalDuration.Microseconds()) / 1000 / float64(out.RequestCount)
	}
	return out
}

func (m *Metrics) Propagation() PropagationStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := PropagationStats{
		Runs:    make(map[string]int64, len(m.propagation.Runs)),
		Applied: m.propagation.Applied,
		Failed:  m.propagation.Failed,
	}
	for k, v := range m.propagation.Runs {
		out.Runs[k] = v
	}
	return out
}

// RegisterHealthCheck adds a check run by the health endpoints. A failing
// critical check makes the service not ready; a failing non-critical check
// only marks it degraded.
func (m *Metrics) RegisterHealthCheck(name string, critical bool, check HealthCheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
	m.critical[name] = critical
}

func (m *Metrics) RegisterStats(name string, fn StatsFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sections[name] = fn
}

// RunHealthChecks runs every registered check and reports whether all
// critical checks and all checks passed.
func (m *Metrics) RunHealthChecks(ctx context.Context) (map[string]HealthCheck, bool, bool) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheckFunc, len(m.checks))
	critical := make(map[string]bool, len(m.critical))
	for name, fn := range m.checks {
		checks[name] = fn
		critical[name] = m.critical[name]
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]HealthCheck, len(names))
	ready, healthy := true, true
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checks[name](checkCtx)
		cancel()

		result := HealthCheck{Name: name, Status: "healthy", LastRun: m.now()}
		if err != nil {
			result.Status = "unhealthy"
			result.Message = err.Error()
			healthy = false
			if critical[name] {
				ready = false
			}
		}
		results[name] = result
	}
	return results, ready, healthy
}

type SystemMetrics struct {
	Uptime         string      `json:"uptime"`
	MemoryUsage    MemoryStats `json:"memory"`
	GoroutineCount int         `json:"goroutine_count"`
	CPUCount       int         `json:"cpu_count"`
	GoVersion      string      `json:"go_version"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc_mb"`
	TotalAlloc uint64 `json:"total_alloc_mb"`
	Sys        uint64 `json:"sys_mb"`
	NumGC      uint32 `json:"num_gc"`
}

func (m *Metrics) System() SystemMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return SystemMetrics{
		Uptime: m.now().Sub(m.requests.StartTime).Round(time.Second).String(),
		MemoryUsage: MemoryStats{
			Alloc:      bToMb(ms.Alloc),
			TotalAlloc: bToMb(ms.TotalAlloc),
			Sys:        bToMb(ms.Sys),
			NumGC:      ms.NumGC,
		},
		GoroutineCount: runtime.NumGoroutine(),
		CPUCount:       runtime.NumCPU(),
		GoVersion:      runtime.Version(),
	}
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}

func (m *Metrics) MetricsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		sections := make(map[string]StatsFunc, len(m.sections))
		for name, fn := range m.sections {
			sections[name] = fn
		}
		m.mu.RUnlock()

		response := gin.H{
			"application": m.Requests(),
			"propagation": m.Propagation(),
			"system":      m.System(),
			"timestamp":   m.now(),
		}
		for name, fn := range sections {
			response[name] = fn()
		}
		c.JSON(http.StatusOK, response)
	}
}

func (m *Metrics) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		checks, ready, healthy := m.RunHealthChecks(c.Request.Context())

		status := "healthy"
		code := http.StatusOK
		switch {
		case !ready:
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		case !healthy:
			status = "degraded"
		}

		c.JSON(code, gin.H{
			"status":    status,
			"timestamp": m.now(),
			"checks":    checks,
			"uptime":    m.now().Sub(m.requests.StartTime).Round(time.Second).String(),
		})
	}
}

func (m *Metrics) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, ready, _ := m.RunHealthChecks(c.Request.Context())
		if ready {
			c.JSON(http.StatusOK, gin.H{"status": "ready", "timestamp": m.now()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "timestamp": m.now()})
	}
}

func (m *Metrics) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": m.now(),
		})
	}
}
