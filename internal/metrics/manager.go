package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager owns the Prometheus metrics and the component health checks
// that feed them. Checks are polled on every UpdateSystemMetrics call
// so the health gauges track the components without the components
// knowing about the refresh loop.
type Manager struct {
	prometheus *PrometheusMetrics
	logger     *logrus.Entry
	startTime  time.Time

	mu     sync.RWMutex
	checks map[string]func() bool
}

// NewManager creates a new metrics manager
func NewManager() *Manager {
	return &Manager{
		prometheus: NewPrometheusMetrics(),
		logger:     logrus.WithField("component", "metrics"),
		startTime:  time.Now(),
		checks:     make(map[string]func() bool),
	}
}

// GetPrometheusMetrics returns the Prometheus metrics instance
func (m *Manager) GetPrometheusMetrics() *PrometheusMetrics {
	return m.prometheus
}

// RegisterHealthCheck wires a component's health check into the
// refresh cycle. Registering the same component again replaces the
// check. Checks must be fast and safe to call from any goroutine.
func (m *Manager) RegisterHealthCheck(component string, check func() bool) {
	m.mu.Lock()
	m.checks[component] = check
	m.mu.Unlock()
}

// UpdateSystemMetrics refreshes process-level metrics and polls every
// registered health check
func (m *Manager) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.prometheus.UpdateMemoryUsage(memStats.Alloc)
	m.prometheus.UpdateGoroutineCount(runtime.NumGoroutine())
	m.prometheus.UpdateApplicationUptime(m.startTime)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for component, check := range m.checks {
		m.prometheus.UpdateComponentHealth(component, check())
	}
}
