// Package metrics is the facade pkg/dsm and internal/transport's callers use
// to obtain a metrics recorder without depending on Prometheus directly.
// pkg/metrics/prometheus supplies the concrete implementation and registers
// itself with this package's constructor hook during init, avoiding an
// import cycle between the facade and its Prometheus-specific backend.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled  atomic.Bool
	regMu    sync.Mutex
	registry *prometheus.Registry
)

// InitRegistry creates the process-wide Prometheus registry and marks
// metrics as enabled. Safe to call more than once; later calls are no-ops.
func InitRegistry() *prometheus.Registry {
	regMu.Lock()
	defer regMu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	enabled.Store(true)
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return enabled.Load()
}

// GetRegistry returns the process-wide registry, creating it (disabled) if
// InitRegistry was never called. Collectors may register against it even
// before metrics are "enabled"; Handler simply won't be served.
func GetRegistry() *prometheus.Registry {
	regMu.Lock()
	defer regMu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return registry
}

// Handler returns an http.Handler exposing the registry in the Prometheus
// text exposition format, for cmd/dsmd to mount on its metrics server.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{})
}
