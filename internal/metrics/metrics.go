// Package metrics wraps the daemon's Prometheus collectors and the
// system health probes behind the /health endpoint.
package metrics

import (
	"net/http"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Registry wraps the Prometheus collectors owned by the daemon itself;
// the network bridge registers its own on the default registry.
type Registry struct {
	Slots      prometheus.Gauge
	RoutedIn   prometheus.Counter
	RoutedOut  prometheus.Counter
	Goroutines prometheus.GaugeFunc
}

// NewRegistry creates the daemon's collectors.
func NewRegistry() *Registry {
	return &Registry{
		Slots: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "switchyard_slots_active",
			Help: "Number of live slots on the broker",
		}),
		RoutedIn: promauto.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_records_received_total",
			Help: "Records received by the routing core",
		}),
		RoutedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_records_sent_total",
			Help: "Records pushed into slot wires",
		}),
		Goroutines: promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "switchyard_goroutines",
			Help: "Current goroutine count",
		}, func() float64 {
			return float64(runtime.NumGoroutine())
		}),
	}
}

// Handler returns the Prometheus scrape handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// SystemStats is a point-in-time resource snapshot for the health
// endpoint.
type SystemStats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryRSSMB float64 `json:"memory_rss_mb"`
	MemoryPct   float64 `json:"memory_percent"`
	Goroutines  int     `json:"goroutines"`
}

// CollectSystem gathers process CPU and memory usage. Failures degrade
// to zero values; health reporting must not fail because a probe did.
func CollectSystem() SystemStats {
	stats := SystemStats{Goroutines: runtime.NumGoroutine()}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pct, err := proc.CPUPercent(); err == nil {
			stats.CPUPercent = pct
		}
		if info, err := proc.MemoryInfo(); err == nil {
			stats.MemoryRSSMB = float64(info.RSS) / 1024 / 1024
		}
	} else if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		stats.CPUPercent = pcts[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPct = vm.UsedPercent
	}

	return stats
}
