// Package metrics exposes the Prometheus collectors the supervisor and
// cgroup sampler populate. No HTTP server is started here -- mounting
// Handler() onto a listener is left to whatever process embeds this
// package, the same way pkg/runtime leaves the network control plane to
// an external collaborator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContainersTotal counts tracked containers by lifecycle status:
	// RUNNING, STOPPED, EXITED (a scheduled record is counted as EXITED).
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qubed_containers_total",
			Help: "Total number of tracked containers by state",
		},
		[]string{"state"},
	)

	ContainerMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qubed_container_memory_bytes",
			Help: "Current memory.current reading per container",
		},
		[]string{"container"},
	)

	ContainerCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qubed_container_cpu_percent",
			Help: "Sampled CPU percentage per container, clamped to [0, 400]",
		},
		[]string{"container"},
	)

	ReconcileTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qubed_reconcile_tick_duration_seconds",
			Help:    "Duration of one supervisor reconcile tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qubed_reconcile_ticks_total",
			Help: "Total number of completed supervisor reconcile ticks",
		},
	)

	ContainersRestartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qubed_containers_restarted_total",
			Help: "Total number of containers the supervisor relaunched after an unplanned exit",
		},
	)

	ContainersLaunchFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qubed_containers_launch_failed_total",
			Help: "Total number of launch attempts that failed before a PID was reported",
		},
	)

	LaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qubed_container_launch_duration_seconds",
			Help:    "Time from pre-fork setup to a reported container PID",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ContainersTotal,
		ContainerMemoryBytes,
		ContainerCPUPercent,
		ReconcileTickDuration,
		ReconcileTicksTotal,
		ContainersRestartedTotal,
		ContainersLaunchFailedTotal,
		LaunchDuration,
	)
}

// Handler returns the Prometheus scrape handler for an embedding program
// to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}
