package hangprevention

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the watchdog/degradation subsystem, following the
// package-level-vars-plus-init-registration idiom used for the churn
// telemetry counters in etalazz-vsa/internal/ratelimiter/telemetry/churn.
var (
	operationsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vexfs_watchdog_operations_started_total",
		Help: "Total operations registered with the watchdog, by kind",
	}, []string{"kind"})

	operationsTimedOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vexfs_watchdog_operations_timed_out_total",
		Help: "Total operations that hit their watchdog deadline, by kind",
	}, []string{"kind"})

	operationsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vexfs_admission_rejected_total",
		Help: "Total operations rejected at admission, by kind and system state",
	}, []string{"kind", "state"})

	systemStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vexfs_system_state",
		Help: "Current system state: 0=normal 1=degraded 2=read_only 3=panic",
	})

	consecutiveTimeoutsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vexfs_consecutive_timeouts",
		Help: "Current consecutive-timeout streak, by kind",
	}, []string{"kind"})

	memoryPressureGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vexfs_memory_pressure_ratio",
		Help: "Last reported memory pressure ratio in [0,1]",
	})

	lockWaitQueueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vexfs_lock_wait_queue_depth",
		Help: "Last reported lock wait queue depth",
	})
)

func init() {
	prometheus.MustRegister(
		operationsStarted,
		operationsTimedOut,
		operationsRejected,
		systemStateGauge,
		consecutiveTimeoutsGauge,
		memoryPressureGauge,
		lockWaitQueueGauge,
	)
}

// ServeMetrics starts a dedicated /metrics HTTP server in the background,
// mirroring churn.startMetricsEndpoint's best-effort single-mux pattern.
// Pass an empty addr to skip starting the endpoint (e.g. when another
// component already exposes /metrics).
func ServeMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
