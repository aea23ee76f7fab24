// Package monitor carries the observability surface: the shared logrus
// logger setup, the Prometheus collectors updated by the dispatch and
// session layers, and the /metrics and /health HTTP endpoints.
package monitor

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// LinkConnected is 1 while the serial link is open.
	LinkConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aquascan_link_connected",
		Help: "Whether the instrument serial link is currently open.",
	})

	// CommandsTotal counts dispatched commands by final outcome.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquascan_commands_total",
			Help: "Commands dispatched to the instrument, by outcome.",
		},
		[]string{"outcome"},
	)

	// CommandRetries counts individual retry attempts.
	CommandRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aquascan_command_retries_total",
		Help: "Command attempts beyond the first.",
	})

	// Reconnects counts transport reconnect attempts.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aquascan_reconnects_total",
		Help: "Serial link reconnect attempts.",
	})

	// CommandDuration observes wall time per dispatched command.
	CommandDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aquascan_command_duration_seconds",
		Help:    "Wall time from first write to final outcome per command.",
		Buckets: prometheus.DefBuckets,
	})

	// CalibrationCycles observes probe counts per calibration run.
	CalibrationCycles = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aquascan_calibration_cycles",
		Help:    "Write+measure probes used per channel calibration.",
		Buckets: prometheus.LinearBuckets(5, 5, 12),
	})

	// CalibrationFailures counts channels that did not converge.
	CalibrationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aquascan_calibration_failures_total",
		Help: "Channel calibrations that ended without reaching tolerance.",
	})

	// MeasurementsTotal counts recorded channel results by event kind.
	MeasurementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquascan_measurements_total",
			Help: "Channel measurement records produced, by event kind.",
		},
		[]string{"kind"},
	)

	// Goroutines tracks the live goroutine count.
	Goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aquascan_goroutines",
		Help: "Current number of goroutines.",
	})

	// MemoryUsage tracks allocated heap bytes.
	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aquascan_memory_usage_bytes",
		Help: "Current heap allocation.",
	})
)

// Monitor owns collector registration and the metrics HTTP server.
type Monitor struct {
	log *logrus.Logger
}

// NewMonitor registers all collectors with the default registry. Call it
// once per process.
func NewMonitor(log *logrus.Logger) *Monitor {
	prometheus.MustRegister(
		LinkConnected,
		CommandsTotal,
		CommandRetries,
		Reconnects,
		CommandDuration,
		CalibrationCycles,
		CalibrationFailures,
		MeasurementsTotal,
		Goroutines,
		MemoryUsage,
	)

	return &Monitor{log: log}
}

// StartMetricsServer serves /metrics and /health on addr in a background
// goroutine.
func (m *Monitor) StartMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.log.WithField("addr", addr).Info("metrics server listening")

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.log.WithError(err).Error("metrics server stopped")
		}
	}()
}

// StartRuntimeStats samples goroutine and memory gauges every interval until
// the stop channel closes.
func (m *Monitor) StartRuntimeStats(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				Goroutines.Set(float64(runtime.NumGoroutine()))

				var stats runtime.MemStats
				runtime.ReadMemStats(&stats)
				MemoryUsage.Set(float64(stats.Alloc))
			}
		}
	}()
}
