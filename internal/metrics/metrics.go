package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	BootsTotal      *prometheus.CounterVec
	BootDuration    prometheus.Histogram
	InstallsTotal   *prometheus.CounterVec
	ProcessTimeouts *prometheus.CounterVec
	LogAppendsTotal *prometheus.CounterVec
	RunsInFlight    prometheus.Gauge
	RunsRejected    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_runs_total",
				Help: "Total number of challenge runs by outcome",
			},
			[]string{"outcome"}, // outcome: "passed", "failed", "error"
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atlas_run_duration_ms",
				Help:    "Challenge run duration in milliseconds",
				Buckets: []float64{250, 500, 1000, 2500, 5000, 10000, 20000, 60000, 120000},
			},
			[]string{"outcome"},
		),
		BootsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_sandbox_boots_total",
				Help: "Sandbox boot attempts by result",
			},
			[]string{"backend", "result"}, // result: "ok", "unsupported", "error"
		),
		BootDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "atlas_sandbox_boot_ms",
				Help:    "Time to boot a sandbox",
				Buckets: []float64{100, 500, 1000, 2500, 5000, 10000, 30000},
			},
		),
		InstallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_dependency_installs_total",
				Help: "Dependency install attempts by result",
			},
			[]string{"result"},
		),
		ProcessTimeouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_process_timeouts_total",
				Help: "Processes killed after exceeding their timeout",
			},
			[]string{"phase"}, // phase: "install", "test"
		),
		LogAppendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_runlog_appends_total",
				Help: "Run log records received by the sink",
			},
			[]string{"result"}, // result: "ok", "invalid", "error"
		),
		RunsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "atlas_runs_in_flight",
				Help: "Number of challenge runs currently executing",
			},
		),
		RunsRejected: f.NewCounter(
			prometheus.CounterOpts{
				Name: "atlas_runs_rejected_total",
				Help: "Run requests rejected because another run was in flight",
			},
		),
	}
}

func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveBoot(backend, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.BootsTotal.WithLabelValues(backend, result).Inc()
	if result == "ok" {
		m.BootDuration.Observe(float64(d.Milliseconds()))
	}
}

func (m *Metrics) ObserveInstall(result string) {
	if m == nil {
		return
	}
	m.InstallsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTimeout(phase string) {
	if m == nil {
		return
	}
	m.ProcessTimeouts.WithLabelValues(phase).Inc()
}

func (m *Metrics) ObserveLogAppend(result string) {
	if m == nil {
		return
	}
	m.LogAppendsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsInFlight.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.RunsInFlight.Dec()
}

func (m *Metrics) RunRejected() {
	if m == nil {
		return
	}
	m.RunsRejected.Inc()
}
