// Package metrics exposes the node daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reservation lifecycle

	ReservationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispycosnode_reservations_active",
			Help: "1 if a reservation is currently live, 0 if idle",
		},
	)

	ReservationsServedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispycosnode_reservations_served_total",
			Help: "Total number of reservations released cleanly",
		},
	)

	FreeCPUs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispycosnode_free_cpus",
			Help: "Number of server slots not currently bound to a worker",
		},
	)

	// Pulses / heartbeat

	PulsesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispycosnode_pulses_sent_total",
			Help: "Total number of pulses delivered to the scheduler",
		},
	)

	PulsesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispycosnode_pulses_failed_total",
			Help: "Total number of pulse deliveries that failed",
		},
	)

	PulseLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispycosnode_pulse_latency_seconds",
			Help:    "Time taken to deliver a pulse to the scheduler",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Zombie detection

	ZombieSlotsClosedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispycosnode_zombie_slots_closed_total",
			Help: "Total number of slots closed gracefully for exceeding the zombie period",
		},
	)

	ZombieSlotsTerminatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispycosnode_zombie_slots_terminated_total",
			Help: "Total number of slots force-terminated for exceeding twice the zombie period",
		},
	)

	// Spawner / workers

	WorkersStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispycosnode_workers_started_total",
			Help: "Total number of worker subprocesses that completed registration",
		},
	)

	WorkersRestartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispycosnode_workers_restarted_total",
			Help: "Total number of worker subprocesses respawned by restart policy",
		},
	)

	SpawnerBringUpDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispycosnode_spawner_bring_up_duration_seconds",
			Help:    "Time taken for a spawner to bring up its worker set",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Jobs

	JobsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispycosnode_jobs_started_total",
			Help: "Total number of run requests accepted by workers",
		},
	)

	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispycosnode_jobs_failed_total",
			Help: "Total number of tasks that finished with an error",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReservationsActive,
		ReservationsServedTotal,
		FreeCPUs,
		PulsesSentTotal,
		PulsesFailedTotal,
		PulseLatency,
		ZombieSlotsClosedTotal,
		ZombieSlotsTerminatedTotal,
		WorkersStartedTotal,
		WorkersRestartedTotal,
		SpawnerBringUpDuration,
		JobsStartedTotal,
		JobsFailedTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing an operation and recording it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
