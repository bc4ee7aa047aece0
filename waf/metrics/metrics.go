package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors exported by the admission pipeline. Each
// instance registers against its own Registerer so tests and multiple
// guards in one process do not collide.
type Metrics struct {
	// Request metrics
	Decisions *prometheus.CounterVec
	Duration  *prometheus.HistogramVec

	// Detection and blocking
	Detections    *prometheus.CounterVec
	Blocks        *prometheus.CounterVec
	Unblocks      prometheus.Counter
	BlockListSize prometheus.Gauge

	LoginAttempts *prometheus.CounterVec

	// Degradation
	CounterStoreFailures *prometheus.CounterVec
	InternalErrors       prometheus.Counter

	AuditRecords  prometheus.Gauge
	ConfigReloads *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_decisions_total",
				Help: "Admission decisions by route, action and deciding stage",
			},
			[]string{"route", "action", "stage"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatewarden_evaluation_duration_seconds",
				Help:    "Time spent evaluating the admission pipeline",
				Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"route"},
		),
		Detections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_attack_detections_total",
				Help: "Attack signature matches by category",
			},
			[]string{"category"},
		),
		Blocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_blocks_total",
				Help: "Block list additions by origin",
			},
			[]string{"origin"},
		),
		Unblocks: f.NewCounter(
			prometheus.CounterOpts{
				Name: "gatewarden_unblocks_total",
				Help: "Block list removals",
			},
		),
		BlockListSize: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatewarden_blocked_ips",
				Help: "Number of active block list entries",
			},
		),
		LoginAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_login_attempts_total",
				Help: "Recorded authentication attempts by outcome",
			},
			[]string{"outcome"},
		),
		CounterStoreFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_counter_store_failures_total",
				Help: "External counter store operations that failed open",
			},
			[]string{"op"},
		),
		InternalErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "gatewarden_internal_errors_total",
				Help: "Pipeline faults recovered and treated as ALLOW",
			},
		),
		AuditRecords: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatewarden_audit_records",
				Help: "Records held in the audit ring buffer",
			},
		),
		ConfigReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_config_reloads_total",
				Help: "Successful hot reloads by file type",
			},
			[]string{"type"},
		),
	}
}
