// Package metrics holds the Prometheus registry for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the pipeline, router, and engines emit.
type Registry struct {
	FramesFetched   *prometheus.CounterVec // camera
	FrameFailures   *prometheus.CounterVec // camera, reason
	CropsExtracted  *prometheus.CounterVec // camera
	CropWarnings    *prometheus.CounterVec // camera, reason

	DispatchOutcomes  *prometheus.CounterVec // camera, outcome
	DispatchDrops     *prometheus.CounterVec // camera, reason (backpressure, unmapped, auth)
	DedupeHits        *prometheus.CounterVec // camera
	ClassifierLatency prometheus.Histogram

	RouterDecisions *prometheus.CounterVec // outcome (recommended, no_tables, no_waiters, preference_unsatisfiable, conflict)
	SeatConflicts   prometheus.Counter

	ScheduleRuns    *prometheus.CounterVec // status
	ScheduleRunTime prometheus.Histogram

	RollupDuration *prometheus.HistogramVec // kind
}

// New registers the full metric set on reg (pass prometheus.DefaultRegisterer
// in main, a fresh registry in tests).
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		FramesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floorops_frames_fetched_total",
			Help: "Frames successfully fetched per camera",
		}, []string{"camera"}),
		FrameFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floorops_frame_failures_total",
			Help: "Frame fetch failures per camera by reason",
		}, []string{"camera", "reason"}),
		CropsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floorops_crops_extracted_total",
			Help: "Table crops produced per camera",
		}, []string{"camera"}),
		CropWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floorops_crop_warnings_total",
			Help: "Skipped or invalid crops per camera by reason",
		}, []string{"camera", "reason"}),
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floorops_dispatch_outcomes_total",
			Help: "Classifier dispatch outcomes per camera",
		}, []string{"camera", "outcome"}),
		DispatchDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floorops_dispatch_drops_total",
			Help: "Dispatches dropped before reaching the classifier",
		}, []string{"camera", "reason"}),
		DedupeHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floorops_dedupe_hits_total",
			Help: "Dispatches short-circuited by the idempotence ledger",
		}, []string{"camera"}),
		ClassifierLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "floorops_classifier_latency_seconds",
			Help:    "Classifier round-trip latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RouterDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floorops_router_decisions_total",
			Help: "Router outcomes",
		}, []string{"outcome"}),
		SeatConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "floorops_seat_conflicts_total",
			Help: "Seat attempts lost to a concurrent seating",
		}),
		ScheduleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floorops_schedule_runs_total",
			Help: "Scheduling engine runs by final status",
		}, []string{"status"}),
		ScheduleRunTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "floorops_schedule_run_seconds",
			Help:    "Scheduling engine run duration",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		RollupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "floorops_rollup_duration_seconds",
			Help:    "Analytics rollup duration by kind",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15},
		}, []string{"kind"}),
	}

	reg.MustRegister(
		r.FramesFetched, r.FrameFailures, r.CropsExtracted, r.CropWarnings,
		r.DispatchOutcomes, r.DispatchDrops, r.DedupeHits, r.ClassifierLatency,
		r.RouterDecisions, r.SeatConflicts,
		r.ScheduleRuns, r.ScheduleRunTime, r.RollupDuration,
	)
	return r
}

// NewNop returns a registry backed by a throwaway registerer, for tests
// that do not assert on metrics.
func NewNop() *Registry {
	return New(prometheus.NewRegistry())
}
