// Package metrics exposes Prometheus instrumentation for training and scoring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors updated by the trainer and the scoring paths.
type Metrics struct {
	// Training
	TrainingRuns       prometheus.Counter   // Completed or aborted training runs
	OuterIterations    prometheus.Counter   // Concave-convex outer iterations
	SolverFailures     prometheus.Counter   // QP solves that returned an error
	Objective          prometheus.Gauge     // Dual objective of the latest iterate
	SupportVectors     prometheus.Gauge     // Support vectors of the latest iterate
	ChangedAssignments prometheus.Gauge     // Examples whose assignment changed in the latest decode
	DecodeDuration     prometheus.Histogram // Wall time of one batch decode
	SolveDuration      prometheus.Histogram // Wall time of one QP solve

	// Scoring
	ExamplesScored prometheus.Counter // Examples scored by a trained model
	Anomalies      prometheus.Counter // Scored examples above the threshold
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics on registerer (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		TrainingRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "seqguard_training_runs_total",
			Help: "Total number of training runs",
		}),
		OuterIterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "seqguard_outer_iterations_total",
			Help: "Total number of concave-convex outer iterations",
		}),
		SolverFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "seqguard_solver_failures_total",
			Help: "Total number of failed QP solves",
		}),
		Objective: factory.NewGauge(prometheus.GaugeOpts{
			Name: "seqguard_dual_objective",
			Help: "Dual objective of the latest training iterate",
		}),
		SupportVectors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "seqguard_support_vectors",
			Help: "Number of support vectors of the latest training iterate",
		}),
		ChangedAssignments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "seqguard_changed_assignments",
			Help: "Examples whose latent assignment changed in the latest decode",
		}),
		DecodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "seqguard_decode_duration_seconds",
			Help:    "Duration of decoding every example once",
			Buckets: prometheus.DefBuckets,
		}),
		SolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "seqguard_solve_duration_seconds",
			Help:    "Duration of one QP solve",
			Buckets: prometheus.DefBuckets,
		}),
		ExamplesScored: factory.NewCounter(prometheus.CounterOpts{
			Name: "seqguard_examples_scored_total",
			Help: "Total number of examples scored",
		}),
		Anomalies: factory.NewCounter(prometheus.CounterOpts{
			Name: "seqguard_anomalies_total",
			Help: "Total number of scored examples above the threshold",
		}),
	}
}

// ObserveScores counts scored examples and those strictly above threshold.
// It is safe to call on a nil receiver.
func (m *Metrics) ObserveScores(scores []float64, threshold float64) {
	if m == nil {
		return
	}
	m.ExamplesScored.Add(float64(len(scores)))
	for _, s := range scores {
		if s > threshold {
			m.Anomalies.Inc()
		}
	}
}
