// Package detectors provides unsupervised anomaly detection algorithms.
package detectors

import (
	"context"

	"github.com/hed1ad/seqguard/pkg/structured"
)

// Detector is the common interface for vector anomaly detection algorithms.
type Detector interface {
	// Fit trains the detector on historical data.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// Predict returns anomaly scores for the given samples.
	// Higher values indicate anomalies.
	Predict(data [][]float64) ([]float64, error)

	// PredictOne returns the anomaly score for a single sample.
	PredictOne(sample []float64) (float64, error)

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// StreamDetector extends Detector with streaming capabilities.
type StreamDetector interface {
	Detector

	// PredictStream processes samples from a channel and outputs scores.
	PredictStream(ctx context.Context, input <-chan []float64, output chan<- Score) error
}

// StructuredDetector learns from structured examples whose latent
// assignments are never observed.
type StructuredDetector interface {
	// Fit trains on every example of obj, inferring latent assignments.
	Fit(ctx context.Context, obj structured.Object) error

	// Apply decodes every example of obj and returns anomaly scores together
	// with the decoded assignments.
	Apply(ctx context.Context, obj structured.Object) ([]float64, [][]int, error)
}

// Score represents an anomaly detection result.
type Score struct {
	// Value is the anomaly score.
	Value float64
	// IsAnomaly indicates if the score exceeds the threshold.
	IsAnomaly bool
	// Features contains the original input features.
	Features []float64
	// Metadata contains additional information.
	Metadata map[string]any
}

// Config holds common configuration for detectors.
type Config struct {
	// AnomalyPrior is the expected proportion of anomalies in training data.
	AnomalyPrior float64
	// Threshold is the score above which a sample is flagged.
	Threshold float64
	// MaxIterations bounds iterative training procedures.
	MaxIterations int
	// Workers is the number of goroutines used for per-example work.
	Workers int
}

// DefaultConfig returns sensible defaults for detector configuration.
func DefaultConfig() Config {
	return Config{
		AnomalyPrior:  0.1,
		Threshold:     0,
		MaxIterations: 100,
		Workers:       1,
	}
}
