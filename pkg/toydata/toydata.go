// Package toydata generates labelled synthetic sequences: flat, noisy
// normals and quiet anomalies that carry a short burst.
package toydata

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/hed1ad/seqguard/pkg/structured"
)

// Config controls Generate.
type Config struct {
	Normal         int     // Number of normal sequences
	Anomalous      int     // Number of anomalous sequences
	Length         int     // Time steps per sequence
	Channels       int     // Channels per time step
	Level          float64 // Mean value of normal sequences
	Noise          float64 // Standard deviation of the Gaussian noise
	BurstLength    int     // Steps covered by an anomalous burst
	BurstAmplitude float64 // Mean value inside a burst
	Seed           int64
}

// DefaultConfig returns a small, clearly separable data set.
func DefaultConfig() Config {
	return Config{
		Normal:         20,
		Anomalous:      2,
		Length:         16,
		Channels:       1,
		Level:          1,
		Noise:          0.1,
		BurstLength:    2,
		BurstAmplitude: 3,
		Seed:           1,
	}
}

// Sample is one generated sequence. Rows holds one slice per channel and
// Labels marks burst steps with state 1.
type Sample struct {
	Rows      [][]float64
	Labels    []int
	Anomalous bool
}

// Validate checks that cfg describes a non-empty data set.
func (c Config) Validate() error {
	switch {
	case c.Normal < 0 || c.Anomalous < 0:
		return errors.New("sequence counts must not be negative")
	case c.Normal+c.Anomalous == 0:
		return errors.New("at least one sequence is required")
	case c.Length < 1:
		return fmt.Errorf("length must be positive, got %d", c.Length)
	case c.Channels < 1:
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	case c.Noise < 0:
		return fmt.Errorf("noise must not be negative, got %g", c.Noise)
	case c.Anomalous > 0 && (c.BurstLength < 1 || c.BurstLength > c.Length):
		return fmt.Errorf("burst length %d outside [1, %d]", c.BurstLength, c.Length)
	}
	return nil
}

// Generate draws the sequences of cfg in a seed-determined order.
func Generate(cfg Config) ([]Sample, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	samples := make([]Sample, 0, cfg.Normal+cfg.Anomalous)

	for i := 0; i < cfg.Normal; i++ {
		samples = append(samples, normal(rng, cfg))
	}
	for i := 0; i < cfg.Anomalous; i++ {
		samples = append(samples, bursty(rng, cfg))
	}

	rng.Shuffle(len(samples), func(i, j int) {
		samples[i], samples[j] = samples[j], samples[i]
	})

	return samples, nil
}

func normal(rng *rand.Rand, cfg Config) Sample {
	rows := make([][]float64, cfg.Channels)
	for c := range rows {
		rows[c] = make([]float64, cfg.Length)
		for t := range rows[c] {
			rows[c][t] = cfg.Level + cfg.Noise*rng.NormFloat64()
		}
	}
	return Sample{
		Rows:   rows,
		Labels: make([]int, cfg.Length),
	}
}

func bursty(rng *rand.Rand, cfg Config) Sample {
	start := rng.Intn(cfg.Length - cfg.BurstLength + 1)
	labels := make([]int, cfg.Length)
	rows := make([][]float64, cfg.Channels)
	for c := range rows {
		rows[c] = make([]float64, cfg.Length)
	}

	for t := start; t < start+cfg.BurstLength; t++ {
		labels[t] = 1
		for c := range rows {
			rows[c][t] = cfg.BurstAmplitude + cfg.Noise*rng.NormFloat64()
		}
	}

	return Sample{
		Rows:      rows,
		Labels:    labels,
		Anomalous: true,
	}
}

// Set converts samples into a labelled example set.
func Set(samples []Sample) (*structured.Set, error) {
	examples := make([]structured.Example, len(samples))
	for i, s := range samples {
		ex, err := structured.FromRows(s.Rows, s.Labels)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		examples[i] = ex
	}
	return structured.NewSet(examples)
}

// Anomalous returns the indices of the anomalous samples.
func Anomalous(samples []Sample) []int {
	var idx []int
	for i, s := range samples {
		if s.Anomalous {
			idx = append(idx, i)
		}
	}
	return idx
}
