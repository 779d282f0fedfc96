// Package io provides input/output utilities for data ingestion.
package io

import (
	"context"
	"errors"
	"fmt"

	"github.com/hed1ad/seqguard/pkg/structured"
)

// Reader is the interface for reading time-major samples from various
// sources. Each sample is one time step with one value per channel.
type Reader interface {
	// Read returns the complete dataset.
	Read() ([][]float64, error)

	// Stream returns a channel of samples for real-time processing.
	Stream(ctx context.Context) (<-chan []float64, error)

	// Close releases resources.
	Close() error
}

// SequenceReader loads a set of multichannel sequences.
type SequenceReader interface {
	ReadSet(ctx context.Context) (*structured.Set, error)
}

// FeatureExtractor extracts numerical features from raw data.
type FeatureExtractor interface {
	// Extract converts raw input to feature vector.
	Extract(data any) ([]float64, error)

	// FeatureNames returns the names of extracted features.
	FeatureNames() []string
}

// Writer is the interface for writing detection results.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close releases resources.
	Close() error
}

// Result is the scored outcome for one sequence.
type Result struct {
	Name      string         `json:"name"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Score     float64        `json:"score"`
	IsAnomaly bool           `json:"is_anomaly"`
	Latent    []int          `json:"latent,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Results pairs scores and decoded assignments with example names. Missing
// names default to the example index.
func Results(names []string, scores []float64, latents [][]int, threshold float64) []Result {
	out := make([]Result, len(scores))
	for i, s := range scores {
		name := fmt.Sprintf("%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		out[i] = Result{
			Name:      name,
			Score:     s,
			IsAnomaly: s > threshold,
		}
		if i < len(latents) {
			out[i].Latent = latents[i]
		}
	}
	return out
}

// Windows cuts time-major rows into sequences of size steps, starting a new
// sequence every stride steps. Trailing steps that do not fill a window are
// dropped.
func Windows(rows [][]float64, size, stride int) ([]structured.Example, error) {
	if size < 1 || stride < 1 {
		return nil, fmt.Errorf("window size %d and stride %d must be positive", size, stride)
	}
	if len(rows) < size {
		return nil, fmt.Errorf("%d samples do not fill a window of %d: %w", len(rows), size, structured.ErrEmptySequence)
	}

	channels := len(rows[0])
	if channels == 0 {
		return nil, errors.New("samples have no channels")
	}
	for i, r := range rows {
		if len(r) != channels {
			return nil, fmt.Errorf("sample %d has %d channels, want %d: %w", i, len(r), channels, structured.ErrDimensionMismatch)
		}
	}

	var out []structured.Example
	for start := 0; start+size <= len(rows); start += stride {
		ch := make([][]float64, channels)
		for c := range ch {
			ch[c] = make([]float64, size)
			for t := 0; t < size; t++ {
				ch[c][t] = rows[start+t][c]
			}
		}
		ex, err := structured.FromRows(ch, nil)
		if err != nil {
			return nil, fmt.Errorf("window at %d: %w", start, err)
		}
		out = append(out, ex)
	}
	return out, nil
}

// Windowed turns a Reader into a SequenceReader.
type Windowed struct {
	src    Reader
	size   int
	stride int
}

// NewWindowed cuts the samples of src into windows of size steps every
// stride steps.
func NewWindowed(src Reader, size, stride int) *Windowed {
	return &Windowed{src: src, size: size, stride: stride}
}

// ReadSet reads src to the end and windows it.
func (w *Windowed) ReadSet(ctx context.Context) (*structured.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := w.src.Read()
	if err != nil {
		return nil, err
	}
	examples, err := Windows(rows, w.size, w.stride)
	if err != nil {
		return nil, err
	}
	return structured.NewSet(examples)
}
