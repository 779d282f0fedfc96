// Package multiclass implements the plain-vector structured model: each
// example is reduced to its phi summary and the latent assignment is a single
// class label.
package multiclass

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/hed1ad/seqguard/pkg/structured"
)

var (
	_ structured.Object  = (*Model)(nil)
	_ structured.Labeled = (*Model)(nil)
)

// Model places the summary vector of an example in the weight block of its
// class. Assignments are one-element slices.
type Model struct {
	set     *structured.Set
	classes int
	labels  []int
}

// Option configures a Model.
type Option func(*Model)

// WithClasses sets the number of classes.
func WithClasses(n int) Option {
	return func(m *Model) {
		m.classes = n
	}
}

// WithLabels sets one ground-truth class per example.
func WithLabels(labels []int) Option {
	return func(m *Model) {
		m.labels = append([]int(nil), labels...)
	}
}

// New creates a model over set.
func New(set *structured.Set, opts ...Option) (*Model, error) {
	if set == nil {
		return nil, fmt.Errorf("multiclass: nil example set")
	}

	m := &Model{
		set:     set,
		classes: 2,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.classes < 1 {
		return nil, fmt.Errorf("multiclass: need at least one class, got %d", m.classes)
	}
	if m.labels != nil {
		if len(m.labels) != set.Len() {
			return nil, fmt.Errorf("multiclass: %d labels for %d examples: %w", len(m.labels), set.Len(), structured.ErrInvalidAssignment)
		}
		for i, c := range m.labels {
			if c < 0 || c >= m.classes {
				return nil, fmt.Errorf("multiclass: label %d of example %d: %w", c, i, structured.ErrInvalidAssignment)
			}
		}
	}

	return m, nil
}

// NumSamples returns the number of examples.
func (m *Model) NumSamples() int {
	return m.set.Len()
}

// NumDims returns classes * channels.
func (m *Model) NumDims() (int, error) {
	return m.classes * m.set.Dims(), nil
}

// JointFeatureMap returns the phi summary of example idx in block y[0].
func (m *Model) JointFeatureMap(idx int, y []int) ([]float64, error) {
	if err := m.check(idx, y); err != nil {
		return nil, err
	}
	return m.featureMap(idx, y[0]), nil
}

func (m *Model) featureMap(idx, class int) []float64 {
	dims := m.set.Dims()
	psi := make([]float64, m.classes*dims)
	copy(psi[class*dims:], m.set.Example(idx).Phi())
	return psi
}

// GroundTruth returns the labelled class of example idx.
func (m *Model) GroundTruth(idx int) ([]int, error) {
	if idx < 0 || idx >= m.set.Len() {
		return nil, fmt.Errorf("index %d of %d: %w", idx, m.set.Len(), structured.ErrIndexOutOfRange)
	}
	if m.labels == nil {
		return nil, fmt.Errorf("example %d: %w", idx, structured.ErrNoLabels)
	}
	return []int{m.labels[idx]}, nil
}

// Loss is the zero-one loss against the ground-truth class.
func (m *Model) Loss(idx int, y []int) (float64, error) {
	if err := m.check(idx, y); err != nil {
		return 0, err
	}
	if m.labels == nil {
		return 0, fmt.Errorf("loss for example %d: %w", idx, structured.ErrNoLabels)
	}
	if y[0] != m.labels[idx] {
		return 1, nil
	}
	return 0, nil
}

// Argmax scans the classes in ascending order and keeps the first maximum.
func (m *Model) Argmax(sol []float64, idx int, addLoss bool, opt structured.OptType) (*structured.Decoded, error) {
	if idx < 0 || idx >= m.set.Len() {
		return nil, fmt.Errorf("index %d of %d: %w", idx, m.set.Len(), structured.ErrIndexOutOfRange)
	}
	dims := m.set.Dims()
	if len(sol) != m.classes*dims {
		return nil, fmt.Errorf("solution has %d entries, want %d: %w", len(sol), m.classes*dims, structured.ErrDimensionMismatch)
	}
	if addLoss && m.labels == nil {
		return nil, fmt.Errorf("loss-augmented argmax for example %d: %w", idx, structured.ErrNoLabels)
	}

	phi := m.set.Example(idx).Phi()
	var scale, offset float64
	switch opt {
	case structured.Linear:
		scale = 1
	case structured.Quadratic:
		scale, offset = 2, floats.Dot(phi, phi)
	default:
		return nil, fmt.Errorf("argmax: unknown opt type %v", opt)
	}

	best, bestScore := 0, 0.0
	for c := 0; c < m.classes; c++ {
		v := scale*floats.Dot(sol[c*dims:(c+1)*dims], phi) - offset
		if addLoss && c != m.labels[idx] {
			v++
		}
		if c == 0 || v > bestScore {
			best, bestScore = c, v
		}
	}

	return &structured.Decoded{
		Score:   bestScore,
		Latent:  []int{best},
		Feature: m.featureMap(idx, best),
	}, nil
}

func (m *Model) check(idx int, y []int) error {
	if idx < 0 || idx >= m.set.Len() {
		return fmt.Errorf("index %d of %d: %w", idx, m.set.Len(), structured.ErrIndexOutOfRange)
	}
	if len(y) != 1 || y[0] < 0 || y[0] >= m.classes {
		return fmt.Errorf("%w: want a single class in [0, %d), got %v", structured.ErrInvalidAssignment, m.classes, y)
	}
	return nil
}
