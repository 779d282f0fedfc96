package structured

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Example is one observed multichannel sequence.
type Example struct {
	x   *mat.Dense
	y   []int
	phi []float64
}

// NewExample builds an example from a channels x length matrix and an
// optional ground-truth state sequence. The matrix is copied.
func NewExample(x *mat.Dense, y []int) (Example, error) {
	if x == nil || x.IsEmpty() {
		return Example{}, ErrEmptySequence
	}
	channels, length := x.Dims()
	if y != nil && len(y) != length {
		return Example{}, fmt.Errorf("%w: %d labels for %d time steps", ErrInvalidAssignment, len(y), length)
	}

	ex := Example{x: mat.DenseCopyOf(x)}
	if y != nil {
		ex.y = append([]int(nil), y...)
	}

	// Per-channel sums, L2-normalised
	ex.phi = make([]float64, channels)
	for c := 0; c < channels; c++ {
		ex.phi[c] = floats.Sum(mat.Row(nil, c, ex.x))
	}
	if norm := floats.Norm(ex.phi, 2); norm > 0 {
		floats.Scale(1/norm, ex.phi)
	}

	return ex, nil
}

// FromRows builds an example from one slice per channel.
func FromRows(channels [][]float64, y []int) (Example, error) {
	if len(channels) == 0 || len(channels[0]) == 0 {
		return Example{}, ErrEmptySequence
	}
	length := len(channels[0])
	data := make([]float64, 0, len(channels)*length)
	for c, row := range channels {
		if len(row) != length {
			return Example{}, fmt.Errorf("channel %d has %d steps, want %d: %w", c, len(row), length, ErrDimensionMismatch)
		}
		data = append(data, row...)
	}
	return NewExample(mat.NewDense(len(channels), length, data), y)
}

// Channels returns the number of channels.
func (e Example) Channels() int {
	r, _ := e.x.Dims()
	return r
}

// Len returns the number of time steps.
func (e Example) Len() int {
	_, c := e.x.Dims()
	return c
}

// At returns the value of channel c at time t.
func (e Example) At(c, t int) float64 {
	return e.x.At(c, t)
}

// Step returns the channel values at time t.
func (e Example) Step(t int) []float64 {
	return mat.Col(nil, t, e.x)
}

// X returns a read-only view of the feature matrix.
func (e Example) X() mat.Matrix {
	return e.x
}

// Labels returns the ground-truth states, or nil when absent.
func (e Example) Labels() []int {
	return e.y
}

// HasLabels reports whether ground truth is present.
func (e Example) HasLabels() bool {
	return e.y != nil
}

// Phi returns the L2-normalised per-channel summary.
func (e Example) Phi() []float64 {
	return e.phi
}

// Set is an immutable collection of examples sharing the same channel count.
type Set struct {
	examples []Example
	dims     int
}

// NewSet validates examples and builds a set. The slice is copied.
func NewSet(examples []Example) (*Set, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("empty example set: %w", ErrEmptySequence)
	}

	var dims int
	for i, ex := range examples {
		if ex.x == nil {
			return nil, fmt.Errorf("example %d: %w", i, ErrEmptySequence)
		}
		if i == 0 {
			dims = ex.Channels()
		}
		if ex.Channels() != dims {
			return nil, fmt.Errorf("example %d has %d channels, want %d: %w", i, ex.Channels(), dims, ErrDimensionMismatch)
		}
	}

	return &Set{
		examples: append([]Example(nil), examples...),
		dims:     dims,
	}, nil
}

// Len returns the number of examples.
func (s *Set) Len() int {
	return len(s.examples)
}

// Dims returns the channel count shared by all examples.
func (s *Set) Dims() int {
	return s.dims
}

// Example returns example i.
func (s *Set) Example(i int) Example {
	return s.examples[i]
}

// HasLabels reports whether every example carries ground truth.
func (s *Set) HasLabels() bool {
	for _, ex := range s.examples {
		if !ex.HasLabels() {
			return false
		}
	}
	return true
}

// Phis returns the summary vectors as rows of a samples x dims matrix.
func (s *Set) Phis() *mat.Dense {
	m := mat.NewDense(len(s.examples), s.dims, nil)
	for i, ex := range s.examples {
		m.SetRow(i, ex.phi)
	}
	return m
}

// Subset returns a new set holding the selected examples in order.
func (s *Set) Subset(idx ...int) (*Set, error) {
	examples := make([]Example, 0, len(idx))
	for _, i := range idx {
		if i < 0 || i >= len(s.examples) {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", i, len(s.examples))
		}
		examples = append(examples, s.examples[i])
	}
	return NewSet(examples)
}

// Mean returns the per-channel mean over all time steps of all examples.
func (s *Set) Mean() []float64 {
	mean := make([]float64, s.dims)
	var count int
	for _, ex := range s.examples {
		for c := 0; c < s.dims; c++ {
			mean[c] += floats.Sum(mat.Row(nil, c, ex.x))
		}
		count += ex.Len()
	}
	floats.Scale(1/float64(count), mean)
	return mean
}

// Centered returns a new set with its own Mean subtracted from every time
// step. Labels and phi summaries are carried over.
func (s *Set) Centered() *Set {
	c, _ := s.CenteredBy(s.Mean())
	return c
}

// CenteredBy returns a new set with mean subtracted from every time step,
// e.g. the Mean of the set a model was trained on.
func (s *Set) CenteredBy(mean []float64) (*Set, error) {
	if len(mean) != s.dims {
		return nil, fmt.Errorf("mean has %d channels, set has %d: %w", len(mean), s.dims, ErrDimensionMismatch)
	}

	examples := make([]Example, len(s.examples))
	for i, ex := range s.examples {
		x := mat.DenseCopyOf(ex.x)
		x.Apply(func(c, _ int, v float64) float64 {
			return v - mean[c]
		}, x)
		examples[i] = Example{x: x, y: ex.y, phi: ex.phi}
	}

	return &Set{examples: examples, dims: s.dims}, nil
}
