// Package hmm implements a hidden-Markov structured model over multichannel
// sequences. Its argmax oracle is a Viterbi decoder over a trellis with one
// node per (time step, state) pair.
package hmm

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/hed1ad/seqguard/pkg/structured"
)

var (
	_ structured.Object  = (*Model)(nil)
	_ structured.Labeled = (*Model)(nil)
)

// Model is a structured object for state sequences.
//
// The joint feature vector has two blocks: transition counts, indexed
// prev*states+cur, followed by one emission block per state holding the sum
// of the channel values observed in that state.
type Model struct {
	set    *structured.Set
	states int
}

// Option configures a Model.
type Option func(*Model)

// WithStates sets the number of latent states.
func WithStates(n int) Option {
	return func(m *Model) {
		m.states = n
	}
}

// New creates a model over set. Ground-truth labels, where present, must lie
// in [0, states).
func New(set *structured.Set, opts ...Option) (*Model, error) {
	if set == nil {
		return nil, fmt.Errorf("hmm: nil example set")
	}

	m := &Model{
		set:    set,
		states: 2,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.states < 1 {
		return nil, fmt.Errorf("hmm: need at least one state, got %d", m.states)
	}

	for i := 0; i < set.Len(); i++ {
		if y := set.Example(i).Labels(); y != nil {
			if err := m.checkStates(y); err != nil {
				return nil, fmt.Errorf("hmm: example %d labels: %w", i, err)
			}
		}
	}

	return m, nil
}

// Set returns the underlying examples.
func (m *Model) Set() *structured.Set {
	return m.set
}

// States returns the size of the state alphabet.
func (m *Model) States() int {
	return m.states
}

// NumSamples returns the number of examples.
func (m *Model) NumSamples() int {
	return m.set.Len()
}

// NumDims returns the joint feature dimensionality.
func (m *Model) NumDims() (int, error) {
	return m.numDims(), nil
}

func (m *Model) numDims() int {
	return m.states*m.states + m.states*m.set.Dims()
}

// emissionOffset returns where the emission weights of state s start.
func (m *Model) emissionOffset(s int) int {
	return m.states*m.states + s*m.set.Dims()
}

// JointFeatureMap computes Phi(x_idx, y).
func (m *Model) JointFeatureMap(idx int, y []int) ([]float64, error) {
	ex, err := m.example(idx)
	if err != nil {
		return nil, err
	}
	if err := m.checkAssignment(ex, y); err != nil {
		return nil, err
	}
	return m.featureMap(ex, y), nil
}

func (m *Model) featureMap(ex structured.Example, y []int) []float64 {
	dims := m.set.Dims()
	psi := make([]float64, m.numDims())

	for t := 1; t < len(y); t++ {
		psi[y[t-1]*m.states+y[t]]++
	}
	for t, s := range y {
		off := m.emissionOffset(s)
		for c := 0; c < dims; c++ {
			psi[off+c] += ex.At(c, t)
		}
	}

	return psi
}

// GroundTruth returns a copy of the labels of example idx.
func (m *Model) GroundTruth(idx int) ([]int, error) {
	ex, err := m.example(idx)
	if err != nil {
		return nil, err
	}
	if !ex.HasLabels() {
		return nil, fmt.Errorf("example %d: %w", idx, structured.ErrNoLabels)
	}
	return append([]int(nil), ex.Labels()...), nil
}

// Loss returns the number of positions where y differs from the ground truth.
func (m *Model) Loss(idx int, y []int) (float64, error) {
	ex, err := m.example(idx)
	if err != nil {
		return 0, err
	}
	if !ex.HasLabels() {
		return 0, fmt.Errorf("loss for example %d: %w", idx, structured.ErrNoLabels)
	}
	if err := m.checkAssignment(ex, y); err != nil {
		return 0, err
	}
	return hamming(ex.Labels(), y), nil
}

// Argmax decodes the best state path of example idx under sol.
//
// Linear maximises <sol, Phi(x,y)>. Quadratic maximises the separable part of
// ||sol||^2 - ||sol - Phi(x,y)||^2, namely 2<sol, Phi(x,y)> minus the squared
// norm of every per-position contribution. With addLoss, one unit is added
// for every position disagreeing with the ground truth. Ties prefer the
// lowest state index.
func (m *Model) Argmax(sol []float64, idx int, addLoss bool, opt structured.OptType) (*structured.Decoded, error) {
	ex, err := m.example(idx)
	if err != nil {
		return nil, err
	}
	if len(sol) != m.numDims() {
		return nil, fmt.Errorf("solution has %d entries, want %d: %w", len(sol), m.numDims(), structured.ErrDimensionMismatch)
	}

	var truth []int
	if addLoss {
		if !ex.HasLabels() {
			return nil, fmt.Errorf("loss-augmented argmax for example %d: %w", idx, structured.ErrNoLabels)
		}
		truth = ex.Labels()
	}

	var scale float64
	switch opt {
	case structured.Linear:
		scale = 1
	case structured.Quadratic:
		scale = 2
	default:
		return nil, fmt.Errorf("argmax: unknown opt type %v", opt)
	}

	path, score := m.viterbi(sol, ex, truth, scale)
	if opt == structured.Quadratic {
		score -= m.positionNorms(ex)
	}

	return &structured.Decoded{
		Score:   score,
		Latent:  path,
		Feature: m.featureMap(ex, path),
	}, nil
}

// viterbi returns the path maximising scale*<sol, Phi(x,y)> plus the Hamming
// mismatch against truth when truth is non-nil, along with that maximum.
func (m *Model) viterbi(sol []float64, ex structured.Example, truth []int, scale float64) ([]int, float64) {
	S := m.states
	T := ex.Len()
	dims := m.set.Dims()

	emission := func(t int, step []float64) []float64 {
		e := make([]float64, S)
		for s := 0; s < S; s++ {
			off := m.emissionOffset(s)
			e[s] = scale * floats.Dot(sol[off:off+dims], step)
			if truth != nil && truth[t] != s {
				e[s]++
			}
		}
		return e
	}

	// psi[t][s] is the best predecessor of state s at time t
	psi := make([][]int, T)
	delta := emission(0, ex.Step(0))
	next := make([]float64, S)

	for t := 1; t < T; t++ {
		psi[t] = make([]int, S)
		e := emission(t, ex.Step(t))
		for s := 0; s < S; s++ {
			best := delta[0] + scale*sol[s]
			bestPrev := 0
			for p := 1; p < S; p++ {
				if v := delta[p] + scale*sol[p*S+s]; v > best {
					best = v
					bestPrev = p
				}
			}
			next[s] = best + e[s]
			psi[t][s] = bestPrev
		}
		delta, next = next, delta
	}

	last := 0
	for s := 1; s < S; s++ {
		if delta[s] > delta[last] {
			last = s
		}
	}

	path := make([]int, T)
	path[T-1] = last
	for t := T - 1; t > 0; t-- {
		path[t-1] = psi[t][path[t]]
	}

	return path, delta[last]
}

// positionNorms is the sum over positions of the squared norm of each
// position's contribution to Phi: x_t plus one transition indicator.
func (m *Model) positionNorms(ex structured.Example) float64 {
	var total float64
	for t := 0; t < ex.Len(); t++ {
		step := ex.Step(t)
		total += floats.Dot(step, step)
		if t > 0 {
			total++
		}
	}
	return total
}

// PositionScores returns <sol, Phi(x_idx, y)> and its decomposition over
// time steps: the emission score of y[t] plus the transition into it.
func (m *Model) PositionScores(sol []float64, idx int, y []int) (float64, []float64, error) {
	ex, err := m.example(idx)
	if err != nil {
		return 0, nil, err
	}
	if len(sol) != m.numDims() {
		return 0, nil, fmt.Errorf("solution has %d entries, want %d: %w", len(sol), m.numDims(), structured.ErrDimensionMismatch)
	}
	if err := m.checkAssignment(ex, y); err != nil {
		return 0, nil, err
	}

	dims := m.set.Dims()
	scores := make([]float64, len(y))
	for t, s := range y {
		off := m.emissionOffset(s)
		scores[t] = floats.Dot(sol[off:off+dims], ex.Step(t))
		if t > 0 {
			scores[t] += sol[y[t-1]*m.states+s]
		}
	}

	return floats.Sum(scores), scores, nil
}

func (m *Model) example(idx int) (structured.Example, error) {
	if idx < 0 || idx >= m.set.Len() {
		return structured.Example{}, fmt.Errorf("index %d of %d: %w", idx, m.set.Len(), structured.ErrIndexOutOfRange)
	}
	return m.set.Example(idx), nil
}

func (m *Model) checkAssignment(ex structured.Example, y []int) error {
	if len(y) != ex.Len() {
		return fmt.Errorf("%w: length %d, sequence has %d steps", structured.ErrInvalidAssignment, len(y), ex.Len())
	}
	return m.checkStates(y)
}

func (m *Model) checkStates(y []int) error {
	for t, s := range y {
		if s < 0 || s >= m.states {
			return fmt.Errorf("%w: state %d at position %d outside [0, %d)", structured.ErrInvalidAssignment, s, t, m.states)
		}
	}
	return nil
}

func hamming(a, b []int) float64 {
	var n float64
	for i := range a {
		if a[i] != b[i] {
			n++
		}
	}
	return n
}
