// Package ocsvm implements the one-class support vector machine in its dual
// form:
//
//	minimize 1/2 a'Ka  subject to  0 <= a_i <= C,  sum(a) = 1
//
// The decision value of a point with kernel column k against the support
// vectors is a'k - rho. Inliers score non-negative; the anomaly score is the
// negated decision value.
package ocsvm

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/hed1ad/seqguard/pkg/detectors"
	"github.com/hed1ad/seqguard/pkg/kernel"
	"github.com/hed1ad/seqguard/pkg/qp"
)

var _ detectors.StreamDetector = (*OCSVM)(nil)

// OCSVM is a one-class SVM. It can be trained directly on a Gram matrix with
// TrainDual, or on raw vectors through the Detector interface.
type OCSVM struct {
	mu sync.RWMutex

	// Configuration
	c          float64
	prior      float64
	kernelType kernel.Type
	gamma      float64
	threshold  float64
	supportTol float64
	solverOpts []qp.Option

	// Trained model
	alphas    []float64
	support   []int
	bound     float64
	rho       float64
	objective float64
	vectors   [][]float64
	trained   bool
}

// Option configures an OCSVM.
type Option func(*OCSVM)

// WithC sets the upper bound on every dual variable. It takes precedence
// over WithAnomalyPrior.
func WithC(c float64) Option {
	return func(m *OCSVM) {
		m.c = c
	}
}

// WithAnomalyPrior derives C = 1/(n * prior) for a training set of n points.
func WithAnomalyPrior(p float64) Option {
	return func(m *OCSVM) {
		m.prior = p
	}
}

// WithKernel selects the kernel used by the Detector methods.
func WithKernel(t kernel.Type, gamma float64) Option {
	return func(m *OCSVM) {
		m.kernelType = t
		m.gamma = gamma
	}
}

// WithThreshold sets the anomaly score above which PredictStream flags a
// sample.
func WithThreshold(t float64) Option {
	return func(m *OCSVM) {
		m.threshold = t
	}
}

// WithSupportTolerance sets the dual value below which a point is not a
// support vector.
func WithSupportTolerance(tol float64) Option {
	return func(m *OCSVM) {
		m.supportTol = tol
	}
}

// WithSolverOptions passes options through to the QP solver.
func WithSolverOptions(opts ...qp.Option) Option {
	return func(m *OCSVM) {
		m.solverOpts = append(m.solverOpts, opts...)
	}
}

// FromConfig applies the shared detector configuration.
func FromConfig(cfg detectors.Config) Option {
	return func(m *OCSVM) {
		m.prior = cfg.AnomalyPrior
		m.threshold = cfg.Threshold
	}
}

// New creates a new OCSVM with the given options.
func New(opts ...Option) *OCSVM {
	m := &OCSVM{
		prior:      0.1,
		kernelType: kernel.TypeLinear,
		supportTol: 1e-8,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Bound returns the box constraint used for a training set of n points.
func (m *OCSVM) Bound(n int) float64 {
	if m.c > 0 {
		return m.c
	}
	return 1 / (float64(n) * m.prior)
}

// TrainDual solves the dual problem for the Gram matrix k. Solver failures
// are returned wrapped and leave any previously trained state untouched.
func (m *OCSVM) TrainDual(k mat.Symmetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.trainDual(k)
}

func (m *OCSVM) trainDual(k mat.Symmetric) error {
	if k == nil || k.SymmetricDim() == 0 {
		return errors.New("empty kernel matrix")
	}
	n := k.SymmetricDim()
	c := m.Bound(n)
	if c <= 0 || math.IsNaN(c) || math.IsInf(c, 0) {
		return fmt.Errorf("invalid bound C=%v: %w", c, qp.ErrInfeasible)
	}

	upper := make([]float64, n)
	for i := range upper {
		upper[i] = c
	}

	sol, err := qp.Solve(qp.Problem{
		P:     k,
		Lower: make([]float64, n),
		Upper: upper,
		B:     1,
	}, m.solverOpts...)
	if err != nil {
		return fmt.Errorf("one-class dual with C=%v: %w", c, err)
	}

	var support []int
	for i, a := range sol.X {
		if a > m.supportTol {
			support = append(support, i)
		}
	}

	m.alphas = sol.X
	m.support = support
	m.bound = c
	m.rho = offset(sol.X, sol.Gradient, c, m.supportTol)
	m.objective = sol.Objective
	m.vectors = nil
	m.trained = true

	return nil
}

// offset recovers rho from the gradient K a. Free support vectors lie on
// the boundary; without any, the midpoint of the KKT interval is used.
func offset(alphas, grad []float64, c, tol float64) float64 {
	var sum float64
	var free int
	lower, upper := math.Inf(-1), math.Inf(1)

	for i, a := range alphas {
		switch {
		case a > tol && a < c-tol:
			sum += grad[i]
			free++
		case a >= c-tol:
			lower = math.Max(lower, grad[i])
		default:
			upper = math.Min(upper, grad[i])
		}
	}

	switch {
	case free > 0:
		return sum / float64(free)
	case math.IsInf(lower, -1):
		return upper
	case math.IsInf(upper, 1):
		return lower
	default:
		return (lower + upper) / 2
	}
}

// Alphas returns the full dual solution.
func (m *OCSVM) Alphas() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.alphas...)
}

// Support returns the indices of the support vectors.
func (m *OCSVM) Support() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.support...)
}

// SupportAlphas returns the dual values of the support vectors, in the
// order of Support.
func (m *OCSVM) SupportAlphas() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]float64, len(m.support))
	for i, idx := range m.support {
		out[i] = m.alphas[idx]
	}
	return out
}

// Rho returns the decision offset.
func (m *OCSVM) Rho() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rho
}

// C returns the box constraint used in the last training run.
func (m *OCSVM) C() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bound
}

// Objective returns 1/2 a'Ka at the optimum.
func (m *OCSVM) Objective() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objective
}

// ApplyDual returns the decision values a'k - rho for every row of k. Row i
// holds the kernel between test point i and each support vector, in the
// order of Support.
func (m *OCSVM) ApplyDual(k mat.Matrix) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return nil, errors.New("model not trained")
	}
	r, c := k.Dims()
	if c != len(m.support) {
		return nil, fmt.Errorf("kernel has %d columns, model has %d support vectors", c, len(m.support))
	}

	a := m.supportAlphas()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		var v float64
		for j := 0; j < c; j++ {
			v += a[j] * k.At(i, j)
		}
		out[i] = v - m.rho
	}
	return out, nil
}

func (m *OCSVM) supportAlphas() []float64 {
	out := make([]float64, len(m.support))
	for i, idx := range m.support {
		out[i] = m.alphas[idx]
	}
	return out
}

// Fit trains on raw vectors using the configured kernel.
func (m *OCSVM) Fit(data [][]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(data) == 0 {
		return errors.New("empty training data")
	}

	x, err := toDense(data)
	if err != nil {
		return err
	}
	f, err := kernel.For(m.kernelType, m.gamma)
	if err != nil {
		return err
	}

	var k mat.Symmetric
	if m.kernelType == kernel.TypeLinear {
		k = kernel.Linear(x)
	} else {
		k = kernel.Gram(x, f)
	}

	if err := m.trainDual(k); err != nil {
		return err
	}

	m.vectors = make([][]float64, len(m.support))
	for i, idx := range m.support {
		m.vectors[i] = append([]float64(nil), data[idx]...)
	}

	return nil
}

// Predict returns anomaly scores for the given samples.
func (m *OCSVM) Predict(data [][]float64) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained || m.vectors == nil {
		return nil, errors.New("model not trained")
	}

	scores := make([]float64, len(data))
	for i, sample := range data {
		score, err := m.predictOne(sample)
		if err != nil {
			return nil, err
		}
		scores[i] = score
	}

	return scores, nil
}

// PredictOne returns the anomaly score for a single sample.
func (m *OCSVM) PredictOne(sample []float64) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained || m.vectors == nil {
		return 0, errors.New("model not trained")
	}

	return m.predictOne(sample)
}

func (m *OCSVM) predictOne(sample []float64) (float64, error) {
	f, err := kernel.For(m.kernelType, m.gamma)
	if err != nil {
		return 0, err
	}

	decision := -m.rho
	for i, sv := range m.vectors {
		if len(sv) != len(sample) {
			return 0, fmt.Errorf("sample dimension mismatch: expected %d, got %d", len(sv), len(sample))
		}
		decision += m.alphas[m.support[i]] * f(sv, sample)
	}

	return -decision, nil
}

// PredictStream processes samples from a channel.
func (m *OCSVM) PredictStream(ctx context.Context, input <-chan []float64, output chan<- detectors.Score) error {
	m.mu.RLock()
	if !m.trained || m.vectors == nil {
		m.mu.RUnlock()
		return errors.New("model not trained")
	}
	m.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}

			score, err := m.PredictOne(sample)
			if err != nil {
				continue
			}

			select {
			case output <- detectors.Score{
				Value:     score,
				IsAnomaly: score > m.Threshold(),
				Features:  sample,
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Save serializes a model trained with Fit.
func (m *OCSVM) Save() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained || m.vectors == nil {
		return nil, errors.New("model not trained")
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	for _, v := range []any{
		m.kernelType,
		m.gamma,
		m.threshold,
		m.bound,
		m.rho,
		m.objective,
		m.supportAlphas(),
		m.vectors,
	} {
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Load deserializes a model written by Save. The support vectors become the
// whole training set of the loaded model.
func (m *OCSVM) Load(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dec := gob.NewDecoder(bytes.NewBuffer(data))

	var alphas []float64
	for _, v := range []any{
		&m.kernelType,
		&m.gamma,
		&m.threshold,
		&m.bound,
		&m.rho,
		&m.objective,
		&alphas,
		&m.vectors,
	} {
		if err := dec.Decode(v); err != nil {
			return err
		}
	}
	if len(alphas) != len(m.vectors) {
		return fmt.Errorf("corrupt model: %d dual values for %d support vectors", len(alphas), len(m.vectors))
	}

	m.alphas = alphas
	m.support = make([]int, len(alphas))
	for i := range m.support {
		m.support[i] = i
	}
	m.trained = true

	return nil
}

// Threshold returns the current anomaly threshold.
func (m *OCSVM) Threshold() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threshold
}

// SetThreshold updates the anomaly threshold.
func (m *OCSVM) SetThreshold(t float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = t
}

func toDense(data [][]float64) (*mat.Dense, error) {
	d := len(data[0])
	if d == 0 {
		return nil, errors.New("samples have no features")
	}
	x := mat.NewDense(len(data), d, nil)
	for i, row := range data {
		if len(row) != d {
			return nil, fmt.Errorf("sample %d has %d features, want %d", i, len(row), d)
		}
		x.SetRow(i, row)
	}
	return x, nil
}
