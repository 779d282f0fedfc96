// Package qp solves box-constrained convex quadratic programs with a single
// linear equality constraint:
//
//	minimize    1/2 x'Px + q'x
//	subject to  l <= x <= u
//	            a'x = b,  a_i in {+1, -1}
//
// The solver is a sequential minimal optimisation (SMO) loop that repeatedly
// updates the maximal violating pair of variables until the KKT gap drops
// below the tolerance.
package qp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrSolver is the parent of every failure reported by Solve.
	ErrSolver = errors.New("qp solver error")

	// ErrInfeasible is returned when no point satisfies the constraints.
	ErrInfeasible = fmt.Errorf("%w: infeasible problem", ErrSolver)

	// ErrNotConverged is returned when the iteration budget runs out.
	ErrNotConverged = fmt.Errorf("%w: not converged", ErrSolver)

	// ErrNumerical is returned for NaN or infinite data or iterates.
	ErrNumerical = fmt.Errorf("%w: numerical failure", ErrSolver)

	// ErrShape is returned when the problem's parts have inconsistent sizes.
	ErrShape = fmt.Errorf("%w: malformed problem", ErrSolver)
)

// tau replaces non-positive curvature along a pair direction.
const tau = 1e-12

// Problem describes a quadratic program.
type Problem struct {
	// P is the positive semi-definite quadratic term.
	P mat.Symmetric
	// Q is the linear term. Nil means zero.
	Q []float64
	// Lower and Upper bound every variable.
	Lower, Upper []float64
	// A holds the equality coefficients, each +1 or -1. Nil means all +1.
	A []float64
	// B is the equality right-hand side.
	B float64
}

// Solution is an optimal point of a Problem.
type Solution struct {
	X          []float64
	Gradient   []float64 // P x + q
	Objective  float64
	Iterations int
}

// Option configures Solve.
type Option func(*solver)

// WithTolerance sets the KKT gap at which the solver stops.
func WithTolerance(tol float64) Option {
	return func(s *solver) {
		s.tol = tol
	}
}

// WithMaxIterations caps the number of pair updates.
func WithMaxIterations(n int) Option {
	return func(s *solver) {
		s.maxIter = n
	}
}

type solver struct {
	tol     float64
	maxIter int

	n    int
	p    [][]float64
	q    []float64
	l, u []float64
	a    []float64
	b    float64
}

// Solve returns an optimal solution of prob.
func Solve(prob Problem, opts ...Option) (*Solution, error) {
	s := &solver{
		tol: 1e-9,
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(prob); err != nil {
		return nil, err
	}
	if s.maxIter <= 0 {
		s.maxIter = max(100000, 100*s.n)
	}

	x, err := s.initial()
	if err != nil {
		return nil, err
	}

	return s.smo(x)
}

// load validates prob and copies it into row-major storage.
func (s *solver) load(prob Problem) error {
	if prob.P == nil {
		return fmt.Errorf("%w: nil quadratic term", ErrShape)
	}
	n := prob.P.SymmetricDim()
	if n == 0 {
		return fmt.Errorf("%w: empty problem", ErrShape)
	}
	if len(prob.Lower) != n || len(prob.Upper) != n {
		return fmt.Errorf("%w: bounds have %d/%d entries, want %d", ErrShape, len(prob.Lower), len(prob.Upper), n)
	}
	if prob.Q != nil && len(prob.Q) != n {
		return fmt.Errorf("%w: linear term has %d entries, want %d", ErrShape, len(prob.Q), n)
	}
	if prob.A != nil && len(prob.A) != n {
		return fmt.Errorf("%w: equality has %d coefficients, want %d", ErrShape, len(prob.A), n)
	}

	s.n = n
	s.b = prob.B
	s.p = make([][]float64, n)
	for i := 0; i < n; i++ {
		s.p[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			s.p[i][j] = prob.P.At(i, j)
		}
		if !finite(s.p[i]...) {
			return fmt.Errorf("%w: quadratic term row %d", ErrNumerical, i)
		}
	}

	s.q = make([]float64, n)
	if prob.Q != nil {
		copy(s.q, prob.Q)
	}
	s.l = append([]float64(nil), prob.Lower...)
	s.u = append([]float64(nil), prob.Upper...)
	if !finite(s.q...) || !finite(s.l...) || !finite(s.u...) || !finite(s.b) {
		return fmt.Errorf("%w: linear term, bounds or right-hand side", ErrNumerical)
	}

	s.a = make([]float64, n)
	for i := range s.a {
		s.a[i] = 1
		if prob.A != nil {
			s.a[i] = prob.A[i]
		}
		if s.a[i] != 1 && s.a[i] != -1 {
			return fmt.Errorf("%w: equality coefficient %d is %v, want +1 or -1", ErrShape, i, s.a[i])
		}
	}

	for i := 0; i < n; i++ {
		if s.l[i] > s.u[i] {
			return fmt.Errorf("%w: lower bound %v above upper bound %v at %d", ErrInfeasible, s.l[i], s.u[i], i)
		}
	}

	return nil
}

// initial returns a feasible starting point, filling variables in index
// order from the configuration with the smallest a'x.
func (s *solver) initial() ([]float64, error) {
	x := make([]float64, s.n)
	var lo, hi float64
	for i := 0; i < s.n; i++ {
		if s.a[i] > 0 {
			x[i] = s.l[i]
			lo += s.l[i]
			hi += s.u[i]
		} else {
			x[i] = s.u[i]
			lo -= s.u[i]
			hi -= s.l[i]
		}
	}

	slack := 1e-12 * math.Max(1, math.Abs(s.b))
	if s.b < lo-slack || s.b > hi+slack {
		return nil, fmt.Errorf("%w: equality target %v outside reachable range [%v, %v]", ErrInfeasible, s.b, lo, hi)
	}

	need := s.b - lo
	for i := 0; i < s.n && need > 0; i++ {
		step := math.Min(s.u[i]-s.l[i], need)
		x[i] += s.a[i] * step
		need -= step
	}

	return x, nil
}

func (s *solver) smo(x []float64) (*Solution, error) {
	g := make([]float64, s.n)
	for i := 0; i < s.n; i++ {
		g[i] = floats.Dot(s.p[i], x) + s.q[i]
	}

	iter := 0
	for ; ; iter++ {
		i, j, gap := s.selectPair(x, g)
		if i < 0 || j < 0 || gap < s.tol {
			break
		}
		if iter >= s.maxIter {
			return nil, fmt.Errorf("%w: KKT gap %g after %d iterations", ErrNotConverged, gap, iter)
		}

		eta := s.p[i][i] + s.p[j][j] - 2*s.a[i]*s.a[j]*s.p[i][j]
		if eta <= 0 {
			eta = tau
		}
		t := gap / eta

		// Largest step keeping both variables inside their boxes
		capI := s.u[i] - x[i]
		if s.a[i] < 0 {
			capI = x[i] - s.l[i]
		}
		capJ := x[j] - s.l[j]
		if s.a[j] < 0 {
			capJ = s.u[j] - x[j]
		}
		t = math.Min(t, math.Min(capI, capJ))
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("%w: step size %v at iteration %d", ErrNumerical, t, iter)
		}

		s.move(x, i, s.a[i]*t, capI == t)
		s.move(x, j, -s.a[j]*t, capJ == t)

		di, dj := s.a[i]*t, s.a[j]*t
		for k := 0; k < s.n; k++ {
			g[k] += s.p[k][i]*di - s.p[k][j]*dj
		}
	}

	var obj float64
	for i := 0; i < s.n; i++ {
		obj += x[i] * (g[i] + s.q[i])
	}
	obj /= 2
	if math.IsNaN(obj) {
		return nil, fmt.Errorf("%w: objective is NaN", ErrNumerical)
	}

	return &Solution{
		X:          x,
		Gradient:   g,
		Objective:  obj,
		Iterations: iter,
	}, nil
}

// selectPair returns the maximal violating pair and its KKT gap.
func (s *solver) selectPair(x, g []float64) (int, int, float64) {
	i, j := -1, -1
	up, low := math.Inf(-1), math.Inf(1)

	for t := 0; t < s.n; t++ {
		v := -s.a[t] * g[t]
		if s.canIncrease(x, t) && v > up {
			up, i = v, t
		}
		if s.canDecrease(x, t) && v < low {
			low, j = v, t
		}
	}

	return i, j, up - low
}

// canIncrease reports whether a'x can grow through variable t.
func (s *solver) canIncrease(x []float64, t int) bool {
	if s.a[t] > 0 {
		return x[t] < s.u[t]
	}
	return x[t] > s.l[t]
}

// canDecrease reports whether a'x can shrink through variable t.
func (s *solver) canDecrease(x []float64, t int) bool {
	if s.a[t] > 0 {
		return x[t] > s.l[t]
	}
	return x[t] < s.u[t]
}

// move adds delta to x[k], snapping to the bound it was clipped against.
func (s *solver) move(x []float64, k int, delta float64, clipped bool) {
	x[k] += delta
	if clipped {
		if delta > 0 {
			x[k] = s.u[k]
		} else {
			x[k] = s.l[k]
		}
	}
	x[k] = math.Max(s.l[k], math.Min(s.u[k], x[k]))
}

func finite(v ...float64) bool {
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
