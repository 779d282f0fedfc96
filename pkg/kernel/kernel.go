// Package kernel computes kernel matrices over row-stacked feature vectors.
package kernel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Func evaluates a kernel on two feature vectors of equal length.
type Func func(a, b []float64) float64

// Type names a kernel family.
type Type string

const (
	TypeLinear Type = "linear"
	TypeRBF    Type = "rbf"
)

// LinearFunc is the inner product.
func LinearFunc(a, b []float64) float64 {
	return floats.Dot(a, b)
}

// RBFFunc returns exp(-gamma * ||a-b||^2).
func RBFFunc(gamma float64) Func {
	return func(a, b []float64) float64 {
		d := floats.Distance(a, b, 2)
		return math.Exp(-gamma * d * d)
	}
}

// For returns the kernel function of the given type. gamma is ignored by
// the linear kernel.
func For(t Type, gamma float64) (Func, error) {
	switch t {
	case TypeLinear:
		return LinearFunc, nil
	case TypeRBF:
		if gamma <= 0 {
			return nil, fmt.Errorf("rbf kernel needs a positive gamma, got %v", gamma)
		}
		return RBFFunc(gamma), nil
	default:
		return nil, fmt.Errorf("unknown kernel type: %s", t)
	}
}

// Linear returns the Gram matrix x x' of the rows of x.
func Linear(x mat.Matrix) *mat.SymDense {
	var k mat.SymDense
	k.SymOuterK(1, x)
	return &k
}

// LinearCross returns a b': entry (i, j) is the inner product of row i of a
// with row j of b.
func LinearCross(a, b mat.Matrix) *mat.Dense {
	var k mat.Dense
	k.Mul(a, b.T())
	return &k
}

// Gram evaluates f over every pair of rows of x.
func Gram(x mat.Matrix, f Func) *mat.SymDense {
	n, _ := x.Dims()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = mat.Row(nil, i, x)
	}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			k.SetSym(i, j, f(rows[i], rows[j]))
		}
	}
	return k
}

// Cross evaluates f between every row of a and every row of b.
func Cross(a, b mat.Matrix, f Func) *mat.Dense {
	n, cols := a.Dims()
	m, _ := b.Dims()

	brows := make([][]float64, m)
	for j := range brows {
		brows[j] = mat.Row(nil, j, b)
	}

	k := mat.NewDense(n, m, nil)
	arow := make([]float64, cols)
	for i := 0; i < n; i++ {
		mat.Row(arow, i, a)
		for j := 0; j < m; j++ {
			k.Set(i, j, f(arow, brows[j]))
		}
	}
	return k
}
