package kernel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLinear(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{
		1, 2,
		0, 1,
		-1, 3,
	})

	k := Linear(x)

	assert.Equal(t, 3, k.SymmetricDim())
	assert.InDelta(t, 5.0, k.At(0, 0), 1e-12)
	assert.InDelta(t, 2.0, k.At(0, 1), 1e-12)
	assert.InDelta(t, 5.0, k.At(0, 2), 1e-12)
	assert.InDelta(t, 3.0, k.At(2, 1), 1e-12)

	// The generic path agrees with the BLAS path
	g := Gram(x, LinearFunc)
	assert.True(t, mat.EqualApprox(k, g, 1e-12))
}

func TestLinearCross(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	b := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})

	k := LinearCross(a, b)
	r, c := k.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 3, c)
	assert.Equal(t, []float64{1, 3, 5}, mat.Row(nil, 0, k))
	assert.Equal(t, []float64{2, 4, 6}, mat.Row(nil, 1, k))

	assert.True(t, mat.EqualApprox(k, Cross(a, b, LinearFunc), 1e-12))
}

func TestRBF(t *testing.T) {
	f := RBFFunc(0.5)
	assert.Equal(t, 1.0, f([]float64{1, 2}, []float64{1, 2}))
	assert.InDelta(t, math.Exp(-0.5*2), f([]float64{0, 0}, []float64{1, 1}), 1e-12)
}

func TestFor(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		gamma   float64
		wantErr bool
	}{
		{name: "linear", typ: TypeLinear},
		{name: "rbf", typ: TypeRBF, gamma: 1},
		{name: "rbf without gamma", typ: TypeRBF, wantErr: true},
		{name: "unknown", typ: Type("poly"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := For(tt.typ, tt.gamma)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, f)
		})
	}
}
