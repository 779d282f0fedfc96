package ocsvm

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/hed1ad/seqguard/pkg/detectors"
	"github.com/hed1ad/seqguard/pkg/kernel"
	"github.com/hed1ad/seqguard/pkg/qp"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		n         int
		wantBound float64
	}{
		{
			name:      "default prior",
			n:         10,
			wantBound: 1,
		},
		{
			name:      "prior",
			opts:      []Option{WithAnomalyPrior(0.2)},
			n:         4,
			wantBound: 1.25,
		},
		{
			name:      "explicit C wins",
			opts:      []Option{WithAnomalyPrior(0.2), WithC(0.5)},
			n:         4,
			wantBound: 0.5,
		},
		{
			name:      "shared config",
			opts:      []Option{FromConfig(detectors.Config{AnomalyPrior: 0.5})},
			n:         4,
			wantBound: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.opts...)
			assert.InDelta(t, tt.wantBound, m.Bound(tt.n), 1e-12)
		})
	}
}

func TestTrainDualConstraints(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, prior := range []float64{0.05, 0.2, 0.5, 1} {
		x := randomMatrix(rng, 30, 4, 1)
		m := New(WithAnomalyPrior(prior))
		require.NoError(t, m.TrainDual(kernel.Linear(x)))

		alphas := m.Alphas()
		c := m.C()
		assert.InDelta(t, 1.0/(30*prior), c, 1e-12)
		assert.InDelta(t, 1.0, floats.Sum(alphas), 1e-6)
		for _, a := range alphas {
			assert.GreaterOrEqual(t, a, -1e-6)
			assert.LessOrEqual(t, a, c+1e-6)
		}

		// Support alphas line up with the support indices
		sa := m.SupportAlphas()
		for i, idx := range m.Support() {
			assert.Equal(t, alphas[idx], sa[i])
			assert.Greater(t, sa[i], 0.0)
		}
	}
}

func TestTrainDualKnownSolution(t *testing.T) {
	// Three identical inliers and one point closer to the origin
	x := mat.NewDense(4, 2, []float64{
		7, 8,
		7, 8,
		7, 8,
		7, 4,
	})
	m := New(WithAnomalyPrior(0.2))
	require.NoError(t, m.TrainDual(kernel.Linear(x)))

	assert.Equal(t, []int{3}, m.Support())
	assert.InDelta(t, 1.0, m.Alphas()[3], 1e-9)
	assert.InDelta(t, 65.0, m.Rho(), 1e-9)
	assert.InDelta(t, 32.5, m.Objective(), 1e-9)

	// Decision values of every training point against the single support vector
	k := kernel.LinearCross(x, x.Slice(3, 4, 0, 2))
	dec, err := m.ApplyDual(k)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{16, 16, 16, 0}, dec, 1e-9)
}

func TestTrainDualInfeasible(t *testing.T) {
	x := mat.NewDense(3, 1, []float64{1, 2, 3})
	m := New(WithC(0.1))

	err := m.TrainDual(kernel.Linear(x))
	assert.ErrorIs(t, err, qp.ErrInfeasible)
	assert.ErrorIs(t, err, qp.ErrSolver)

	_, err = m.ApplyDual(mat.NewDense(1, 1, nil))
	assert.Error(t, err, "failed training must not leave a model behind")
}

func TestApplyDualShape(t *testing.T) {
	x := mat.NewDense(2, 1, []float64{1, 1})
	m := New(WithAnomalyPrior(0.5))
	require.NoError(t, m.TrainDual(kernel.Linear(x)))

	_, err := m.ApplyDual(mat.NewDense(1, len(m.Support())+1, nil))
	assert.Error(t, err)
}

func TestOffset(t *testing.T) {
	tests := []struct {
		name   string
		alphas []float64
		grad   []float64
		want   float64
	}{
		{
			name:   "free vectors averaged",
			alphas: []float64{0.5, 0.5, 0},
			grad:   []float64{2, 4, 9},
			want:   3,
		},
		{
			name:   "midpoint without free vectors",
			alphas: []float64{1, 0, 0},
			grad:   []float64{2, 6, 4},
			want:   3,
		},
		{
			name:   "only bounded vectors",
			alphas: []float64{0.5, 0.5},
			grad:   []float64{2, 3},
			want:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := 1.0
			if tt.name == "only bounded vectors" {
				c = 0.5
			}
			assert.InDelta(t, tt.want, offset(tt.alphas, tt.grad, c, 1e-8), 1e-12)
		})
	}
}

func TestFitPredict(t *testing.T) {
	train := generateCluster(200, 2, 5, 0.5)

	t.Run("linear", func(t *testing.T) {
		m := New(WithAnomalyPrior(0.1))
		require.NoError(t, m.Fit(train))

		scores, err := m.Predict([][]float64{{5, 5}, {0.5, 0.5}})
		require.NoError(t, err)
		assert.Greater(t, scores[1], scores[0])
		assert.Greater(t, scores[1], 0.0)
	})

	t.Run("rbf", func(t *testing.T) {
		m := New(WithAnomalyPrior(0.1), WithKernel(kernel.TypeRBF, 0.5))
		require.NoError(t, m.Fit(train))

		center, err := m.PredictOne([]float64{5, 5})
		require.NoError(t, err)
		far, err := m.PredictOne([]float64{20, -20})
		require.NoError(t, err)
		assert.Greater(t, far, center)
		assert.InDelta(t, m.Rho(), far, 1e-9)
	})

	t.Run("before fit", func(t *testing.T) {
		_, err := New().Predict(train)
		assert.Error(t, err)
	})

	t.Run("empty data", func(t *testing.T) {
		assert.Error(t, New().Fit(nil))
	})

	t.Run("ragged data", func(t *testing.T) {
		assert.Error(t, New().Fit([][]float64{{1, 2}, {1}}))
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		m := New()
		require.NoError(t, m.Fit(train))
		_, err := m.PredictOne([]float64{1, 2, 3})
		assert.Error(t, err)
	})
}

func TestPredictStream(t *testing.T) {
	m := New(WithAnomalyPrior(0.1), WithKernel(kernel.TypeRBF, 0.5))
	require.NoError(t, m.Fit(generateCluster(100, 3, 0, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan []float64, 10)
	output := make(chan detectors.Score, 10)

	go func() {
		defer close(output)
		err := m.PredictStream(ctx, input, output)
		assert.NoError(t, err)
	}()

	testSamples := [][]float64{
		{0, 0, 0},
		{100, 100, 100},
		{0.3, 0.3, 0.3},
	}

	go func() {
		for _, sample := range testSamples {
			input <- sample
		}
		close(input)
	}()

	results := make([]detectors.Score, 0, len(testSamples))
	for score := range output {
		results = append(results, score)
	}

	require.Len(t, results, len(testSamples))
	assert.True(t, results[1].IsAnomaly)
}

func TestSaveLoad(t *testing.T) {
	train := generateCluster(150, 4, 1, 1)
	original := New(WithAnomalyPrior(0.15), WithKernel(kernel.TypeRBF, 0.25), WithThreshold(0.01))
	require.NoError(t, original.Fit(train))

	testData := generateCluster(50, 4, 1, 2)
	originalScores, err := original.Predict(testData)
	require.NoError(t, err)

	data, err := original.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	loaded := New()
	require.NoError(t, loaded.Load(data))

	loadedScores, err := loaded.Predict(testData)
	require.NoError(t, err)
	assert.InDeltaSlice(t, originalScores, loadedScores, 1e-12)
	assert.Equal(t, 0.01, loaded.Threshold())
	assert.Equal(t, original.Rho(), loaded.Rho())

	_, err = New().Save()
	assert.Error(t, err)
}

func TestThreshold(t *testing.T) {
	m := New()
	assert.Equal(t, 0.0, m.Threshold())

	m.SetThreshold(0.7)
	assert.Equal(t, 0.7, m.Threshold())
}

func BenchmarkTrainDual(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	k := kernel.Linear(randomMatrix(rng, 300, 10, 1))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		New(WithAnomalyPrior(0.1)).TrainDual(k)
	}
}

func generateCluster(n, features int, center, spread float64) [][]float64 {
	rng := rand.New(rand.NewSource(int64(n*features) + int64(math.Float64bits(spread))))
	data := make([][]float64, n)
	for i := range data {
		data[i] = make([]float64, features)
		for j := range data[i] {
			data[i][j] = center + spread*rng.NormFloat64()
		}
	}
	return data
}

func randomMatrix(rng *rand.Rand, r, c int, shift float64) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64() + shift
	}
	return mat.NewDense(r, c, data)
}
