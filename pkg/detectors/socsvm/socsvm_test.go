package socsvm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/hed1ad/seqguard/internal/metrics"
	"github.com/hed1ad/seqguard/pkg/detectors"
	"github.com/hed1ad/seqguard/pkg/detectors/ocsvm"
	"github.com/hed1ad/seqguard/pkg/qp"
	"github.com/hed1ad/seqguard/pkg/structured"
	"github.com/hed1ad/seqguard/pkg/structured/hmm"
	"github.com/hed1ad/seqguard/pkg/structured/multiclass"
	"github.com/hed1ad/seqguard/pkg/toydata"
)

// burstObject holds three flat sequences and one that is silent except for
// a spike in its last step.
func burstObject(t *testing.T) *hmm.Model {
	t.Helper()
	flat := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	spike := []float64{0, 0, 0, 0, 0, 0, 0, 4}

	var examples []structured.Example
	for _, row := range [][]float64{flat, flat, flat, spike} {
		ex, err := structured.FromRows([][]float64{row}, nil)
		require.NoError(t, err)
		examples = append(examples, ex)
	}
	set, err := structured.NewSet(examples)
	require.NoError(t, err)

	m, err := hmm.New(set)
	require.NoError(t, err)
	return m
}

func toyObject(t *testing.T, cfg toydata.Config) (*hmm.Model, []toydata.Sample) {
	t.Helper()
	samples, err := toydata.Generate(cfg)
	require.NoError(t, err)
	set, err := toydata.Set(samples)
	require.NoError(t, err)
	m, err := hmm.New(set)
	require.NoError(t, err)
	return m, samples
}

// flipObject is a two-example multiclass object whose examples share the
// same summary vector.
func flipObject(t *testing.T) *multiclass.Model {
	t.Helper()
	a, err := structured.FromRows([][]float64{{2}}, nil)
	require.NoError(t, err)
	b, err := structured.FromRows([][]float64{{3}}, nil)
	require.NoError(t, err)
	set, err := structured.NewSet([]structured.Example{a, b})
	require.NoError(t, err)

	m, err := multiclass.New(set, multiclass.WithLabels([]int{0, 1}))
	require.NoError(t, err)
	return m
}

func TestNew(t *testing.T) {
	s := New()
	assert.InDelta(t, 1.0, s.Bound(10), 1e-12)
	assert.Equal(t, 1, s.workers)
	assert.Equal(t, 100, s.maxIter)
	assert.Equal(t, int64(1), s.seed)
	assert.Nil(t, s.initialSol)

	s = New(WithC(0.3), WithAnomalyPrior(0.5))
	assert.Equal(t, 0.3, s.Bound(10))

	s = New(FromConfig(detectors.Config{AnomalyPrior: 0.25, Threshold: 1, MaxIterations: 7, Workers: 3}))
	assert.InDelta(t, 0.5, s.Bound(8), 1e-12)
	assert.Equal(t, 1.0, s.Threshold())
	assert.Equal(t, 7, s.maxIter)
	assert.Equal(t, 3, s.workers)

	s = New(WithWorkers(-2))
	assert.Equal(t, 1, s.workers)
}

func TestTrainDCSeparatesBurst(t *testing.T) {
	obj := burstObject(t)

	// A zero solution starts every path in state 0
	res, err := New(WithAnomalyPrior(0.2), WithInitialSolution(make([]float64, 6))).TrainDC(context.Background(), obj)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	for _, y := range res.Latents {
		assert.Equal(t, make([]int, 8), y)
	}

	// The spike carries all of the dual mass
	assert.Equal(t, []int{3}, res.Model.Support)
	assert.InDelta(t, 1.25, res.Model.C, 1e-12)
	assert.InDelta(t, 65.0, res.Model.Rho, 1e-9)
	assert.InDeltaSlice(t, []float64{7, 0, 0, 0, 4, 0}, res.Model.Sol, 1e-9)
	assert.InDeltaSlice(t, []float64{-16, -16, -16, 0}, res.Scores, 1e-9)

	require.Len(t, res.History, 1)
	assert.InDelta(t, 32.5, res.History[0].Objective, 1e-9)
	assert.Equal(t, 4, res.History[0].Changed)
	assert.Equal(t, 1, res.History[0].Support)
}

func TestTrainDCDefaultStart(t *testing.T) {
	obj := burstObject(t)

	res, err := New(WithAnomalyPrior(0.2)).TrainDC(context.Background(), obj)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	for _, y := range res.Latents {
		assert.Equal(t, []int{1, 1, 1, 1, 1, 1, 1, 1}, y)
	}
	assert.InDeltaSlice(t, []float64{0, 0, 0, 7, 0, 4}, res.Model.Sol, 1e-9)
	assert.InDelta(t, 65.0, res.Model.Rho, 1e-9)
	assert.InDeltaSlice(t, []float64{-16, -16, -16, 0}, res.Scores, 1e-9)
}

func TestTrainDCDecodesBurstState(t *testing.T) {
	obj, samples := toyObject(t, toydata.DefaultConfig())
	anomalous := toydata.Anomalous(samples)
	require.NotEmpty(t, anomalous)

	t.Run("default seed", func(t *testing.T) {
		res, err := New().TrainDC(context.Background(), obj)
		require.NoError(t, err)
		for _, a := range anomalous {
			assert.Contains(t, res.Latents[a], 1, "anomaly %d", a)
		}
	})

	t.Run("seed 2", func(t *testing.T) {
		res, err := New(WithSeed(2)).TrainDC(context.Background(), obj)
		require.NoError(t, err)
		require.True(t, res.Converged)
		for _, a := range anomalous {
			for step, label := range samples[a].Labels {
				if label == 1 {
					assert.Equal(t, 1, res.Latents[a][step], "anomaly %d step %d", a, step)
				}
			}
			for i, s := range samples {
				if !s.Anomalous {
					assert.Greater(t, res.Scores[a], res.Scores[i], "anomaly %d vs normal %d", a, i)
				}
			}
		}
	})

	t.Run("centered", func(t *testing.T) {
		m, err := hmm.New(obj.Set().Centered())
		require.NoError(t, err)
		res, err := New().TrainDC(context.Background(), m)
		require.NoError(t, err)
		for _, a := range anomalous {
			assert.Contains(t, res.Latents[a], 1, "anomaly %d", a)
		}
	})
}

func TestTrainDCSeed(t *testing.T) {
	obj, _ := toyObject(t, toydata.DefaultConfig())
	ctx := context.Background()

	first, err := New().TrainDC(ctx, obj)
	require.NoError(t, err)
	again, err := New(WithSeed(1)).TrainDC(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := New(WithSeed(5)).TrainDC(ctx, obj)
	require.NoError(t, err)
	assert.NotEqual(t, first.Latents, other.Latents)

	// An explicit solution overrides the seed
	zero := make([]float64, 6)
	a, err := New(WithSeed(1), WithInitialSolution(zero)).TrainDC(ctx, obj)
	require.NoError(t, err)
	b, err := New(WithSeed(5), WithInitialSolution(zero)).TrainDC(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = New(WithInitialSolution([]float64{1, 2})).TrainDC(ctx, obj)
	assert.ErrorIs(t, err, structured.ErrDimensionMismatch)
}

func TestTrainDCToyData(t *testing.T) {
	obj, samples := toyObject(t, toydata.DefaultConfig())

	res, err := New().TrainDC(context.Background(), obj)
	require.NoError(t, err)
	require.True(t, res.Converged)

	anomalous := toydata.Anomalous(samples)
	require.NotEmpty(t, anomalous)
	for _, a := range anomalous {
		for i, s := range samples {
			if !s.Anomalous {
				assert.Greater(t, res.Scores[a], res.Scores[i], "anomaly %d vs normal %d", a, i)
			}
		}
	}

	// Applying the model reproduces the training scores
	scores, latents, err := res.Model.Apply(context.Background(), obj)
	require.NoError(t, err)
	assert.InDeltaSlice(t, res.Scores, scores, 1e-9)
	assert.Equal(t, res.Latents, latents)
}

func TestTrainDCSingleExample(t *testing.T) {
	ex, err := structured.FromRows([][]float64{{1, 5, 2}}, nil)
	require.NoError(t, err)
	set, err := structured.NewSet([]structured.Example{ex})
	require.NoError(t, err)
	obj, err := hmm.New(set, hmm.WithStates(3))
	require.NoError(t, err)

	res, err := New().TrainDC(context.Background(), obj)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, []float64{1}, res.Model.Alphas)
	assert.InDelta(t, 0.0, res.Scores[0], 1e-9)
}

func TestTrainDCReassigns(t *testing.T) {
	obj := flipObject(t)

	res, err := New(WithAnomalyPrior(1), WithInitialLatents([][]int{{0}, {1}})).TrainDC(context.Background(), obj)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, [][]int{{0}, {0}}, res.Latents)
	assert.InDeltaSlice(t, []float64{1, 0}, res.Model.Sol, 1e-12)
	assert.InDelta(t, 1.0, res.Model.Rho, 1e-12)

	require.Len(t, res.History, 2)
	assert.Equal(t, 2, res.History[0].Changed)
	assert.Equal(t, 1, res.History[1].Changed)
	assert.InDelta(t, 0.25, res.History[0].Objective, 1e-12)
	assert.InDelta(t, 0.5, res.History[1].Objective, 1e-12)
}

func TestTrainDCGroundTruthInit(t *testing.T) {
	obj := flipObject(t)

	fromLabels, err := New(WithAnomalyPrior(1), WithGroundTruthInit()).TrainDC(context.Background(), obj)
	require.NoError(t, err)
	explicit, err := New(WithAnomalyPrior(1), WithInitialLatents([][]int{{0}, {1}})).TrainDC(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, explicit, fromLabels)

	_, err = New(WithGroundTruthInit()).TrainDC(context.Background(), burstObject(t))
	assert.ErrorIs(t, err, structured.ErrNoLabels)
}

func TestTrainDCIterationBudget(t *testing.T) {
	obj := flipObject(t)

	res, err := New(WithAnomalyPrior(1), WithMaxIterations(1), WithInitialLatents([][]int{{0}, {1}})).
		TrainDC(context.Background(), obj)
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, [][]int{{0}, {1}}, res.Latents)

	_, err = New(WithMaxIterations(0)).TrainDC(context.Background(), obj)
	assert.Error(t, err)
}

func TestTrainDCObjectiveNonDecreasing(t *testing.T) {
	rng := rand.New(rand.NewSource(17))

	for trial := 0; trial < 5; trial++ {
		var examples []structured.Example
		var initial [][]int
		for i := 0; i < 12; i++ {
			length := 4 + rng.Intn(5)
			rows := make([][]float64, 2)
			for c := range rows {
				rows[c] = make([]float64, length)
				for k := range rows[c] {
					rows[c][k] = rng.NormFloat64()
				}
			}
			ex, err := structured.FromRows(rows, nil)
			require.NoError(t, err)
			examples = append(examples, ex)

			y := make([]int, length)
			for k := range y {
				y[k] = rng.Intn(3)
			}
			initial = append(initial, y)
		}
		set, err := structured.NewSet(examples)
		require.NoError(t, err)
		obj, err := hmm.New(set, hmm.WithStates(3))
		require.NoError(t, err)

		res, err := New(WithAnomalyPrior(0.3), WithInitialLatents(initial)).TrainDC(context.Background(), obj)
		require.NoError(t, err)

		for i := 1; i < len(res.History); i++ {
			assert.GreaterOrEqual(t, res.History[i].Objective, res.History[i-1].Objective-1e-6,
				"trial %d iteration %d", trial, i+1)
		}
	}
}

func TestTrainDCWorkersDeterministic(t *testing.T) {
	cfg := toydata.DefaultConfig()
	cfg.Normal = 40
	cfg.Anomalous = 4
	obj, _ := toyObject(t, cfg)

	serial, err := New().TrainDC(context.Background(), obj)
	require.NoError(t, err)

	for _, workers := range []int{2, 4, 16} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			parallel, err := New(WithWorkers(workers)).TrainDC(context.Background(), obj)
			require.NoError(t, err)
			assert.Equal(t, serial, parallel)
		})
	}
}

func TestTrainDCSolverFailure(t *testing.T) {
	// N*C < 1 leaves the dual without a feasible point
	res, err := New(WithC(0.1)).TrainDC(context.Background(), burstObject(t))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, qp.ErrInfeasible)
	assert.ErrorIs(t, err, qp.ErrSolver)

	// A failure after the first solve keeps the completed iterate
	s := New(WithAnomalyPrior(1), WithInitialLatents([][]int{{0}, {1}}), WithSolver(failSecondSolve()))

	res, err = s.TrainDC(context.Background(), flipObject(t))
	assert.ErrorIs(t, err, qp.ErrSolver)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Converged)
	assert.Equal(t, [][]int{{0}, {1}}, res.Latents)
}

// failSecondSolve trains normally except on the second call.
func failSecondSolve() func(*ocsvm.OCSVM, mat.Symmetric) error {
	calls := 0
	return func(svm *ocsvm.OCSVM, k mat.Symmetric) error {
		calls++
		if calls == 2 {
			return fmt.Errorf("injected: %w", qp.ErrNumerical)
		}
		return svm.TrainDual(k)
	}
}

func TestFitKeepsPartialResult(t *testing.T) {
	obj := flipObject(t)
	ctx := context.Background()

	s := New(WithAnomalyPrior(1), WithInitialLatents([][]int{{0}, {1}}), WithSolver(failSecondSolve()))
	err := s.Fit(ctx, obj)
	assert.ErrorIs(t, err, qp.ErrNumerical)

	res := s.Result()
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Converged)
	require.Len(t, res.History, 1)

	// The partial model scores like any other
	scores, _, err := s.Apply(ctx, obj)
	require.NoError(t, err)
	assert.Len(t, scores, 2)
	assert.Same(t, res.Model, s.Model())

	// A run that completes no iteration replaces an earlier model with
	// nothing; N*C < 1 makes the first solve infeasible
	s = New(WithC(0.3))
	require.NoError(t, s.Fit(ctx, burstObject(t)))
	require.NotNil(t, s.Result())
	assert.ErrorIs(t, s.Fit(ctx, obj), qp.ErrInfeasible)
	assert.Nil(t, s.Result())
	_, _, err = s.Apply(ctx, obj)
	assert.ErrorIs(t, err, ErrNotTrained)
}

func TestTrainDCErrors(t *testing.T) {
	ctx := context.Background()

	_, err := New().TrainDC(ctx, structured.UnimplementedObject{})
	assert.Error(t, err)

	_, err = New(WithInitialLatents([][]int{{0}})).TrainDC(ctx, flipObject(t))
	assert.ErrorIs(t, err, structured.ErrInvalidAssignment)

	_, err = New(WithInitialLatents([][]int{{0}, {5}})).TrainDC(ctx, flipObject(t))
	assert.ErrorIs(t, err, structured.ErrInvalidAssignment)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = New(WithWorkers(2)).TrainDC(cancelled, burstObject(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFitApply(t *testing.T) {
	obj, samples := toyObject(t, toydata.DefaultConfig())
	registry := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(registry)

	s := New(WithMetrics(m), WithWorkers(3))
	_, _, err := s.Apply(context.Background(), obj)
	assert.ErrorIs(t, err, ErrNotTrained)
	assert.Nil(t, s.Model())

	require.NoError(t, s.Fit(context.Background(), obj))
	require.NotNil(t, s.Result())

	before, err := json.Marshal(s.Model())
	require.NoError(t, err)

	first, latents, err := s.Apply(context.Background(), obj)
	require.NoError(t, err)
	second, _, err := s.Apply(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, latents, len(samples))

	// Scoring never touches the model
	after, err := json.Marshal(s.Model())
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrainingRuns))
	assert.Equal(t, float64(s.Result().Iterations), testutil.ToFloat64(m.OuterIterations))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SolverFailures))
	assert.Equal(t, float64(2*len(samples)), testutil.ToFloat64(m.ExamplesScored))
}

func TestModelJSON(t *testing.T) {
	obj, _ := toyObject(t, toydata.DefaultConfig())

	res, err := New().TrainDC(context.Background(), obj)
	require.NoError(t, err)

	data, err := json.Marshal(res.Model)
	require.NoError(t, err)
	var loaded Model
	require.NoError(t, json.Unmarshal(data, &loaded))

	want, _, err := res.Model.Apply(context.Background(), obj)
	require.NoError(t, err)
	got, _, err := loaded.Apply(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	s := New()
	s.SetModel(&loaded)
	viaTrainer, _, err := s.Apply(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, want, viaTrainer)

	// Wrong dimensionality
	other, err := hmm.New(obj.Set(), hmm.WithStates(3))
	require.NoError(t, err)
	_, _, err = loaded.Apply(context.Background(), other)
	assert.ErrorIs(t, err, structured.ErrDimensionMismatch)
}

func BenchmarkTrainDC(b *testing.B) {
	cfg := toydata.DefaultConfig()
	cfg.Normal = 100
	cfg.Anomalous = 5
	cfg.Length = 32
	samples, _ := toydata.Generate(cfg)
	set, _ := toydata.Set(samples)
	obj, _ := hmm.New(set)

	s := New(WithWorkers(4))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.TrainDC(context.Background(), obj)
	}
}
