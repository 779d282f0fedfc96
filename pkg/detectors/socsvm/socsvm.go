// Package socsvm trains a one-class SVM on structured examples whose latent
// assignments are unobserved. Training alternates between decoding every
// example under the current solution and solving the one-class dual on the
// resulting joint feature vectors, until the assignments stop changing.
package socsvm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/seqguard/internal/metrics"
	"github.com/hed1ad/seqguard/pkg/detectors"
	"github.com/hed1ad/seqguard/pkg/detectors/ocsvm"
	"github.com/hed1ad/seqguard/pkg/kernel"
	"github.com/hed1ad/seqguard/pkg/qp"
	"github.com/hed1ad/seqguard/pkg/structured"
)

var _ detectors.StructuredDetector = (*StructuredOCSVM)(nil)

// ErrNotTrained is returned by Apply before a successful Fit.
var ErrNotTrained = errors.New("model not trained")

// Model is a trained structured one-class solution. Scores are
// rho - <Sol, Phi(x, y)>, so larger values are more anomalous.
type Model struct {
	Sol     []float64 `json:"sol"`
	Rho     float64   `json:"rho"`
	C       float64   `json:"c"`
	Alphas  []float64 `json:"alphas"`
	Support []int     `json:"support"`
}

// Apply decodes every example of obj under the model and returns the
// anomaly scores together with the decoded assignments.
func (m *Model) Apply(ctx context.Context, obj structured.Object) ([]float64, [][]int, error) {
	return m.apply(ctx, obj, 1)
}

func (m *Model) apply(ctx context.Context, obj structured.Object, workers int) ([]float64, [][]int, error) {
	dims, err := obj.NumDims()
	if err != nil {
		return nil, nil, err
	}
	if dims != len(m.Sol) {
		return nil, nil, fmt.Errorf("model has %d dimensions, object has %d: %w", len(m.Sol), dims, structured.ErrDimensionMismatch)
	}

	decoded, err := decodeAll(ctx, obj, workers, func(idx int) (*structured.Decoded, error) {
		return obj.Argmax(m.Sol, idx, false, structured.Linear)
	})
	if err != nil {
		return nil, nil, err
	}

	scores := make([]float64, len(decoded))
	latents := make([][]int, len(decoded))
	for i, d := range decoded {
		scores[i] = m.Rho - d.Score
		latents[i] = d.Latent
	}
	return scores, latents, nil
}

// Iterate records one outer iteration of TrainDC.
type Iterate struct {
	Iteration int     `json:"iteration"`
	Objective float64 `json:"objective"`
	Rho       float64 `json:"rho"`
	Support   int     `json:"support"`
	// Changed counts the examples whose assignment differs from the
	// previous iteration; every example counts on the first one.
	Changed int `json:"changed"`
}

// Result is a snapshot of the trainer after an outer iteration. Latents are
// the assignments the model was solved on and Scores the corresponding
// training anomaly scores.
type Result struct {
	Model      *Model
	Latents    [][]int
	Scores     []float64
	Iterations int
	Converged  bool
	History    []Iterate
}

// StructuredOCSVM is the concave-convex trainer.
type StructuredOCSVM struct {
	mu sync.RWMutex

	// Configuration
	c           float64
	prior       float64
	maxIter     int
	workers     int
	threshold   float64
	groundTruth bool
	initial     [][]int
	initialSol  []float64
	seed        int64
	svmOpts     []ocsvm.Option
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	// solve trains svm on k
	solve func(svm *ocsvm.OCSVM, k mat.Symmetric) error

	result *Result
}

// Option configures a StructuredOCSVM.
type Option func(*StructuredOCSVM)

// WithC fixes the box constraint of every dual variable. It takes precedence
// over WithAnomalyPrior.
func WithC(c float64) Option {
	return func(s *StructuredOCSVM) {
		s.c = c
	}
}

// WithAnomalyPrior derives C = 1/(n * prior) for n training examples.
func WithAnomalyPrior(p float64) Option {
	return func(s *StructuredOCSVM) {
		s.prior = p
	}
}

// WithMaxIterations bounds the number of QP solves.
func WithMaxIterations(n int) Option {
	return func(s *StructuredOCSVM) {
		s.maxIter = n
	}
}

// WithWorkers sets the number of goroutines used to decode examples.
func WithWorkers(n int) Option {
	return func(s *StructuredOCSVM) {
		s.workers = n
	}
}

// WithThreshold sets the score above which an example counts as anomalous
// in metrics.
func WithThreshold(t float64) Option {
	return func(s *StructuredOCSVM) {
		s.threshold = t
	}
}

// WithGroundTruthInit starts from the labelled assignments instead of
// decoding under a starting solution. The object must implement
// structured.Labeled.
func WithGroundTruthInit() Option {
	return func(s *StructuredOCSVM) {
		s.groundTruth = true
	}
}

// WithInitialLatents starts from the given assignments, one per example.
func WithInitialLatents(latents [][]int) Option {
	return func(s *StructuredOCSVM) {
		s.initial = copyLatents(latents)
	}
}

// WithInitialSolution decodes the first assignments under sol instead of a
// random solution. A zero solution puts every position in state 0.
func WithInitialSolution(sol []float64) Option {
	return func(s *StructuredOCSVM) {
		s.initialSol = append([]float64(nil), sol...)
	}
}

// WithSeed seeds the random starting solution. Training is reproducible
// for a fixed seed.
func WithSeed(seed int64) Option {
	return func(s *StructuredOCSVM) {
		s.seed = seed
	}
}

// WithSolver replaces the one-class solve of every outer iteration, e.g. to
// wrap it with instrumentation. fn must train svm on k.
func WithSolver(fn func(svm *ocsvm.OCSVM, k mat.Symmetric) error) Option {
	return func(s *StructuredOCSVM) {
		if fn != nil {
			s.solve = fn
		}
	}
}

// WithSolverOptions passes options through to the QP solver.
func WithSolverOptions(opts ...qp.Option) Option {
	return func(s *StructuredOCSVM) {
		s.svmOpts = append(s.svmOpts, ocsvm.WithSolverOptions(opts...))
	}
}

// WithLogger sets the logger for per-iteration progress.
func WithLogger(l zerolog.Logger) Option {
	return func(s *StructuredOCSVM) {
		s.logger = l
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *StructuredOCSVM) {
		s.metrics = m
	}
}

// FromConfig applies the shared detector configuration.
func FromConfig(cfg detectors.Config) Option {
	return func(s *StructuredOCSVM) {
		s.prior = cfg.AnomalyPrior
		s.threshold = cfg.Threshold
		if cfg.MaxIterations > 0 {
			s.maxIter = cfg.MaxIterations
		}
		if cfg.Workers > 0 {
			s.workers = cfg.Workers
		}
	}
}

// New creates a trainer with the given options.
func New(opts ...Option) *StructuredOCSVM {
	s := &StructuredOCSVM{
		prior:   0.1,
		maxIter: 100,
		workers: 1,
		seed:    1,
		logger:  zerolog.Nop(),
		solve:   (*ocsvm.OCSVM).TrainDual,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.workers < 1 {
		s.workers = 1
	}
	return s
}

// Bound returns the box constraint used for n training examples.
func (s *StructuredOCSVM) Bound(n int) float64 {
	if s.c > 0 {
		return s.c
	}
	return 1 / (float64(n) * s.prior)
}

// TrainDC runs the concave-convex procedure on obj.
//
// The first assignments come from WithInitialLatents, WithGroundTruthInit or
// decoding under a starting solution, in that order of preference. The
// starting solution is the one given to WithInitialSolution, or else one
// with standard normal entries drawn from the WithSeed seed. Each outer
// iteration solves the one-class dual on the current joint feature vectors
// and re-decodes every example with the quadratic argmin. Training stops
// when no assignment changes, after the first solve when obj has a single
// example, or once the iteration budget is spent.
//
// When a solve fails, TrainDC returns the last completed Result (nil if
// there is none) together with the error.
func (s *StructuredOCSVM) TrainDC(ctx context.Context, obj structured.Object) (*Result, error) {
	n := obj.NumSamples()
	if n == 0 {
		return nil, errors.New("no training examples")
	}
	dims, err := obj.NumDims()
	if err != nil {
		return nil, err
	}
	if dims < 1 {
		return nil, fmt.Errorf("joint feature map has %d dimensions", dims)
	}
	if s.maxIter < 1 {
		return nil, fmt.Errorf("iteration budget must be positive, got %d", s.maxIter)
	}

	if s.metrics != nil {
		s.metrics.TrainingRuns.Inc()
	}

	latents, features, err := s.initialize(ctx, obj, n, dims)
	if err != nil {
		return nil, err
	}

	c := s.Bound(n)
	log := s.logger.With().Int("examples", n).Int("dims", dims).Float64("c", c).Logger()
	log.Debug().Int("workers", s.workers).Int("max_iterations", s.maxIter).Msg("starting concave-convex training")

	var (
		last    *Result
		history []Iterate
		changed = n
	)

	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		x := mat.NewDense(n, dims, nil)
		for i, psi := range features {
			x.SetRow(i, psi)
		}
		k := kernel.Linear(x)

		svm := ocsvm.New(append([]ocsvm.Option{ocsvm.WithC(c)}, s.svmOpts...)...)
		start := time.Now()
		err := s.solve(svm, k)
		if s.metrics != nil {
			s.metrics.SolveDuration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if s.metrics != nil {
				s.metrics.SolverFailures.Inc()
			}
			log.Error().Err(err).Int("iteration", iter).Msg("solver failed")
			return last, fmt.Errorf("outer iteration %d: %w", iter, err)
		}

		alphas := svm.Alphas()
		sol := make([]float64, dims)
		mat.NewVecDense(dims, sol).MulVec(x.T(), mat.NewVecDense(n, alphas))

		rho := svm.Rho()
		scores := make([]float64, n)
		for i, psi := range features {
			scores[i] = rho - floats.Dot(sol, psi)
		}

		step := Iterate{
			Iteration: iter,
			Objective: svm.Objective(),
			Rho:       rho,
			Support:   len(svm.Support()),
			Changed:   changed,
		}
		history = append(history, step)

		last = &Result{
			Model: &Model{
				Sol:     sol,
				Rho:     rho,
				C:       c,
				Alphas:  alphas,
				Support: svm.Support(),
			},
			Latents:    latents,
			Scores:     scores,
			Iterations: iter,
			History:    append([]Iterate(nil), history...),
		}

		if s.metrics != nil {
			s.metrics.OuterIterations.Inc()
			s.metrics.Objective.Set(step.Objective)
			s.metrics.SupportVectors.Set(float64(step.Support))
		}
		log.Info().
			Int("iteration", iter).
			Float64("objective", step.Objective).
			Float64("rho", rho).
			Int("support", step.Support).
			Int("changed", changed).
			Msg("outer iteration")

		if n == 1 {
			last.Converged = true
			return last, nil
		}

		decoded, err := s.decode(ctx, obj, func(idx int) (*structured.Decoded, error) {
			return structured.Argmin(obj, sol, idx)
		})
		if err != nil {
			return last, err
		}

		next := make([][]int, n)
		nextFeatures := make([][]float64, n)
		changed = 0
		for i, d := range decoded {
			next[i] = d.Latent
			nextFeatures[i] = d.Feature
			if !structured.Equal(d.Latent, latents[i]) {
				changed++
			}
		}
		if s.metrics != nil {
			s.metrics.ChangedAssignments.Set(float64(changed))
		}

		if changed == 0 {
			last.Converged = true
			log.Info().Int("iterations", iter).Msg("assignments stable")
			return last, nil
		}
		if iter >= s.maxIter {
			log.Warn().Int("iterations", iter).Int("changed", changed).Msg("iteration budget exhausted")
			return last, nil
		}

		latents, features = next, nextFeatures
	}
}

// initialize returns the starting assignments and their joint feature
// vectors.
func (s *StructuredOCSVM) initialize(ctx context.Context, obj structured.Object, n, dims int) ([][]int, [][]float64, error) {
	var latents [][]int

	switch {
	case s.initial != nil:
		if len(s.initial) != n {
			return nil, nil, fmt.Errorf("%d initial assignments for %d examples: %w", len(s.initial), n, structured.ErrInvalidAssignment)
		}
		latents = copyLatents(s.initial)

	case s.groundTruth:
		labeled, ok := obj.(structured.Labeled)
		if !ok {
			return nil, nil, fmt.Errorf("ground-truth initialisation: %w", structured.ErrNoLabels)
		}
		latents = make([][]int, n)
		for i := range latents {
			y, err := labeled.GroundTruth(i)
			if err != nil {
				return nil, nil, fmt.Errorf("ground-truth initialisation: %w", err)
			}
			latents[i] = y
		}

	default:
		sol, err := s.startSolution(dims)
		if err != nil {
			return nil, nil, err
		}
		decoded, err := s.decode(ctx, obj, func(idx int) (*structured.Decoded, error) {
			return structured.Argmin(obj, sol, idx)
		})
		if err != nil {
			return nil, nil, err
		}
		latents = make([][]int, n)
		features := make([][]float64, n)
		for i, d := range decoded {
			latents[i] = d.Latent
			features[i] = d.Feature
		}
		return latents, features, nil
	}

	features := make([][]float64, n)
	for i, y := range latents {
		psi, err := obj.JointFeatureMap(i, y)
		if err != nil {
			return nil, nil, fmt.Errorf("initial assignment of example %d: %w", i, err)
		}
		features[i] = psi
	}
	return latents, features, nil
}

// startSolution returns the solution the first assignments are decoded
// under.
func (s *StructuredOCSVM) startSolution(dims int) ([]float64, error) {
	if s.initialSol != nil {
		if len(s.initialSol) != dims {
			return nil, fmt.Errorf("initial solution has %d entries, want %d: %w", len(s.initialSol), dims, structured.ErrDimensionMismatch)
		}
		return s.initialSol, nil
	}

	rng := rand.New(rand.NewSource(s.seed))
	sol := make([]float64, dims)
	for i := range sol {
		sol[i] = rng.NormFloat64()
	}
	return sol, nil
}

func (s *StructuredOCSVM) decode(ctx context.Context, obj structured.Object, fn func(int) (*structured.Decoded, error)) ([]*structured.Decoded, error) {
	start := time.Now()
	decoded, err := decodeAll(ctx, obj, s.workers, fn)
	if s.metrics != nil {
		s.metrics.DecodeDuration.Observe(time.Since(start).Seconds())
	}
	return decoded, err
}

// decodeAll calls fn for every example of obj on up to workers goroutines.
// Each result is written to its own slot, so the output does not depend on
// scheduling.
func decodeAll(ctx context.Context, obj structured.Object, workers int, fn func(int) (*structured.Decoded, error)) ([]*structured.Decoded, error) {
	n := obj.NumSamples()
	out := make([]*structured.Decoded, n)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := fn(i)
			if err != nil {
				return fmt.Errorf("decode example %d: %w", i, err)
			}
			out[i] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Fit trains on obj and keeps the result for Apply. A failed run still
// replaces the previous result: with the last completed iterate, Converged
// false, or with nil when no iteration completed.
func (s *StructuredOCSVM) Fit(ctx context.Context, obj structured.Object) error {
	res, err := s.TrainDC(ctx, obj)

	s.mu.Lock()
	s.result = res
	s.mu.Unlock()
	return err
}

// Apply scores every example of obj with the fitted model.
func (s *StructuredOCSVM) Apply(ctx context.Context, obj structured.Object) ([]float64, [][]int, error) {
	s.mu.RLock()
	res := s.result
	s.mu.RUnlock()

	if res == nil {
		return nil, nil, ErrNotTrained
	}

	scores, latents, err := res.Model.apply(ctx, obj, s.workers)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.ObserveScores(scores, s.threshold)
	return scores, latents, nil
}

// Result returns the outcome of the last Fit, which is partial when that
// Fit returned an error, or nil.
func (s *StructuredOCSVM) Result() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// Model returns the model of Result, or nil.
func (s *StructuredOCSVM) Model() *Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.result == nil {
		return nil
	}
	return s.result.Model
}

// SetModel installs a previously trained model, e.g. one loaded from a
// store, for use by Apply.
func (s *StructuredOCSVM) SetModel(m *Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = &Result{Model: m, Converged: true}
}

// Threshold returns the metrics threshold.
func (s *StructuredOCSVM) Threshold() float64 {
	return s.threshold
}

func copyLatents(latents [][]int) [][]int {
	if latents == nil {
		return nil
	}
	out := make([][]int, len(latents))
	for i, y := range latents {
		out[i] = append([]int(nil), y...)
	}
	return out
}
