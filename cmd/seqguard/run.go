package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/hed1ad/seqguard/internal/config"
	"github.com/hed1ad/seqguard/internal/store"
	"github.com/hed1ad/seqguard/pkg/detectors/socsvm"
	seqio "github.com/hed1ad/seqguard/pkg/io"
	seqcsv "github.com/hed1ad/seqguard/pkg/io/csv"
	"github.com/hed1ad/seqguard/pkg/qp"
	"github.com/hed1ad/seqguard/pkg/structured"
	"github.com/hed1ad/seqguard/pkg/structured/hmm"
	"github.com/hed1ad/seqguard/pkg/structured/multiclass"
)

// buildObject wraps set in the structured model named by typ. For the
// multiclass model states is the number of classes.
func buildObject(typ string, states int, set *structured.Set) (structured.Object, error) {
	switch typ {
	case config.ModelHMM:
		return hmm.New(set, hmm.WithStates(states))
	case config.ModelMulticlass:
		return multiclass.New(set, multiclass.WithClasses(states))
	default:
		return nil, fmt.Errorf("unknown model type %q", typ)
	}
}

// dataset is a loaded example set with one name per example. Mean is the
// per-channel mean subtracted from centred data.
type dataset struct {
	set      *structured.Set
	names    []string
	centered bool
	mean     []float64
}

// centering selects whether loaded sequences are centred and by what mean.
// A nil mean centres by the mean of the loaded set itself.
type centering struct {
	enabled bool
	mean    []float64
}

func loadCSV(ctx context.Context, pattern string, c centering) (*dataset, error) {
	if pattern == "" {
		return nil, fmt.Errorf("no data path given")
	}
	opts := []seqcsv.SequenceOption{seqcsv.WithCentering(c.enabled)}
	if c.enabled && c.mean != nil {
		opts = append(opts, seqcsv.WithMean(c.mean))
	}
	r, err := seqcsv.Glob(pattern, opts...)
	if err != nil {
		return nil, err
	}
	set, err := r.ReadSet(ctx)
	if err != nil {
		return nil, err
	}
	return &dataset{set: set, names: r.Names(), centered: c.enabled, mean: r.Mean()}, nil
}

// loadTabular windows a single time-major CSV file, one row per time step.
func loadTabular(ctx context.Context, path string, window, stride int) (*dataset, error) {
	r, err := seqcsv.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	set, err := seqio.NewWindowed(r, window, stride).ReadSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if n := r.Skipped(); n > 0 {
		log.Warn().Str("path", path).Int("rows", n).Msg("skipped malformed rows")
	}
	return &dataset{set: set, names: windowNames(set.Len())}, nil
}

// source selects between per-file sequences and a windowed tabular file.
type source struct {
	path   string
	window int
	stride int
}

func (s source) load(ctx context.Context, fallback string, c centering) (*dataset, error) {
	path := s.path
	if path == "" {
		path = fallback
	}
	if s.window > 0 {
		return loadTabular(ctx, path, s.window, s.stride)
	}
	return loadCSV(ctx, path, c)
}

func windowNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("window-%d", i)
	}
	return names
}

// trainer builds a structured one-class trainer from the configuration.
func (a *app) trainer(name string, opts ...socsvm.Option) *socsvm.StructuredOCSVM {
	base := []socsvm.Option{
		socsvm.FromConfig(a.cfg.Detector()),
		socsvm.WithSolverOptions(qp.WithTolerance(a.cfg.Trainer.Tolerance)),
		socsvm.WithSeed(a.cfg.Trainer.Seed),
		socsvm.WithLogger(log.Logger.With().Str("model", name).Logger()),
		socsvm.WithMetrics(a.metrics),
	}
	return socsvm.New(append(base, opts...)...)
}

// train fits a model on data, stores it under name and returns the result.
//
// When training fails after completing an iteration, the partial result is
// returned along with the error. With keepPartial it is stored as an
// unconverged model and the error is only logged.
func (a *app) train(ctx context.Context, name string, data *dataset, keepPartial bool, opts ...socsvm.Option) (*socsvm.Result, error) {
	obj, err := buildObject(a.cfg.Model.Type, a.cfg.Model.States, data.set)
	if err != nil {
		return nil, err
	}

	det := a.trainer(name, opts...)
	fitErr := det.Fit(ctx, obj)
	res := det.Result()
	if fitErr != nil {
		if res == nil {
			return nil, fmt.Errorf("training %s: %w", name, fitErr)
		}
		log.Warn().
			Err(fitErr).
			Str("model", name).
			Int("iterations", res.Iterations).
			Bool("stored", keepPartial).
			Msg("training failed, partial result available")
		if !keepPartial {
			return res, fmt.Errorf("training %s after %d iterations: %w", name, res.Iterations, fitErr)
		}
	}

	log.Info().
		Str("model", name).
		Int("examples", data.set.Len()).
		Int("iterations", res.Iterations).
		Bool("converged", res.Converged).
		Float64("rho", res.Model.Rho).
		Msg("training finished")

	db, err := store.Open(a.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rec := store.Record{
		Name:       name,
		ModelType:  a.cfg.Model.Type,
		States:     a.cfg.Model.States,
		Channels:   data.set.Dims(),
		Centered:   data.centered,
		Mean:       data.mean,
		Threshold:  det.Threshold(),
		Iterations: res.Iterations,
		Converged:  res.Converged,
		Model:      res.Model,
	}
	if err := db.Put(rec, res.History); err != nil {
		return nil, fmt.Errorf("storing %s: %w", name, err)
	}

	return res, nil
}

// score applies the stored model name to data.
func (a *app) score(ctx context.Context, name string, data *dataset) ([]seqio.Result, error) {
	db, err := store.Open(a.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	rec, err := db.Get(name)
	db.Close()
	if err != nil {
		return nil, err
	}

	if data.set.Dims() != rec.Channels {
		return nil, fmt.Errorf("model %s expects %d channels, data has %d: %w", name, rec.Channels, data.set.Dims(), structured.ErrDimensionMismatch)
	}

	obj, err := buildObject(rec.ModelType, rec.States, data.set)
	if err != nil {
		return nil, err
	}

	det := a.trainer(name, socsvm.WithThreshold(rec.Threshold))
	det.SetModel(rec.Model)

	scores, latents, err := det.Apply(ctx, obj)
	if err != nil {
		return nil, fmt.Errorf("scoring with %s: %w", name, err)
	}
	return seqio.Results(data.names, scores, latents, rec.Threshold), nil
}

// writeResults writes results as CSV to path, or to stdout when path is
// empty or "-".
func writeResults(path string, results []seqio.Result) error {
	var w *seqcsv.Writer
	if path == "" || path == "-" {
		w = seqcsv.NewWriter(os.Stdout)
	} else {
		var err error
		if w, err = seqcsv.Create(path); err != nil {
			return err
		}
	}

	if err := w.WriteAll(results); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func printResults(out io.Writer, results []seqio.Result) {
	for _, r := range results {
		flag := ""
		if r.IsAnomaly {
			flag = " [ANOMALY]"
		}
		fmt.Fprintf(out, "%-16s score=%9.4f%s\n", r.Name, r.Score, flag)
	}
}
