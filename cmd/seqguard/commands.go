package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/hed1ad/seqguard/internal/store"
	"github.com/hed1ad/seqguard/pkg/detectors/ocsvm"
	"github.com/hed1ad/seqguard/pkg/detectors/socsvm"
	seqio "github.com/hed1ad/seqguard/pkg/io"
	seqpcap "github.com/hed1ad/seqguard/pkg/io/pcap"
	"github.com/hed1ad/seqguard/pkg/io/pcap/live"
	"github.com/hed1ad/seqguard/pkg/kernel"
	"github.com/hed1ad/seqguard/pkg/qp"
	"github.com/hed1ad/seqguard/pkg/toydata"
)

func trainCmd(a *app) *cobra.Command {
	var (
		name        string
		src         source
		out         string
		groundTruth bool
		keepPartial bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "train a model on CSV sequences and store it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := src.load(cmd.Context(), a.cfg.Data.Path, centering{enabled: a.cfg.Data.Centered})
			if err != nil {
				return err
			}

			var opts []socsvm.Option
			if groundTruth {
				opts = append(opts, socsvm.WithGroundTruthInit())
			}

			res, err := a.train(cmd.Context(), name, data, keepPartial, opts...)
			if err != nil {
				return err
			}
			return writeResults(out, seqio.Results(data.names, res.Scores, res.Latents, a.cfg.Trainer.Threshold))
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "default", "name of the stored model")
	addSourceFlags(cmd, &src)
	cmd.Flags().StringVarP(&out, "out", "o", "-", "CSV file for training scores")
	cmd.Flags().BoolVar(&groundTruth, "ground-truth-init", false, "start from the labels found in the files")
	cmd.Flags().BoolVar(&keepPartial, "keep-partial", false, "store the last completed iteration when the solver fails")

	return cmd
}

func scoreCmd(a *app) *cobra.Command {
	var (
		name string
		src  source
		out  string
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "score CSV sequences with a stored model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			rec, err := db.Get(name)
			db.Close()
			if err != nil {
				return err
			}

			if rec.Centered && rec.Mean == nil {
				log.Warn().Str("model", name).Msg("model has no stored training mean, centring by the scored data")
			}
			// Centre by the training mean, not that of the scored files
			data, err := src.load(cmd.Context(), a.cfg.Data.Path, centering{enabled: rec.Centered, mean: rec.Mean})
			if err != nil {
				return err
			}

			results, err := a.score(cmd.Context(), name, data)
			if err != nil {
				return err
			}
			return writeResults(out, results)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "default", "name of the stored model")
	addSourceFlags(cmd, &src)
	cmd.Flags().StringVarP(&out, "out", "o", "-", "CSV file for scores")

	return cmd
}

func addSourceFlags(cmd *cobra.Command, src *source) {
	cmd.Flags().StringVarP(&src.path, "data", "d", "", "glob of CSV sequence files, or one tabular file with --window (defaults to data.path)")
	cmd.Flags().IntVar(&src.window, "window", 0, "cut a time-major CSV file into sequences of this many rows")
	cmd.Flags().IntVar(&src.stride, "stride", 1, "rows between sequence starts with --window")
}

func pcapCmd(a *app) *cobra.Command {
	var (
		name     string
		file     string
		iface    string
		filter   string
		packets  int
		window   int
		stride   int
		features []string
		logScale bool
		train    bool
		out      string
	)

	cmd := &cobra.Command{
		Use:   "pcap",
		Short: "window a packet capture into sequences and train or score on them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (iface == "") {
				return fmt.Errorf("exactly one of --file and --iface is required")
			}

			var extOpts []seqpcap.ExtractorOption
			if len(features) > 0 {
				extOpts = append(extOpts, seqpcap.WithFeatures(features...))
			}
			if logScale {
				extOpts = append(extOpts, seqpcap.WithLogScale())
			}
			extractor, err := seqpcap.NewFeatureExtractor(extOpts...)
			if err != nil {
				return err
			}
			opts := []seqpcap.Option{seqpcap.WithExtractor(extractor), seqpcap.WithLimit(packets)}

			var r *seqpcap.Reader
			if file != "" {
				r, err = seqpcap.NewFileReader(file, opts...)
			} else {
				cfg := live.DefaultConfig(iface)
				cfg.Filter = filter
				r, err = live.Open(cfg, opts...)
			}
			if err != nil {
				return err
			}
			defer r.Close()

			set, err := seqio.NewWindowed(r, window, stride).ReadSet(cmd.Context())
			if err != nil {
				return err
			}
			data := &dataset{set: set, names: windowNames(set.Len())}
			log.Info().
				Strs("features", r.FeatureNames()).
				Int("windows", set.Len()).
				Msg("capture windowed")

			if train {
				res, err := a.train(cmd.Context(), name, data, false)
				if err != nil {
					return err
				}
				return writeResults(out, seqio.Results(data.names, res.Scores, res.Latents, a.cfg.Trainer.Threshold))
			}

			results, err := a.score(cmd.Context(), name, data)
			if err != nil {
				return err
			}
			return writeResults(out, results)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "default", "name of the stored model")
	cmd.Flags().StringVarP(&file, "file", "f", "", "pcap or pcapng file")
	cmd.Flags().StringVarP(&iface, "iface", "i", "", "network interface for a live capture")
	cmd.Flags().StringVar(&filter, "filter", "", "BPF filter for a live capture")
	cmd.Flags().IntVar(&packets, "packets", 0, "stop after this many packets (0 reads the whole file)")
	cmd.Flags().IntVar(&window, "window", 32, "packets per sequence")
	cmd.Flags().IntVar(&stride, "stride", 16, "packets between sequence starts")
	cmd.Flags().StringSliceVar(&features, "features", nil, "packet features to use as channels (default all)")
	cmd.Flags().BoolVar(&logScale, "log-scale", false, "apply log(1+x) to every feature")
	cmd.Flags().BoolVar(&train, "train", false, "train and store a model instead of scoring")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "CSV file for scores")

	return cmd
}

func demoCmd(a *app) *cobra.Command {
	gen := toydata.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "train on synthetic bursty sequences and report what was found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := toydata.Generate(gen)
			if err != nil {
				return err
			}
			set, err := toydata.Set(samples)
			if err != nil {
				return err
			}
			data := &dataset{set: set, names: make([]string, len(samples))}
			for i, s := range samples {
				kind := "normal"
				if s.Anomalous {
					kind = "burst"
				}
				data.names[i] = fmt.Sprintf("%s-%02d", kind, i)
			}

			obj, err := buildObject(a.cfg.Model.Type, a.cfg.Model.States, set)
			if err != nil {
				return err
			}
			det := a.trainer("demo")
			start := time.Now()
			res, err := det.TrainDC(cmd.Context(), obj)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Trained on %d sequences in %d iterations (%s), converged=%v\n",
				set.Len(), res.Iterations, time.Since(start).Round(time.Millisecond), res.Converged)

			results := seqio.Results(data.names, res.Scores, res.Latents, det.Threshold())
			printResults(out, results)

			hits := topK(res.Scores, len(toydata.Anomalous(samples)))
			found := 0
			for _, i := range hits {
				if samples[i].Anomalous {
					found++
				}
			}
			fmt.Fprintf(out, "\n%d of %d bursts rank among the top %d scores\n", found, len(hits), len(hits))
			return nil
		},
	}

	cmd.Flags().IntVar(&gen.Normal, "normal", gen.Normal, "number of normal sequences")
	cmd.Flags().IntVar(&gen.Anomalous, "anomalous", gen.Anomalous, "number of bursty sequences")
	cmd.Flags().IntVar(&gen.Length, "length", gen.Length, "time steps per sequence")
	cmd.Flags().IntVar(&gen.Channels, "channels", gen.Channels, "channels per time step")
	cmd.Flags().Float64Var(&gen.Noise, "noise", gen.Noise, "noise standard deviation")
	cmd.Flags().Int64Var(&gen.Seed, "seed", gen.Seed, "random seed")

	return cmd
}

// topK returns the indices of the k largest scores, highest first.
func topK(scores []float64, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

func baselineCmd(a *app) *cobra.Command {
	var (
		src source
		out string
	)

	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "score the per-channel summaries of CSV sequences with a plain one-class SVM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := src.load(cmd.Context(), a.cfg.Data.Path, centering{enabled: a.cfg.Data.Centered})
			if err != nil {
				return err
			}

			results, err := a.baseline(data)
			if err != nil {
				return err
			}
			return writeResults(out, results)
		},
	}

	addSourceFlags(cmd, &src)
	cmd.Flags().StringVarP(&out, "out", "o", "-", "CSV file for scores")

	return cmd
}

// baseline solves the one-class dual over the phi summaries of data and
// scores every summary against the support vectors.
func (a *app) baseline(data *dataset) ([]seqio.Result, error) {
	phis := data.set.Phis()
	f, err := kernel.For(a.cfg.Model.Kernel, a.cfg.Model.Gamma)
	if err != nil {
		return nil, err
	}
	linear := a.cfg.Model.Kernel == kernel.TypeLinear

	var k mat.Symmetric
	if linear {
		k = kernel.Linear(phis)
	} else {
		k = kernel.Gram(phis, f)
	}

	det := ocsvm.New(
		ocsvm.FromConfig(a.cfg.Detector()),
		ocsvm.WithSolverOptions(qp.WithTolerance(a.cfg.Trainer.Tolerance)),
	)
	if err := det.TrainDual(k); err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}

	support := det.Support()
	_, dims := phis.Dims()
	vectors := mat.NewDense(len(support), dims, nil)
	for i, idx := range support {
		vectors.SetRow(i, phis.RawRowView(idx))
	}

	var cross *mat.Dense
	if linear {
		cross = kernel.LinearCross(phis, vectors)
	} else {
		cross = kernel.Cross(phis, vectors, f)
	}
	decision, err := det.ApplyDual(cross)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(decision))
	for i, d := range decision {
		scores[i] = -d
	}
	a.metrics.ObserveScores(scores, det.Threshold())
	return seqio.Results(data.names, scores, nil, det.Threshold()), nil
}

func modelsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "inspect the model store",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "list stored models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			names, err := db.List()
			if err != nil {
				return err
			}
			for _, n := range names {
				rec, err := db.Get(n)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-10s states=%d channels=%d iterations=%d converged=%v %s\n",
					rec.Name, rec.ModelType, rec.States, rec.Channels, rec.Iterations, rec.Converged,
					rec.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	history := &cobra.Command{
		Use:   "history NAME",
		Short: "print the training iterates of every run of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := db.Runs(args[0])
			if err != nil {
				return err
			}
			for _, run := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s\n", run.CreatedAt.Format(time.RFC3339))
				for _, it := range run.History {
					fmt.Fprintf(cmd.OutOrStdout(), "  iter=%d objective=%.6g rho=%.6g support=%d changed=%d\n",
						it.Iteration, it.Objective, it.Rho, it.Support, it.Changed)
				}
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "rm NAME",
		Short: "delete a model and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Delete(args[0])
		},
	}

	cmd.AddCommand(list, history, remove)
	return cmd
}
