// Command seqguard trains and applies structured one-class anomaly detectors
// on multichannel sequences read from CSV files or packet captures.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hed1ad/seqguard/internal/config"
	"github.com/hed1ad/seqguard/internal/logging"
	"github.com/hed1ad/seqguard/internal/metrics"
)

var version = "dev"

// app carries what every subcommand needs once the configuration is loaded.
type app struct {
	cfg     config.Config
	metrics *metrics.Metrics
	server  *http.Server
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("seqguard failed")
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	a := &app{}

	root := &cobra.Command{
		Use:           "seqguard",
		Short:         "structured one-class anomaly detection for multichannel sequences",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(configPath)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.shutdown()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SEQGUARD_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		trainCmd(a),
		scoreCmd(a),
		pcapCmd(a),
		demoCmd(a),
		baselineCmd(a),
		modelsCmd(a),
		versionCmd(),
	)

	return root
}

func (a *app) setup(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.Stderr(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		return err
	}
	log.Logger = logger

	a.metrics = metrics.New()
	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}
	return nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func (a *app) shutdown() error {
	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the seqguard version",
		Args:  cobra.NoArgs,
		// Skip config loading
		PersistentPreRun:  func(cmd *cobra.Command, args []string) {},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
