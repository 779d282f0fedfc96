// Package config loads seqguard settings from a YAML file, a .env file and
// SEQGUARD_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/seqguard/pkg/detectors"
	"github.com/hed1ad/seqguard/pkg/kernel"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "SEQGUARD"

// Model types.
const (
	ModelHMM        = "hmm"
	ModelMulticlass = "multiclass"
)

// Config is the complete runtime configuration. Nested fields are read from
// SEQGUARD_<SECTION>_<NAME>, e.g. SEQGUARD_TRAINER_WORKERS.
type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Trainer TrainerConfig `yaml:"trainer"`
	Data    DataConfig    `yaml:"data"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`

	MetricsAddr string `yaml:"metrics_addr" split_words:"true"`
}

// ModelConfig selects the structured model. States is the class count for
// the multiclass model.
type ModelConfig struct {
	Type   string      `yaml:"type"`
	States int         `yaml:"states"`
	Kernel kernel.Type `yaml:"kernel"`
	Gamma  float64     `yaml:"gamma"`
}

// TrainerConfig controls the concave-convex trainer.
type TrainerConfig struct {
	AnomalyPrior  float64 `yaml:"anomaly_prior" split_words:"true"`
	MaxIterations int     `yaml:"max_iterations" split_words:"true"`
	Workers       int     `yaml:"workers"`
	Threshold     float64 `yaml:"threshold"`
	Tolerance     float64 `yaml:"tolerance"`
	Seed          int64   `yaml:"seed"` // Seeds the random starting solution
}

// DataConfig describes where training data comes from.
type DataConfig struct {
	Path     string `yaml:"path"`
	Centered bool   `yaml:"centered"`
}

// StoreConfig points at the bbolt model store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Type:   ModelHMM,
			States: 2,
			Kernel: kernel.TypeLinear,
			Gamma:  1,
		},
		Trainer: TrainerConfig{
			AnomalyPrior:  0.1,
			MaxIterations: 100,
			Workers:       1,
			Tolerance:     1e-9,
			Seed:          1,
		},
		Store: StoreConfig{Path: "seqguard.db"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load builds a Config. Values from the YAML file at path (when path is not
// empty) override the defaults, a .env file in the working directory seeds
// the environment, and SEQGUARD_* variables override everything else.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Unset variables leave the current value untouched
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Detector returns the detector settings shared by every detector package.
func (c Config) Detector() detectors.Config {
	return detectors.Config{
		AnomalyPrior:  c.Trainer.AnomalyPrior,
		Threshold:     c.Trainer.Threshold,
		MaxIterations: c.Trainer.MaxIterations,
		Workers:       c.Trainer.Workers,
	}
}

// Validate checks that every setting is usable.
func (c Config) Validate() error {
	switch c.Model.Type {
	case ModelHMM, ModelMulticlass:
	default:
		return fmt.Errorf("unknown model type %q", c.Model.Type)
	}
	if c.Model.States < 1 {
		return fmt.Errorf("model.states must be positive, got %d", c.Model.States)
	}

	switch c.Model.Kernel {
	case kernel.TypeLinear:
	case kernel.TypeRBF:
		if c.Model.Gamma <= 0 {
			return fmt.Errorf("model.gamma must be positive, got %g", c.Model.Gamma)
		}
	default:
		return fmt.Errorf("unknown kernel %q", c.Model.Kernel)
	}

	if c.Trainer.AnomalyPrior <= 0 || c.Trainer.AnomalyPrior > 1 {
		return fmt.Errorf("trainer.anomaly_prior must lie in (0, 1], got %g", c.Trainer.AnomalyPrior)
	}
	if c.Trainer.MaxIterations < 1 {
		return fmt.Errorf("trainer.max_iterations must be positive, got %d", c.Trainer.MaxIterations)
	}
	if c.Trainer.Workers < 1 {
		return fmt.Errorf("trainer.workers must be positive, got %d", c.Trainer.Workers)
	}
	if c.Trainer.Tolerance <= 0 {
		return fmt.Errorf("trainer.tolerance must be positive, got %g", c.Trainer.Tolerance)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
