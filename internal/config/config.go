package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"

	"earl/internal/ensemble"
	"earl/internal/env"
	"earl/internal/evo"
	"earl/internal/model"
	"earl/internal/nn"
	"earl/internal/storage"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultGamma          = 0.99
	DefaultEliteCount     = 1
	DefaultSelection      = "tournament"
	DefaultMutationStd    = 0.02
	DefaultGradientStep   = 0.01
	DefaultNumRuns        = 1
	DefaultLogInterval    = 1000
	DefaultPrintInterval  = 1
	DefaultTestStrategy   = "weightedvote"
	DefaultTestEpisodes   = 100
	DefaultMaxGenerations = 10000
	DefaultOutputDir      = "experiments"
	DefaultDBPath         = "earl.db"
)

// Config is the experiment configuration file. The three sections mirror the
// components they drive.
type Config struct {
	EARL       EARL       `json:"earl"`
	NeuralNet  NeuralNet  `json:"neural_net"`
	Experiment Experiment `json:"experiment"`
}

// EARL holds the population, loss and evolution settings.
type EARL struct {
	PopSize        int     `json:"pop_size"`
	ValueCoeff     float64 `json:"value_coeff"`
	EntropyCoeff   float64 `json:"entropy_coeff"`
	Gamma          float64 `json:"gamma,omitempty"`
	EliteCount     int     `json:"elite_count,omitempty"`
	Selection      string  `json:"selection,omitempty"`
	TournamentSize int     `json:"tournament_size,omitempty"`
	MutationStd    float64 `json:"mutation_std,omitempty"`
	GradientStep   float64 `json:"gradient_step,omitempty"`
	CrossoverRate  float64 `json:"crossover_rate,omitempty"`
}

type NeuralNet struct {
	LR     float64           `json:"lr"`
	Shared []model.LayerSpec `json:"shared"`
	Policy []model.LayerSpec `json:"policy"`
	Value  []model.LayerSpec `json:"value"`
}

type Experiment struct {
	Env            string  `json:"env"`
	NumRuns        int     `json:"num_runs"`
	Timesteps      int     `json:"timesteps"`
	LogInterval    int     `json:"log_interval"`
	PrintInterval  int     `json:"print_interval"`
	ForceCPU       bool    `json:"force_cpu,omitempty"`
	TestStrat      string  `json:"test_strat"`
	TestEpisodes   int     `json:"test_episodes,omitempty"`
	MaxGenerations int     `json:"max_generations,omitempty"`
	StopFitness    float64 `json:"stop_fitness,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
	OutputDir      string  `json:"output_dir,omitempty"`
	Store          string  `json:"store,omitempty"`
	DBPath         string  `json:"db_path,omitempty"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document, applies defaults and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	if c.EARL.Gamma == 0 {
		c.EARL.Gamma = DefaultGamma
	}
	if c.EARL.EliteCount == 0 {
		c.EARL.EliteCount = DefaultEliteCount
	}
	if c.EARL.Selection == "" {
		c.EARL.Selection = DefaultSelection
	}
	if c.EARL.MutationStd == 0 {
		c.EARL.MutationStd = DefaultMutationStd
	}
	if c.EARL.GradientStep == 0 {
		c.EARL.GradientStep = DefaultGradientStep
	}

	exp := &c.Experiment
	if exp.NumRuns == 0 {
		exp.NumRuns = DefaultNumRuns
	}
	if exp.LogInterval == 0 {
		exp.LogInterval = DefaultLogInterval
	}
	if exp.PrintInterval == 0 {
		exp.PrintInterval = DefaultPrintInterval
	}
	if exp.TestStrat == "" {
		exp.TestStrat = DefaultTestStrategy
	}
	if exp.TestEpisodes == 0 {
		exp.TestEpisodes = DefaultTestEpisodes
	}
	if exp.MaxGenerations == 0 {
		exp.MaxGenerations = DefaultMaxGenerations
	}
	if exp.OutputDir == "" {
		exp.OutputDir = DefaultOutputDir
	}
	if exp.Store == "" {
		exp.Store = storage.DefaultStoreKind()
	}
	if exp.DBPath == "" {
		exp.DBPath = DefaultDBPath
	}
}

// Validate checks the configuration before any run starts. Every failure
// unwraps to ErrInvalidConfig.
func (c Config) Validate() error {
	if c.EARL.PopSize < 1 {
		return invalid("earl.pop_size must be >= 1, got %d", c.EARL.PopSize)
	}
	if c.EARL.ValueCoeff < 0 || c.EARL.EntropyCoeff < 0 {
		return invalid("earl.value_coeff and earl.entropy_coeff must be >= 0")
	}
	if c.EARL.Gamma < 0 || c.EARL.Gamma > 1 {
		return invalid("earl.gamma must be in [0, 1], got %g", c.EARL.Gamma)
	}
	if c.EARL.EliteCount < 0 || c.EARL.EliteCount > c.EARL.PopSize {
		return invalid("earl.elite_count %d not in [0, %d]", c.EARL.EliteCount, c.EARL.PopSize)
	}
	if _, err := evo.NewSelector(c.EARL.Selection, c.EARL.PopSize, c.EARL.TournamentSize); err != nil {
		return wrap("earl.selection", err)
	}
	if c.EARL.TournamentSize < 0 || c.EARL.MutationStd < 0 || c.EARL.GradientStep < 0 {
		return invalid("earl.tournament_size, earl.mutation_std and earl.gradient_step must be >= 0")
	}
	if c.EARL.CrossoverRate < 0 || c.EARL.CrossoverRate > 1 {
		return invalid("earl.crossover_rate must be in [0, 1], got %g", c.EARL.CrossoverRate)
	}

	if c.NeuralNet.LR <= 0 {
		return invalid("neural_net.lr must be > 0, got %g", c.NeuralNet.LR)
	}
	blocks := []struct {
		name  string
		specs []model.LayerSpec
	}{
		{"neural_net.shared", c.NeuralNet.Shared},
		{"neural_net.policy", c.NeuralNet.Policy},
		{"neural_net.value", c.NeuralNet.Value},
	}
	for _, block := range blocks {
		if len(block.specs) == 0 {
			return invalid("%s must declare at least one layer", block.name)
		}
		if err := nn.ValidateSpecs(block.specs); err != nil {
			return wrap(block.name, err)
		}
	}

	exp := c.Experiment
	spec, err := env.Lookup(exp.Env)
	if err != nil {
		return wrap("experiment.env", err)
	}
	probe := spec.New(exp.Seed)
	_, err = nn.NewPopulationNetwork(nn.NetworkConfig{
		PopulationSize: 1,
		InputSize:      probe.ObservationSize(),
		ActionCount:    probe.ActionCount(),
		LearningRate:   c.NeuralNet.LR,
		Trunk:          c.NeuralNet.Shared,
		Policy:         c.NeuralNet.Policy,
		Value:          c.NeuralNet.Value,
	}, rand.New(rand.NewSource(exp.Seed)))
	if err != nil {
		return wrap("neural_net", err)
	}
	if _, err := ensemble.ParseStrategy(exp.TestStrat); err != nil {
		return wrap("experiment.test_strat", err)
	}
	switch {
	case exp.NumRuns < 1:
		return invalid("experiment.num_runs must be >= 1, got %d", exp.NumRuns)
	case exp.Timesteps < 1:
		return invalid("experiment.timesteps must be >= 1, got %d", exp.Timesteps)
	case exp.LogInterval < 1:
		return invalid("experiment.log_interval must be >= 1, got %d", exp.LogInterval)
	case exp.PrintInterval < 1:
		return invalid("experiment.print_interval must be >= 1, got %d", exp.PrintInterval)
	case exp.TestEpisodes < 1:
		return invalid("experiment.test_episodes must be >= 1, got %d", exp.TestEpisodes)
	case exp.MaxGenerations < 1:
		return invalid("experiment.max_generations must be >= 1, got %d", exp.MaxGenerations)
	}
	if err := storage.CheckKind(exp.Store); err != nil {
		return wrap("experiment.store", err)
	}
	return nil
}

// StopFitness returns the configured stop threshold or the environment's.
func (c Config) StopFitness() (float64, error) {
	if c.Experiment.StopFitness != 0 {
		return c.Experiment.StopFitness, nil
	}
	spec, err := env.Lookup(c.Experiment.Env)
	if err != nil {
		return 0, wrap("experiment.env", err)
	}
	return spec.StopFitness, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func wrap(field string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, field, err)
}
