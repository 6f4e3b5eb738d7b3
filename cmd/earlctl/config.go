package main

import (
	"fmt"
	"os"
	"strings"

	"earl/internal/config"
)

// loadConfig reads the config file, applies the flags the user set on top of
// it and validates the result.
func loadConfig(path string, set map[string]bool, flagValue map[string]any) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return config.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := overrideFromFlags(&cfg, set, flagValue); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func overrideFromFlags(cfg *config.Config, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "env":
			cfg.Experiment.Env = v.(string)
		case "pop":
			cfg.EARL.PopSize = v.(int)
		case "runs":
			cfg.Experiment.NumRuns = v.(int)
		case "timesteps":
			cfg.Experiment.Timesteps = v.(int)
		case "test-strat":
			cfg.Experiment.TestStrat = v.(string)
		case "seed":
			cfg.Experiment.Seed = v.(int64)
		case "force-cpu":
			cfg.Experiment.ForceCPU = v.(bool)
		case "store":
			cfg.Experiment.Store = v.(string)
		case "db-path":
			cfg.Experiment.DBPath = v.(string)
		case "out":
			cfg.Experiment.OutputDir = v.(string)
		default:
			return fmt.Errorf("unsupported override flag: %s", name)
		}
	}
	return nil
}

func joinNames(names []string) string {
	return strings.Join(names, "|")
}
