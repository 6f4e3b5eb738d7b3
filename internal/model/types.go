package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// LayerSpec declares one layer of a trunk, policy head or value block.
// Params are positional constructor arguments, Kwargs named ones.
type LayerSpec struct {
	Type   string         `json:"type"`
	Params []any          `json:"params,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// RunRecord summarizes one independent training run of an experiment.
type RunRecord struct {
	VersionedRecord
	ID               string    `json:"id"`
	ExperimentID     string    `json:"experiment_id"`
	RunIndex         int       `json:"run_index"`
	Env              string    `json:"env"`
	TestStrategy     string    `json:"test_strategy"`
	PopulationSize   int       `json:"population_size"`
	Generations      int       `json:"generations"`
	Timesteps        int       `json:"timesteps"`
	BestTestFitness  float64   `json:"best_test_fitness"`
	FinalTestFitness float64   `json:"final_test_fitness"`
	Solved           bool      `json:"solved"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
}

// GenerationRecord is one logged evaluation point of a run.
type GenerationRecord struct {
	Generation  int       `json:"generation"`
	Timesteps   int       `json:"timesteps"`
	TestFitness float64   `json:"test_fitness"`
	Fitnesses   []float64 `json:"fitnesses"`
	MeanFitness float64   `json:"mean_fitness"`
	StdFitness  float64   `json:"std_fitness"`
	MinFitness  float64   `json:"min_fitness"`
	MaxFitness  float64   `json:"max_fitness"`
	PolicyLoss  float64   `json:"policy_loss"`
	ValueLoss   float64   `json:"value_loss"`
}
