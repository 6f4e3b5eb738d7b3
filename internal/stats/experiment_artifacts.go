package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type ExperimentSummary struct {
	ID                   string       `json:"id"`
	Env                  string       `json:"env"`
	StartedAtUTC         string       `json:"started_at_utc,omitempty"`
	CompletedAtUTC       string       `json:"completed_at_utc,omitempty"`
	TotalRuns            int          `json:"total_runs"`
	SolvedRuns           int          `json:"solved_runs"`
	RunIDs               []string     `json:"run_ids,omitempty"`
	MeanFinalTestFitness float64      `json:"mean_final_test_fitness"`
	StdFinalTestFitness  float64      `json:"std_final_test_fitness"`
	MeanGenerations      float64      `json:"mean_generations"`
	MeanTimesteps        float64      `json:"mean_timesteps"`
	TestFitnessCurve     []CurvePoint `json:"test_fitness_curve,omitempty"`
}

func WriteExperimentSummary(experimentDir string, summary ExperimentSummary) error {
	if summary.ID == "" {
		return fmt.Errorf("experiment id is required")
	}
	if err := os.MkdirAll(experimentDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(experimentDir, "experiment.json"), summary)
}

func ReadExperimentSummary(experimentDir string) (ExperimentSummary, bool, error) {
	data, err := os.ReadFile(filepath.Join(experimentDir, "experiment.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return ExperimentSummary{}, false, nil
		}
		return ExperimentSummary{}, false, err
	}
	var summary ExperimentSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return ExperimentSummary{}, false, err
	}
	return summary, true, nil
}

// WriteExperimentConfig stores the resolved configuration an experiment ran
// with.
func WriteExperimentConfig(experimentDir string, cfg any) error {
	if err := os.MkdirAll(experimentDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(experimentDir, "config.json"), cfg)
}
