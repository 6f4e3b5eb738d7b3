package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"earl/internal/model"
)

const runIndexFile = "run_index.json"

// TimestampLayout is a fixed-width RFC 3339 layout, so index timestamps sort
// lexically.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

type RunArtifacts struct {
	Run         model.RunRecord          `json:"run"`
	Generations []model.GenerationRecord `json:"generations"`
}

type RunIndexEntry struct {
	RunID            string  `json:"run_id"`
	ExperimentID     string  `json:"experiment_id"`
	RunIndex         int     `json:"run_index"`
	Env              string  `json:"env"`
	TestStrategy     string  `json:"test_strategy"`
	PopulationSize   int     `json:"population_size"`
	Generations      int     `json:"generations"`
	Timesteps        int     `json:"timesteps"`
	BestTestFitness  float64 `json:"best_test_fitness"`
	FinalTestFitness float64 `json:"final_test_fitness"`
	Solved           bool    `json:"solved"`
	Dir              string  `json:"dir"`
	CreatedAtUTC     string  `json:"created_at_utc"`
}

// WriteRunArtifacts writes summary.json, generations.json and
// test_fitness.csv for one run under experimentDir/run-<index>.
func WriteRunArtifacts(experimentDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Run.ID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(experimentDir, fmt.Sprintf("run-%d", artifacts.Run.RunIndex))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "summary.json"), artifacts.Run); err != nil {
		return "", err
	}
	generations := artifacts.Generations
	if generations == nil {
		generations = []model.GenerationRecord{}
	}
	if err := writeJSON(filepath.Join(runDir, "generations.json"), generations); err != nil {
		return "", err
	}
	if err := writeTestFitnessSeries(filepath.Join(runDir, "test_fitness.csv"), generations); err != nil {
		return "", err
	}
	return runDir, nil
}

// ReadRunGenerations loads generations.json of a run directory.
func ReadRunGenerations(runDir string) ([]model.GenerationRecord, bool, error) {
	data, err := os.ReadFile(filepath.Join(runDir, "generations.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var records []model.GenerationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false, err
	}
	return records, true, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the indexed runs, newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func writeTestFitnessSeries(path string, records []model.GenerationRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"generation", "timesteps", "test_fitness", "mean_fitness", "max_fitness"}); err != nil {
		return err
	}
	for _, record := range records {
		if err := writer.Write([]string{
			strconv.Itoa(record.Generation),
			strconv.Itoa(record.Timesteps),
			strconv.FormatFloat(record.TestFitness, 'f', -1, 64),
			strconv.FormatFloat(record.MeanFitness, 'f', -1, 64),
			strconv.FormatFloat(record.MaxFitness, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
