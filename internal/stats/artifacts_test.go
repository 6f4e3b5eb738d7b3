package stats

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"earl/internal/model"
)

func TestWriteRunArtifacts(t *testing.T) {
	experimentDir := t.TempDir()
	artifacts := RunArtifacts{
		Run: model.RunRecord{ID: "run-123", RunIndex: 2, Env: "CartPole-v1"},
		Generations: []model.GenerationRecord{
			{Generation: 0, Timesteps: 200, TestFitness: 20, MeanFitness: 18, MaxFitness: 25},
			{Generation: 3, Timesteps: 900, TestFitness: 60.5, MeanFitness: 40, MaxFitness: 70},
		},
	}

	runDir, err := WriteRunArtifacts(experimentDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	if filepath.Base(runDir) != "run-2" {
		t.Fatalf("unexpected run dir: %s", runDir)
	}
	for _, file := range []string{"summary.json", "generations.json", "test_fitness.csv"} {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	records, ok, err := ReadRunGenerations(runDir)
	if err != nil || !ok {
		t.Fatalf("read generations: ok=%t err=%v", ok, err)
	}
	if len(records) != 2 || records[1].TestFitness != 60.5 {
		t.Fatalf("unexpected generations: %+v", records)
	}

	file, err := os.Open(filepath.Join(runDir, "test_fitness.csv"))
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 || rows[2][0] != "3" || rows[2][2] != "60.5" {
		t.Fatalf("unexpected csv rows: %v", rows)
	}

	if _, err := WriteRunArtifacts(experimentDir, RunArtifacts{}); err == nil {
		t.Fatal("expected error for missing run id")
	}
	if _, ok, err := ReadRunGenerations(filepath.Join(experimentDir, "missing")); err != nil || ok {
		t.Fatalf("expected missing generations, ok=%t err=%v", ok, err)
	}
}

func TestAppendAndListRunIndex(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", CreatedAtUTC: "2024-01-01T00:00:00Z"},
		{RunID: "b", CreatedAtUTC: "2024-01-02T00:00:00Z"},
	}
	for _, entry := range entries {
		if err := AppendRunIndex(baseDir, entry); err != nil {
			t.Fatalf("append run index: %v", err)
		}
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "a", CreatedAtUTC: "2024-01-01T00:00:00Z", Solved: true}); err != nil {
		t.Fatalf("replace run index entry: %v", err)
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(index) != 2 || index[0].RunID != "b" || index[1].RunID != "a" || !index[1].Solved {
		t.Fatalf("unexpected index: %+v", index)
	}

	empty, err := ListRunIndex(t.TempDir())
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty index, got %+v err=%v", empty, err)
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{}); err == nil {
		t.Fatal("expected error for missing run id")
	}
}
