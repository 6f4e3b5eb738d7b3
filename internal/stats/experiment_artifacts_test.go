package stats

import "testing"

func TestWriteAndReadExperimentSummary(t *testing.T) {
	dir := t.TempDir()
	summary := ExperimentSummary{
		ID:         "exp-a",
		Env:        "CartPole-v1",
		TotalRuns:  2,
		SolvedRuns: 1,
		RunIDs:     []string{"r1", "r2"},
	}
	if err := WriteExperimentSummary(dir, summary); err != nil {
		t.Fatalf("write summary: %v", err)
	}
	read, ok, err := ReadExperimentSummary(dir)
	if err != nil || !ok {
		t.Fatalf("read summary: ok=%t err=%v", ok, err)
	}
	if read.ID != "exp-a" || read.SolvedRuns != 1 || len(read.RunIDs) != 2 {
		t.Fatalf("unexpected summary: %+v", read)
	}

	if err := WriteExperimentSummary(dir, ExperimentSummary{}); err == nil {
		t.Fatal("expected error for missing experiment id")
	}
	if _, ok, err := ReadExperimentSummary(t.TempDir()); err != nil || ok {
		t.Fatalf("expected missing summary, ok=%t err=%v", ok, err)
	}
}
