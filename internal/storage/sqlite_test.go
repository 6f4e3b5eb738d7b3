//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"earl/internal/model"
)

func TestSQLiteStoreRunAndGenerationRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "earl.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	runs := []model.RunRecord{
		{VersionedRecord: Versioned(), ID: "r2", ExperimentID: "e", RunIndex: 1, Env: "CartPole-v1", StartedAt: base.Add(time.Second)},
		{VersionedRecord: Versioned(), ID: "r1", ExperimentID: "e", RunIndex: 0, Env: "CartPole-v1", StartedAt: base},
	}
	for _, run := range runs {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}
	runs[0].Solved = true
	runs[0].FinalTestFitness = 480
	if err := store.SaveRun(ctx, runs[0]); err != nil {
		t.Fatalf("upsert run: %v", err)
	}

	loaded, ok, err := store.GetRun(ctx, "r2")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%t err=%v", ok, err)
	}
	if !loaded.Solved || loaded.FinalTestFitness != 480 || !loaded.StartedAt.Equal(runs[0].StartedAt) {
		t.Fatalf("unexpected run loaded: %+v", loaded)
	}

	listed, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "r1" || listed[1].ID != "r2" {
		t.Fatalf("unexpected run order: %+v", listed)
	}

	for _, gen := range []int{5, 0} {
		if err := store.AppendGeneration(ctx, "r1", model.GenerationRecord{Generation: gen, Fitnesses: []float64{float64(gen)}}); err != nil {
			t.Fatalf("append generation: %v", err)
		}
	}
	records, ok, err := store.GetGenerations(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("get generations: ok=%t err=%v", ok, err)
	}
	if len(records) != 2 || records[0].Generation != 0 || records[1].Fitnesses[0] != 5 {
		t.Fatalf("unexpected generations: %+v", records)
	}
	if _, ok, err := store.GetGenerations(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected no generations, ok=%t err=%v", ok, err)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "earl.db")

	first := NewSQLiteStore(dbPath)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := first.SaveRun(ctx, model.RunRecord{VersionedRecord: Versioned(), ID: "r1", ExperimentID: "e"}); err != nil {
		t.Fatalf("save run: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err := NewStore("sqlite", dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer CloseIfSupported(store)

	if _, ok, err := store.GetRun(ctx, "r1"); err != nil || !ok {
		t.Fatalf("expected persisted run, ok=%t err=%v", ok, err)
	}
}

func TestSQLiteStoreRequiresInit(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "earl.db"))
	if _, _, err := store.GetRun(context.Background(), "r1"); err == nil {
		t.Fatal("expected error before init")
	}
}
