package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"earl/internal/config"
	"earl/internal/env"
	"earl/internal/nn"
	"earl/internal/storage"
	earlapi "earl/pkg/earl"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:])
	case "validate":
		return runValidate(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "envs":
		return runEnvs(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "experiment config JSON path")
	envName := fs.String("env", "", "environment id: "+joinNames(env.List()))
	population := fs.Int("pop", 0, "population size")
	runs := fs.Int("runs", 0, "number of independent runs")
	timesteps := fs.Int("timesteps", 0, "timestep budget per run")
	testStrat := fs.String("test-strat", "", "test strategy: best|softmax|weightedvote")
	seed := fs.Int64("seed", 0, "rng seed")
	forceCPU := fs.Bool("force-cpu", false, "force the CPU device")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", config.DefaultDBPath, "sqlite database path")
	outputDir := fs.String("out", config.DefaultOutputDir, "experiment output directory")
	jsonOut := fs.Bool("json", false, "emit run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("run requires -config")
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	cfg, err := loadConfig(*configPath, setFlags, map[string]any{
		"env":        *envName,
		"pop":        *population,
		"runs":       *runs,
		"timesteps":  *timesteps,
		"test-strat": *testStrat,
		"seed":       *seed,
		"force-cpu":  *forceCPU,
		"store":      *storeKind,
		"db-path":    *dbPath,
		"out":        *outputDir,
	})
	if err != nil {
		return err
	}

	client, err := earlapi.New(earlapi.Options{
		StoreKind: cfg.Experiment.Store,
		DBPath:    cfg.Experiment.DBPath,
		OutputDir: cfg.Experiment.OutputDir,
		Out:       os.Stdout,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, earlapi.RunRequest{Config: cfg})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSONStdout(summary)
	}
	fmt.Printf("experiment completed experiment_id=%s env=%s pop=%d runs=%d solved=%d mean_final_test_fitness=%.2f\n",
		summary.ExperimentID, cfg.Experiment.Env, cfg.EARL.PopSize, len(summary.Runs), summary.SolvedRuns, summary.MeanFinalTestFitness)
	for _, item := range summary.Runs {
		fmt.Printf("run_id=%s run=%d generations=%d timesteps=%d final_test_fitness=%.2f solved=%t\n",
			item.RunID, item.RunIndex, item.Generations, item.Timesteps, item.FinalTestFitness, item.Solved)
	}
	if summary.ExperimentDir != "" {
		fmt.Printf("artifacts_dir=%s\n", filepath.Clean(summary.ExperimentDir))
	}
	return nil
}

func runValidate(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "experiment config JSON path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("validate requires -config")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	stop, err := cfg.StopFitness()
	if err != nil {
		return err
	}
	fmt.Printf("config ok env=%s pop=%d runs=%d timesteps=%d test_strat=%s stop_fitness=%.2f layers=%d/%d/%d kinds=%s\n",
		cfg.Experiment.Env,
		cfg.EARL.PopSize,
		cfg.Experiment.NumRuns,
		cfg.Experiment.Timesteps,
		cfg.Experiment.TestStrat,
		stop,
		len(cfg.NeuralNet.Shared),
		len(cfg.NeuralNet.Policy),
		len(cfg.NeuralNet.Value),
		joinNames(nn.ListLayerKinds()),
	)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	outputDir := fs.String("out", config.DefaultOutputDir, "experiment output directory")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := earlapi.New(earlapi.Options{StoreKind: storage.KindMemory, OutputDir: *outputDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, earlapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSONStdout(items)
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, item := range items {
		fmt.Printf("run_id=%s created_at=%s env=%s strat=%s pop=%d run=%d generations=%d timesteps=%d best_test_fitness=%.2f final_test_fitness=%.2f solved=%t\n",
			item.RunID,
			item.CreatedAtUTC,
			item.Env,
			item.TestStrategy,
			item.Population,
			item.RunIndex,
			item.Generations,
			item.Timesteps,
			item.BestTestFitness,
			item.FinalTestFitness,
			item.Solved,
		)
	}
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent indexed run")
	limit := fs.Int("limit", 0, "max generations to show (0 shows all)")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", config.DefaultDBPath, "sqlite database path")
	outputDir := fs.String("out", config.DefaultOutputDir, "experiment output directory")
	jsonOut := fs.Bool("json", false, "emit history as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := earlapi.New(earlapi.Options{StoreKind: *storeKind, DBPath: *dbPath, OutputDir: *outputDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	history, err := client.History(ctx, earlapi.HistoryRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSONStdout(history)
	}
	fmt.Printf("run_id=%s env=%s generations=%d timesteps=%d final_test_fitness=%.2f solved=%t\n",
		history.Run.ID, history.Run.Env, history.Run.Generations, history.Run.Timesteps, history.Run.FinalTestFitness, history.Run.Solved)
	for _, g := range history.Generations {
		fmt.Printf("generation=%d timesteps=%d test_fitness=%.2f mean_fitness=%.2f max_fitness=%.2f policy_loss=%.4f value_loss=%.4f\n",
			g.Generation, g.Timesteps, g.TestFitness, g.MeanFitness, g.MaxFitness, g.PolicyLoss, g.ValueLoss)
	}
	return nil
}

func runEnvs(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("envs", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, name := range env.List() {
		spec, err := env.Lookup(name)
		if err != nil {
			return err
		}
		fmt.Printf("env=%s max_episode_steps=%d stop_fitness=%.2f\n", spec.Name, spec.MaxEpisodeSteps, spec.StopFitness)
	}
	return nil
}

func writeJSONStdout(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: earlctl <run|validate|runs|history|envs> [flags]", msg)
}
