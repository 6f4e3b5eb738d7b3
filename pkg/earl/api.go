package earl

import (
	"context"
	"errors"
	"fmt"
	"io"

	"earl/internal/config"
	"earl/internal/model"
	"earl/internal/runner"
	"earl/internal/stats"
	"earl/internal/storage"
)

const (
	defaultOutputDir = config.DefaultOutputDir
	defaultDBPath    = config.DefaultDBPath
	defaultRunsLimit = 20
)

type Options struct {
	StoreKind string
	DBPath    string
	OutputDir string
	// Out receives progress output. Nil discards it.
	Out io.Writer
}

type Client struct {
	store       storage.Store
	initialized bool

	outputDir string
	out       io.Writer
}

type RunRequest struct {
	Config config.Config
}

type RunItem struct {
	RunID            string
	ExperimentID     string
	CreatedAtUTC     string
	RunIndex         int
	Env              string
	TestStrategy     string
	Population       int
	Generations      int
	Timesteps        int
	BestTestFitness  float64
	FinalTestFitness float64
	Solved           bool
}

type RunSummary struct {
	ExperimentID         string
	ExperimentDir        string
	Runs                 []RunItem
	SolvedRuns           int
	MeanFinalTestFitness float64
}

type RunsRequest struct {
	Limit int
}

type HistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type RunHistory struct {
	Run         model.RunRecord
	Generations []model.GenerationRecord
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = defaultOutputDir
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:     store,
		outputDir: outputDir,
		out:       out,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Run trains every run of the configured experiment.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := req.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}
	stop, err := cfg.StopFitness()
	if err != nil {
		return RunSummary{}, err
	}
	if err := c.ensureInit(ctx); err != nil {
		return RunSummary{}, err
	}

	logger, err := stats.NewLogger(stats.LoggerOptions{
		Out:            c.out,
		OutputDir:      c.outputDir,
		Store:          c.store,
		Env:            cfg.Experiment.Env,
		TestStrategy:   cfg.Experiment.TestStrat,
		PopulationSize: cfg.EARL.PopSize,
		StopFitness:    stop,
		Config:         cfg,
	})
	if err != nil {
		return RunSummary{}, err
	}
	r, err := runner.New(cfg, logger, runner.WithOutput(c.out))
	if err != nil {
		return RunSummary{}, err
	}
	trained, err := r.Train(ctx)
	if err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{
		ExperimentID:         trained.ExperimentID,
		ExperimentDir:        trained.ExperimentDir,
		SolvedRuns:           trained.Experiment.SolvedRuns,
		MeanFinalTestFitness: trained.Experiment.MeanFinalTestFitness,
	}
	for _, run := range trained.Runs {
		summary.Runs = append(summary.Runs, runItemFromRecord(run.Record))
	}
	return summary, nil
}

// Runs lists indexed runs, newest first.
func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if req.Limit == 0 {
		req.Limit = defaultRunsLimit
	}

	entries, err := stats.ListRunIndex(c.outputDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:            e.RunID,
			ExperimentID:     e.ExperimentID,
			CreatedAtUTC:     e.CreatedAtUTC,
			RunIndex:         e.RunIndex,
			Env:              e.Env,
			TestStrategy:     e.TestStrategy,
			Population:       e.PopulationSize,
			Generations:      e.Generations,
			Timesteps:        e.Timesteps,
			BestTestFitness:  e.BestTestFitness,
			FinalTestFitness: e.FinalTestFitness,
			Solved:           e.Solved,
		})
	}
	return out, nil
}

// History returns the logged generations of one run. The store is consulted
// first; runs it does not hold are read back from their artifact directory.
func (c *Client) History(ctx context.Context, req HistoryRequest) (RunHistory, error) {
	if req.RunID != "" && req.Latest {
		return RunHistory{}, errors.New("use either run id or latest")
	}
	if req.Limit < 0 {
		return RunHistory{}, errors.New("limit must be >= 0")
	}

	entries, err := stats.ListRunIndex(c.outputDir)
	if err != nil {
		return RunHistory{}, err
	}
	runID := req.RunID
	if req.Latest {
		if len(entries) == 0 {
			return RunHistory{}, errors.New("no runs available")
		}
		runID = entries[0].RunID
	}
	if runID == "" {
		return RunHistory{}, errors.New("history requires run id or latest")
	}

	if err := c.ensureInit(ctx); err != nil {
		return RunHistory{}, err
	}
	history, ok, err := c.historyFromStore(ctx, runID)
	if err != nil {
		return RunHistory{}, err
	}
	if !ok {
		history, ok, err = historyFromArtifacts(entries, runID)
		if err != nil {
			return RunHistory{}, err
		}
	}
	if !ok {
		return RunHistory{}, fmt.Errorf("history not found for run id: %s", runID)
	}
	if req.Limit > 0 && len(history.Generations) > req.Limit {
		history.Generations = history.Generations[:req.Limit]
	}
	return history, nil
}

func (c *Client) historyFromStore(ctx context.Context, runID string) (RunHistory, bool, error) {
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil || !ok {
		return RunHistory{}, false, err
	}
	generations, _, err := c.store.GetGenerations(ctx, runID)
	if err != nil {
		return RunHistory{}, false, err
	}
	return RunHistory{Run: run, Generations: generations}, true, nil
}

func historyFromArtifacts(entries []stats.RunIndexEntry, runID string) (RunHistory, bool, error) {
	for _, e := range entries {
		if e.RunID != runID {
			continue
		}
		generations, ok, err := stats.ReadRunGenerations(e.Dir)
		if err != nil || !ok {
			return RunHistory{}, false, err
		}
		return RunHistory{
			Run: model.RunRecord{
				ID:               e.RunID,
				ExperimentID:     e.ExperimentID,
				RunIndex:         e.RunIndex,
				Env:              e.Env,
				TestStrategy:     e.TestStrategy,
				PopulationSize:   e.PopulationSize,
				Generations:      e.Generations,
				Timesteps:        e.Timesteps,
				BestTestFitness:  e.BestTestFitness,
				FinalTestFitness: e.FinalTestFitness,
				Solved:           e.Solved,
			},
			Generations: generations,
		}, true, nil
	}
	return RunHistory{}, false, nil
}

func (c *Client) ensureInit(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

func runItemFromRecord(run model.RunRecord) RunItem {
	return RunItem{
		RunID:            run.ID,
		ExperimentID:     run.ExperimentID,
		CreatedAtUTC:     run.FinishedAt.UTC().Format(stats.TimestampLayout),
		RunIndex:         run.RunIndex,
		Env:              run.Env,
		TestStrategy:     run.TestStrategy,
		Population:       run.PopulationSize,
		Generations:      run.Generations,
		Timesteps:        run.Timesteps,
		BestTestFitness:  run.BestTestFitness,
		FinalTestFitness: run.FinalTestFitness,
		Solved:           run.Solved,
	}
}
