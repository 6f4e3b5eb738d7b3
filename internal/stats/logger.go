package stats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/ncruces/go-strftime"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"earl/internal/model"
	"earl/internal/storage"
)

const experimentDirLayout = "%Y%m%d-%H%M%S"

var ErrNoActiveRun = errors.New("no active run")

type LoggerOptions struct {
	Out            io.Writer
	OutputDir      string
	Store          storage.Store
	Env            string
	TestStrategy   string
	PopulationSize int
	StopFitness    float64
	// Config is written to the experiment directory as config.json.
	Config any
	Now    func() time.Time
}

// GenerationSample is what the coordinator reports after an evaluation.
type GenerationSample struct {
	Generation  int
	Timesteps   int
	TestFitness float64
	Fitnesses   []float64
	PolicyLoss  float64
	ValueLoss   float64
}

type runState struct {
	record      model.RunRecord
	generations []model.GenerationRecord
	printed     bool
}

// Logger records per-generation metrics, prints progress and persists runs
// through a storage.Store and the experiment artifact directory.
type Logger struct {
	opts          LoggerOptions
	table         bool
	experimentID  string
	experimentDir string
	startedAt     time.Time

	current *runState
	runs    []model.RunRecord
	curves  [][]float64
}

func NewLogger(opts LoggerOptions) (*Logger, error) {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
		if err := opts.Store.Init(context.Background()); err != nil {
			return nil, err
		}
	}

	l := &Logger{
		opts:         opts,
		table:        isTerminal(opts.Out),
		experimentID: uuid.NewString(),
		startedAt:    opts.Now().UTC(),
	}
	if opts.OutputDir != "" {
		name := strftime.Format(experimentDirLayout, l.startedAt) + "-" + l.experimentID[:8]
		l.experimentDir = filepath.Join(opts.OutputDir, name)
		if err := os.MkdirAll(l.experimentDir, 0o755); err != nil {
			return nil, fmt.Errorf("create experiment dir: %w", err)
		}
		if opts.Config != nil {
			if err := WriteExperimentConfig(l.experimentDir, opts.Config); err != nil {
				return nil, fmt.Errorf("write experiment config: %w", err)
			}
		}
	}
	return l, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (l *Logger) ExperimentID() string {
	return l.experimentID
}

// ExperimentDir is empty when no output directory was configured.
func (l *Logger) ExperimentDir() string {
	return l.experimentDir
}

// StartRun opens the record of a new run.
func (l *Logger) StartRun(ctx context.Context, runIndex int) (string, error) {
	if l.current != nil {
		return "", fmt.Errorf("run %s still active", l.current.record.ID)
	}
	record := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              uuid.NewString(),
		ExperimentID:    l.experimentID,
		RunIndex:        runIndex,
		Env:             l.opts.Env,
		TestStrategy:    l.opts.TestStrategy,
		PopulationSize:  l.opts.PopulationSize,
		StartedAt:       l.opts.Now().UTC(),
	}
	if err := l.opts.Store.SaveRun(ctx, record); err != nil {
		return "", fmt.Errorf("save run %s: %w", record.ID, err)
	}
	l.current = &runState{record: record}
	return record.ID, nil
}

// SaveFitnesses records one evaluated generation.
func (l *Logger) SaveFitnesses(ctx context.Context, sample GenerationSample) (model.GenerationRecord, error) {
	if l.current == nil {
		return model.GenerationRecord{}, ErrNoActiveRun
	}
	record := model.GenerationRecord{
		Generation:  sample.Generation,
		Timesteps:   sample.Timesteps,
		TestFitness: sample.TestFitness,
		Fitnesses:   append([]float64(nil), sample.Fitnesses...),
		PolicyLoss:  sample.PolicyLoss,
		ValueLoss:   sample.ValueLoss,
	}
	if len(record.Fitnesses) > 0 {
		record.MeanFitness, record.StdFitness = stat.PopMeanStdDev(record.Fitnesses, nil)
		record.MinFitness = floats.Min(record.Fitnesses)
		record.MaxFitness = floats.Max(record.Fitnesses)
	}

	run := &l.current.record
	if len(l.current.generations) == 0 || record.TestFitness > run.BestTestFitness {
		run.BestTestFitness = record.TestFitness
	}
	run.FinalTestFitness = record.TestFitness
	run.Generations = record.Generation + 1
	run.Timesteps = record.Timesteps
	l.current.generations = append(l.current.generations, record)

	if err := l.opts.Store.AppendGeneration(ctx, run.ID, record); err != nil {
		return model.GenerationRecord{}, fmt.Errorf("append generation %d of run %s: %w", record.Generation, run.ID, err)
	}
	return record, nil
}

// RecordProgress sets the generation and timestep totals of the active run
// when training went past the last logged generation.
func (l *Logger) RecordProgress(generations, timesteps int) {
	if l.current == nil {
		return
	}
	l.current.record.Generations = generations
	l.current.record.Timesteps = timesteps
}

// PrintData writes the latest recorded generation to the console.
func (l *Logger) PrintData() {
	if l.current == nil || len(l.current.generations) == 0 {
		return
	}
	record := l.current.generations[len(l.current.generations)-1]
	if !l.table {
		fmt.Fprintf(l.opts.Out,
			"run=%d generation=%d timesteps=%d test_fitness=%.2f mean_fitness=%.2f std_fitness=%.2f max_fitness=%.2f policy_loss=%.4f value_loss=%.4f\n",
			l.current.record.RunIndex, record.Generation, record.Timesteps, record.TestFitness,
			record.MeanFitness, record.StdFitness, record.MaxFitness, record.PolicyLoss, record.ValueLoss)
		return
	}
	if !l.current.printed {
		fmt.Fprintf(l.opts.Out, "%-4s %-6s %12s %10s %10s %10s %10s %12s %12s\n",
			"run", "gen", "timesteps", "test", "mean", "std", "max", "policy", "value")
		l.current.printed = true
	}
	fmt.Fprintf(l.opts.Out, "%-4d %-6d %12s %10.2f %10.2f %10.2f %10.2f %12.4f %12.4f\n",
		l.current.record.RunIndex, record.Generation, humanize.Comma(int64(record.Timesteps)), record.TestFitness,
		record.MeanFitness, record.StdFitness, record.MaxFitness, record.PolicyLoss, record.ValueLoss)
}

// EndRun closes the active run, persists it and writes its artifacts.
func (l *Logger) EndRun(ctx context.Context) (model.RunRecord, error) {
	if l.current == nil {
		return model.RunRecord{}, ErrNoActiveRun
	}
	state := l.current
	l.current = nil

	run := state.record
	run.FinishedAt = l.opts.Now().UTC()
	run.Solved = len(state.generations) > 0 && run.FinalTestFitness >= l.opts.StopFitness
	if err := l.opts.Store.SaveRun(ctx, run); err != nil {
		return model.RunRecord{}, fmt.Errorf("save run %s: %w", run.ID, err)
	}
	l.runs = append(l.runs, run)
	curve := make([]float64, len(state.generations))
	for i, record := range state.generations {
		curve[i] = record.TestFitness
	}
	l.curves = append(l.curves, curve)

	if l.experimentDir != "" {
		runDir, err := WriteRunArtifacts(l.experimentDir, RunArtifacts{Run: run, Generations: state.generations})
		if err != nil {
			return model.RunRecord{}, fmt.Errorf("write run artifacts: %w", err)
		}
		err = AppendRunIndex(l.opts.OutputDir, RunIndexEntry{
			RunID:            run.ID,
			ExperimentID:     run.ExperimentID,
			RunIndex:         run.RunIndex,
			Env:              run.Env,
			TestStrategy:     run.TestStrategy,
			PopulationSize:   run.PopulationSize,
			Generations:      run.Generations,
			Timesteps:        run.Timesteps,
			BestTestFitness:  run.BestTestFitness,
			FinalTestFitness: run.FinalTestFitness,
			Solved:           run.Solved,
			Dir:              runDir,
			CreatedAtUTC:     run.FinishedAt.Format(TimestampLayout),
		})
		if err != nil {
			return model.RunRecord{}, fmt.Errorf("append run index: %w", err)
		}
	}

	fmt.Fprintf(l.opts.Out, "run %d finished: generations=%d timesteps=%s final_test_fitness=%.2f solved=%t\n",
		run.RunIndex, run.Generations, humanize.Comma(int64(run.Timesteps)), run.FinalTestFitness, run.Solved)
	return run, nil
}

// EndExperiment summarizes every finished run of the experiment.
func (l *Logger) EndExperiment(_ context.Context) (ExperimentSummary, error) {
	if l.current != nil {
		return ExperimentSummary{}, fmt.Errorf("run %s still active", l.current.record.ID)
	}
	summary := ExperimentSummary{
		ID:             l.experimentID,
		Env:            l.opts.Env,
		StartedAtUTC:   l.startedAt.Format(time.RFC3339),
		CompletedAtUTC: l.opts.Now().UTC().Format(time.RFC3339),
		TotalRuns:      len(l.runs),
	}
	if len(l.runs) > 0 {
		finals := make([]float64, len(l.runs))
		generations := make([]float64, len(l.runs))
		timesteps := make([]float64, len(l.runs))
		for i, run := range l.runs {
			summary.RunIDs = append(summary.RunIDs, run.ID)
			if run.Solved {
				summary.SolvedRuns++
			}
			finals[i] = run.FinalTestFitness
			generations[i] = float64(run.Generations)
			timesteps[i] = float64(run.Timesteps)
		}
		summary.MeanFinalTestFitness, summary.StdFinalTestFitness = stat.PopMeanStdDev(finals, nil)
		summary.MeanGenerations = stat.Mean(generations, nil)
		summary.MeanTimesteps = stat.Mean(timesteps, nil)
		summary.TestFitnessCurve = BuildCurve(l.curves)
	}

	if l.experimentDir != "" {
		if err := WriteExperimentSummary(l.experimentDir, summary); err != nil {
			return ExperimentSummary{}, fmt.Errorf("write experiment summary: %w", err)
		}
	}
	fmt.Fprintf(l.opts.Out, "experiment %s: runs=%d solved=%d mean_final_test_fitness=%.2f\n",
		summary.ID, summary.TotalRuns, summary.SolvedRuns, summary.MeanFinalTestFitness)
	return summary, nil
}
