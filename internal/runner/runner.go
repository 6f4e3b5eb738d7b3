package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"

	"earl/internal/config"
	"earl/internal/ensemble"
	"earl/internal/env"
	"earl/internal/evo"
	"earl/internal/model"
	"earl/internal/nn"
	"earl/internal/rollout"
	"earl/internal/stats"
)

// Evolver breeds new policy heads from the current ones. *evo.EA satisfies it.
type Evolver interface {
	SetParams(params nn.Bundle) error
	SetGrads(grads nn.Bundle) error
	SetFitnesses(fitnesses []float64) error
	CreateNewPop() (nn.Bundle, error)
}

type Option func(*Runner)

// WithEnvironmentFactory replaces the registry constructor of the configured
// environment. Training and test environments are both built with it.
func WithEnvironmentFactory(factory func(seed int64) env.Environment) Option {
	return func(r *Runner) {
		r.newEnv = factory
	}
}

func WithEvolverFactory(factory func(cfg evo.Config) (Evolver, error)) Option {
	return func(r *Runner) {
		r.newEvolver = factory
	}
}

func WithOutput(w io.Writer) Option {
	return func(r *Runner) {
		r.out = w
	}
}

// Runner coordinates the hybrid update: gradient steps on the shared trunk and
// value block, evolution of the policy heads.
type Runner struct {
	cfg         config.Config
	logger      *stats.Logger
	out         io.Writer
	stopFitness float64
	strategy    ensemble.Strategy

	newEnv     func(seed int64) env.Environment
	newEvolver func(cfg evo.Config) (Evolver, error)
}

// RunResult is the final context of a finished run with its persisted record.
type RunResult struct {
	Context RunContext
	Record  model.RunRecord
}

type Summary struct {
	ExperimentID  string
	ExperimentDir string
	Runs          []RunResult
	Experiment    stats.ExperimentSummary
}

func New(cfg config.Config, logger *stats.Logger, opts ...Option) (*Runner, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	spec, err := env.Lookup(cfg.Experiment.Env)
	if err != nil {
		return nil, err
	}
	stop, err := cfg.StopFitness()
	if err != nil {
		return nil, err
	}
	strategy, err := ensemble.ParseStrategy(cfg.Experiment.TestStrat)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:         cfg,
		logger:      logger,
		out:         io.Discard,
		stopFitness: stop,
		strategy:    strategy,
		newEnv:      spec.New,
		newEvolver: func(c evo.Config) (Evolver, error) {
			return evo.New(c)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Train performs every configured run and closes the experiment.
func (r *Runner) Train(ctx context.Context) (Summary, error) {
	summary := Summary{
		ExperimentID:  r.logger.ExperimentID(),
		ExperimentDir: r.logger.ExperimentDir(),
	}
	for runIndex := 0; runIndex < r.cfg.Experiment.NumRuns; runIndex++ {
		result, err := r.runOnce(ctx, runIndex)
		if err != nil {
			return Summary{}, err
		}
		summary.Runs = append(summary.Runs, result)
	}
	experiment, err := r.logger.EndExperiment(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary.Experiment = experiment
	return summary, nil
}

// session holds the collaborators of one run.
type session struct {
	network   *nn.PopulationNetwork
	storage   *rollout.Storage
	evolver   Evolver
	evaluator *ensemble.Evaluator
	trainEnv  env.Environment
	testEnv   env.Environment
}

func (r *Runner) setup(rc *RunContext) (*session, error) {
	trainEnv := r.newEnv(rc.Seed)
	testEnv := r.newEnv(rc.Seed + 1)
	if trainEnv == nil || testEnv == nil {
		return nil, errors.New("environment factory returned nil")
	}

	earl := r.cfg.EARL
	network, err := nn.NewPopulationNetwork(nn.NetworkConfig{
		PopulationSize: earl.PopSize,
		InputSize:      trainEnv.ObservationSize(),
		ActionCount:    trainEnv.ActionCount(),
		LearningRate:   r.cfg.NeuralNet.LR,
		Device:         rc.Device,
		Trunk:          r.cfg.NeuralNet.Shared,
		Policy:         r.cfg.NeuralNet.Policy,
		Value:          r.cfg.NeuralNet.Value,
	}, rand.New(rand.NewSource(rc.Seed)))
	if err != nil {
		return nil, err
	}
	storage, err := rollout.New(rollout.Config{
		PopulationSize: earl.PopSize,
		ValueCoeff:     earl.ValueCoeff,
		EntropyCoeff:   earl.EntropyCoeff,
		Gamma:          earl.Gamma,
	})
	if err != nil {
		return nil, err
	}
	evolver, err := r.newEvolver(evo.Config{
		PopulationSize: earl.PopSize,
		EliteCount:     earl.EliteCount,
		Selection:      earl.Selection,
		TournamentSize: earl.TournamentSize,
		MutationStd:    earl.MutationStd,
		GradientStep:   earl.GradientStep,
		CrossoverRate:  earl.CrossoverRate,
		Seed:           rc.Seed,
	})
	if err != nil {
		return nil, err
	}
	if err := evolver.SetParams(network.ExtractParameters()); err != nil {
		return nil, err
	}
	evaluator, err := ensemble.NewEvaluator(r.strategy, r.cfg.Experiment.TestEpisodes, rc.Seed)
	if err != nil {
		return nil, err
	}
	return &session{
		network:   network,
		storage:   storage,
		evolver:   evolver,
		evaluator: evaluator,
		trainEnv:  trainEnv,
		testEnv:   testEnv,
	}, nil
}

func (r *Runner) runOnce(ctx context.Context, runIndex int) (RunResult, error) {
	exp := r.cfg.Experiment
	device, announcement := nn.SelectDevice(exp.ForceCPU)
	fmt.Fprintln(r.out, announcement)

	rc := newRunContext(runIndex, exp.Seed+int64(runIndex), device)
	s, err := r.setup(rc)
	if err != nil {
		return RunResult{}, fmt.Errorf("run %d: setup: %w", runIndex, err)
	}
	runID, err := r.logger.StartRun(ctx, runIndex)
	if err != nil {
		return RunResult{}, fmt.Errorf("run %d: %w", runIndex, err)
	}
	rc.RunID = runID
	fmt.Fprintf(r.out, "run %d started run_id=%s env=%s pop=%d\n", runIndex, runID, exp.Env, r.cfg.EARL.PopSize)

	generations, err := r.train(ctx, rc, s)
	if err != nil {
		return RunResult{}, fmt.Errorf("run %d generation %d: %w", runIndex, rc.Generation, err)
	}
	r.logger.RecordProgress(generations, rc.Timesteps)
	record, err := r.logger.EndRun(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("run %d: %w", runIndex, err)
	}
	return RunResult{Context: *rc, Record: record}, nil
}

// train runs generations until the stop fitness is reached, the timestep
// budget is exceeded or the generation cap is hit. It returns the number of
// generations played.
func (r *Runner) train(ctx context.Context, rc *RunContext, s *session) (int, error) {
	exp := r.cfg.Experiment
	for rc.Generation = 0; rc.Generation < exp.MaxGenerations; rc.Generation++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		s.storage.Reset()
		for individual := 0; individual < r.cfg.EARL.PopSize; individual++ {
			if err := r.runEpisode(rc, s, individual); err != nil {
				return 0, fmt.Errorf("individual %d: %w", individual, err)
			}
		}

		newPop, loss, err := r.update(s)
		if err != nil {
			return 0, err
		}

		if rc.dueForEvaluation(exp.LogInterval, exp.Timesteps) {
			stop, err := r.evaluate(ctx, rc, s, loss)
			if err != nil {
				return 0, err
			}
			if stop {
				return rc.Generation + 1, nil
			}
		}

		if err := s.network.InsertParameters(newPop); err != nil {
			return 0, err
		}
		rc.Installs++

		if rc.overBudget(exp.Timesteps) {
			return rc.Generation + 1, nil
		}
	}
	return rc.Generation, nil
}

// runEpisode plays one training episode with the head of individual and
// records every step.
func (r *Runner) runEpisode(rc *RunContext, s *session, individual int) error {
	obs, err := s.trainEnv.Reset()
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	fitness := 0.0
	for {
		sample, err := s.network.SelectAction(s.storage.ObsToTensor(obs), individual)
		if err != nil {
			return err
		}
		rc.Timesteps++

		res, err := s.trainEnv.Step(sample.Action)
		if err != nil {
			return fmt.Errorf("step: %w", err)
		}
		fitness += res.Reward
		if err := s.storage.Insert(individual, res.Reward, sample); err != nil {
			return err
		}
		obs = res.Observation
		if res.Done {
			break
		}
	}
	return s.storage.InsertFitness(individual, fitness)
}

// update takes the gradient step on the shared parameters and stages the next
// head population. The staged population is installed by the caller.
func (r *Runner) update(s *session) (nn.Bundle, *rollout.Loss, error) {
	s.network.ZeroGrad()
	loss, err := s.storage.Loss()
	if err != nil {
		return nil, nil, err
	}
	if err := loss.Backward(s.network); err != nil {
		return nil, nil, err
	}
	grads, err := s.network.ExtractGradients()
	if err != nil {
		return nil, nil, err
	}
	if err := s.evolver.SetGrads(grads); err != nil {
		return nil, nil, err
	}

	s.network.Step()

	if err := s.evolver.SetFitnesses(s.storage.Fitnesses()); err != nil {
		return nil, nil, err
	}
	newPop, err := s.evolver.CreateNewPop()
	if err != nil {
		return nil, nil, err
	}
	return newPop, loss, nil
}

// evaluate runs the ensemble test with the heads that played this
// generation, logs it and reports whether the stop fitness was reached.
func (r *Runner) evaluate(ctx context.Context, rc *RunContext, s *session, loss *rollout.Loss) (bool, error) {
	fitnesses := s.storage.Fitnesses()
	test, err := s.evaluator.Evaluate(ctx, s.network, s.testEnv, fitnesses)
	if err != nil {
		return false, fmt.Errorf("evaluate: %w", err)
	}
	rc.Evaluations++
	rc.TestFitness = test

	_, err = r.logger.SaveFitnesses(ctx, stats.GenerationSample{
		Generation:  rc.Generation,
		Timesteps:   rc.Timesteps,
		TestFitness: test,
		Fitnesses:   fitnesses,
		PolicyLoss:  loss.PolicyLog,
		ValueLoss:   loss.ValueLog,
	})
	if err != nil {
		return false, err
	}
	if rc.Generation%r.cfg.Experiment.PrintInterval == 0 {
		r.logger.PrintData()
	}
	rc.LastLog = rc.Timesteps

	if test >= r.stopFitness {
		rc.StopCounter++
		rc.Stopped = true
		return true, nil
	}
	return false, nil
}
