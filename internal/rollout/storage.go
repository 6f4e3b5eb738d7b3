package rollout

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"earl/internal/nn"
)

var ErrEmptyTrajectory = errors.New("individual has no recorded steps")

type Config struct {
	PopulationSize int
	ValueCoeff     float64
	EntropyCoeff   float64
	// Gamma discounts rewards when computing returns.
	Gamma float64
}

type transition struct {
	reward float64
	sample nn.ActionSample
}

// Storage accumulates one generation of trajectories and episode fitness for
// every individual. It is reset at the start of each generation.
type Storage struct {
	cfg        Config
	trajectory [][]transition
	fitnesses  []float64
}

func New(cfg Config) (*Storage, error) {
	if cfg.PopulationSize < 1 {
		return nil, fmt.Errorf("population size must be >= 1, got %d", cfg.PopulationSize)
	}
	if cfg.Gamma < 0 || cfg.Gamma > 1 {
		return nil, fmt.Errorf("gamma must be in [0, 1], got %g", cfg.Gamma)
	}
	s := &Storage{cfg: cfg}
	s.Reset()
	return s, nil
}

// Reset drops all trajectories and zeroes the fitness vector.
func (s *Storage) Reset() {
	s.trajectory = make([][]transition, s.cfg.PopulationSize)
	s.fitnesses = make([]float64, s.cfg.PopulationSize)
}

func (s *Storage) checkIndividual(individual int) error {
	if individual < 0 || individual >= s.cfg.PopulationSize {
		return fmt.Errorf("%w: %w: %d not in [0, %d)", nn.ErrContractViolation, nn.ErrIndividualRange, individual, s.cfg.PopulationSize)
	}
	return nil
}

// Insert records one step of the individual's episode.
func (s *Storage) Insert(individual int, reward float64, sample nn.ActionSample) error {
	if err := s.checkIndividual(individual); err != nil {
		return err
	}
	if sample.Pass == nil {
		return fmt.Errorf("insert individual %d: sample has no forward pass", individual)
	}
	s.trajectory[individual] = append(s.trajectory[individual], transition{reward: reward, sample: sample})
	return nil
}

func (s *Storage) InsertFitness(individual int, fitness float64) error {
	if err := s.checkIndividual(individual); err != nil {
		return err
	}
	s.fitnesses[individual] = fitness
	return nil
}

// Fitnesses returns a copy of the fitness vector of the current generation.
func (s *Storage) Fitnesses() []float64 {
	return append([]float64(nil), s.fitnesses...)
}

func (s *Storage) Steps(individual int) int {
	if individual < 0 || individual >= len(s.trajectory) {
		return 0
	}
	return len(s.trajectory[individual])
}

// ObsToTensor turns an observation into the single-row input the network
// expects.
func ObsToTensor(obs []float64) *mat.Dense {
	return mat.NewDense(1, len(obs), append([]float64(nil), obs...))
}

func (s *Storage) ObsToTensor(obs []float64) *mat.Dense {
	return ObsToTensor(obs)
}

// Returns computes the discounted return of every step of the individual's
// trajectory.
func (s *Storage) Returns(individual int) []float64 {
	if individual < 0 || individual >= len(s.trajectory) {
		return nil
	}
	steps := s.trajectory[individual]
	out := make([]float64, len(steps))
	running := 0.0
	for t := len(steps) - 1; t >= 0; t-- {
		running = steps[t].reward + s.cfg.Gamma*running
		out[t] = running
	}
	return out
}
