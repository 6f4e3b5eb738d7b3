package evo

import (
	"errors"
	"fmt"
	"math/rand"
	randv2 "math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"earl/internal/nn"
)

var (
	ErrInvalidEAConfig = errors.New("invalid evolutionary configuration")
	ErrNotReady        = errors.New("evolutionary state incomplete")
)

type Config struct {
	PopulationSize int
	EliteCount     int
	Selection      string
	TournamentSize int
	MutationStd    float64
	// GradientStep moves every child against its parent's head gradient
	// before mutation.
	GradientStep  float64
	CrossoverRate float64
	Seed          int64
}

// EA breeds the next generation of policy heads from the current heads, their
// gradients and their episode fitness. It owns a private copy of the head
// parameters; CreateNewPop replaces that copy with the new population.
type EA struct {
	cfg      Config
	selector Selector
	rng      *rand.Rand
	noise    distuv.Normal

	params    nn.Bundle
	grads     nn.Bundle
	fitnesses []float64
}

func New(cfg Config) (*EA, error) {
	if cfg.PopulationSize < 1 {
		return nil, fmt.Errorf("%w: population size must be >= 1, got %d", ErrInvalidEAConfig, cfg.PopulationSize)
	}
	if cfg.EliteCount < 0 || cfg.EliteCount > cfg.PopulationSize {
		return nil, fmt.Errorf("%w: elite count %d not in [0, %d]", ErrInvalidEAConfig, cfg.EliteCount, cfg.PopulationSize)
	}
	if cfg.MutationStd < 0 {
		return nil, fmt.Errorf("%w: mutation std must be >= 0, got %g", ErrInvalidEAConfig, cfg.MutationStd)
	}
	if cfg.CrossoverRate < 0 || cfg.CrossoverRate > 1 {
		return nil, fmt.Errorf("%w: crossover rate must be in [0, 1], got %g", ErrInvalidEAConfig, cfg.CrossoverRate)
	}
	selector, err := NewSelector(cfg.Selection, cfg.PopulationSize, cfg.TournamentSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEAConfig, err)
	}
	return &EA{
		cfg:      cfg,
		selector: selector,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		noise: distuv.Normal{
			Mu:    0,
			Sigma: cfg.MutationStd,
			Src:   randv2.NewPCG(uint64(cfg.Seed), 0x9e3779b97f4a7c15),
		},
	}, nil
}

func (e *EA) Selector() Selector {
	return e.selector
}

// SetParams replaces the current head population.
func (e *EA) SetParams(params nn.Bundle) error {
	if len(params) != e.cfg.PopulationSize {
		return &nn.BundleError{Op: "set params", Individual: -1, Layer: -1, Param: -1, Err: nn.ErrBundleShape,
			Detail: fmt.Sprintf("got %d individuals, want %d", len(params), e.cfg.PopulationSize)}
	}
	e.params = params.Clone()
	return nil
}

// SetGrads records the head gradients of the generation. They must have the
// exact layout of the current parameters.
func (e *EA) SetGrads(grads nn.Bundle) error {
	if e.params == nil {
		return fmt.Errorf("set grads: %w: parameters not set", ErrNotReady)
	}
	if err := grads.CheckShape("set grads", e.params); err != nil {
		return err
	}
	e.grads = grads.Clone()
	return nil
}

func (e *EA) SetFitnesses(fitnesses []float64) error {
	if len(fitnesses) != e.cfg.PopulationSize {
		return fmt.Errorf("%w: %w: got %d fitness values, want %d", nn.ErrContractViolation, nn.ErrBundleShape, len(fitnesses), e.cfg.PopulationSize)
	}
	e.fitnesses = append([]float64(nil), fitnesses...)
	return nil
}

// CreateNewPop ranks the population, copies the elites unchanged into the
// lowest indices and fills the rest with children of selected parents. The
// recorded gradients and fitness are consumed.
func (e *EA) CreateNewPop() (nn.Bundle, error) {
	switch {
	case e.params == nil:
		return nil, fmt.Errorf("create new pop: %w: parameters not set", ErrNotReady)
	case e.grads == nil:
		return nil, fmt.Errorf("create new pop: %w: gradients not set", ErrNotReady)
	case e.fitnesses == nil:
		return nil, fmt.Errorf("create new pop: %w: fitnesses not set", ErrNotReady)
	}

	ranked := Rank(e.fitnesses)
	next := make(nn.Bundle, e.cfg.PopulationSize)
	for i := 0; i < e.cfg.EliteCount; i++ {
		next[i] = cloneIndividual(e.params[ranked[i].Index])
	}

	selectFrom := e.cfg.EliteCount
	if selectFrom == 0 {
		selectFrom = len(ranked)
	}
	for i := e.cfg.EliteCount; i < e.cfg.PopulationSize; i++ {
		parent, err := e.selector.PickParent(e.rng, ranked, selectFrom)
		if err != nil {
			return nil, fmt.Errorf("create new pop: individual %d: %w", i, err)
		}
		child := e.gradientChild(parent)
		if e.cfg.CrossoverRate > 0 && e.rng.Float64() < e.cfg.CrossoverRate {
			mate, err := e.selector.PickParent(e.rng, ranked, selectFrom)
			if err != nil {
				return nil, fmt.Errorf("create new pop: individual %d: %w", i, err)
			}
			e.crossover(child, e.gradientChild(mate))
		}
		e.mutate(child)
		next[i] = child
	}

	e.params = next.Clone()
	e.grads = nil
	e.fitnesses = nil
	return next, nil
}

// gradientChild returns params - gradient_step * grads for one individual.
func (e *EA) gradientChild(parent int) [][]*mat.Dense {
	child := cloneIndividual(e.params[parent])
	if e.cfg.GradientStep == 0 {
		return child
	}
	for l := range child {
		for p, tensor := range child[l] {
			floats.AddScaled(tensor.RawMatrix().Data, -e.cfg.GradientStep, denseData(e.grads[parent][l][p]))
		}
	}
	return child
}

// crossover takes each element of child from mate with probability 1/2.
func (e *EA) crossover(child, mate [][]*mat.Dense) {
	for l := range child {
		for p, tensor := range child[l] {
			data := tensor.RawMatrix().Data
			other := denseData(mate[l][p])
			for k := range data {
				if e.rng.Intn(2) == 1 {
					data[k] = other[k]
				}
			}
		}
	}
}

func (e *EA) mutate(child [][]*mat.Dense) {
	if e.cfg.MutationStd == 0 {
		return
	}
	for l := range child {
		for _, tensor := range child[l] {
			data := tensor.RawMatrix().Data
			for k := range data {
				data[k] += e.noise.Rand()
			}
		}
	}
}

func cloneIndividual(individual [][]*mat.Dense) [][]*mat.Dense {
	return nn.Bundle{individual}.Clone()[0]
}

// denseData returns the elements of m in row-major order.
func denseData(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	out := make([]float64, 0, raw.Rows*raw.Cols)
	for r := 0; r < raw.Rows; r++ {
		out = append(out, raw.Data[r*raw.Stride:r*raw.Stride+raw.Cols]...)
	}
	return out
}
