package evo

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

var ErrUnknownSelector = errors.New("unknown selector")

// Scored pairs a population index with its episode fitness.
type Scored struct {
	Index   int
	Fitness float64
}

// Rank orders the population by descending fitness. Equal fitness keeps the
// lower index first.
func Rank(fitnesses []float64) []Scored {
	ranked := make([]Scored, len(fitnesses))
	for i, f := range fitnesses {
		ranked[i] = Scored{Index: i, Fitness: f}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Fitness > ranked[b].Fitness
	})
	return ranked
}

// Selector chooses parents from the ranked population for replication.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, ranked []Scored, eliteCount int) (int, error)
}

// EliteSelector picks uniformly from the top elite set.
type EliteSelector struct{}

func (EliteSelector) Name() string {
	return "elite"
}

func (EliteSelector) PickParent(rng *rand.Rand, ranked []Scored, eliteCount int) (int, error) {
	if rng == nil {
		return 0, fmt.Errorf("random source is required")
	}
	if eliteCount <= 0 || eliteCount > len(ranked) {
		return 0, fmt.Errorf("invalid elite count: %d", eliteCount)
	}
	return ranked[rng.Intn(eliteCount)].Index, nil
}

// TournamentSelector samples candidates and picks the best fitness among them.
type TournamentSelector struct {
	PoolSize       int
	TournamentSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParent(rng *rand.Rand, ranked []Scored, eliteCount int) (int, error) {
	if rng == nil {
		return 0, fmt.Errorf("random source is required")
	}
	if eliteCount <= 0 || eliteCount > len(ranked) {
		return 0, fmt.Errorf("invalid elite count: %d", eliteCount)
	}

	poolSize := s.PoolSize
	if poolSize <= 0 {
		poolSize = eliteCount * 2
	}
	if poolSize < eliteCount {
		poolSize = eliteCount
	}
	if poolSize > len(ranked) {
		poolSize = len(ranked)
	}

	tournamentSize := s.TournamentSize
	if tournamentSize <= 0 {
		tournamentSize = 3
	}
	if tournamentSize > poolSize {
		tournamentSize = poolSize
	}

	best := ranked[rng.Intn(poolSize)]
	for i := 1; i < tournamentSize; i++ {
		candidate := ranked[rng.Intn(poolSize)]
		if candidate.Fitness > best.Fitness {
			best = candidate
		}
	}
	return best.Index, nil
}

// NewSelector resolves a selector by name. Tournaments draw from the whole
// population of size pop.
func NewSelector(name string, pop, tournamentSize int) (Selector, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "elite":
		return EliteSelector{}, nil
	case "", "tournament":
		return TournamentSelector{PoolSize: pop, TournamentSize: tournamentSize}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSelector, name)
	}
}
