package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"earl/internal/env"
	"earl/internal/nn"
	"earl/internal/rollout"
)

var ErrUnknownStrategy = errors.New("unknown test strategy")

type Strategy string

const (
	StrategyBest         Strategy = "best"
	StrategySoftmax      Strategy = "softmax"
	StrategyWeightedVote Strategy = "weightedvote"
)

func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(name))); s {
	case StrategyBest, StrategySoftmax, StrategyWeightedVote:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// Policy is the part of the population network the evaluator needs.
type Policy interface {
	PopulationSize() int
	SelectAction(x *mat.Dense, individual int) (nn.ActionSample, error)
	GreedyAction(x *mat.Dense, individual int) (int, error)
}

// Evaluator plays test episodes with the whole population acting as one
// agent. It never records transitions or touches gradients.
type Evaluator struct {
	Strategy Strategy
	Episodes int
	src      rand.Source
}

func NewEvaluator(strategy Strategy, episodes int, seed int64) (*Evaluator, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	if episodes < 1 {
		return nil, fmt.Errorf("test episodes must be >= 1, got %d", episodes)
	}
	return &Evaluator{
		Strategy: strategy,
		Episodes: episodes,
		src:      rand.NewPCG(uint64(seed), uint64(episodes)),
	}, nil
}

// Decide returns the ensemble action for one observation given the last
// recorded training fitness of every individual.
func (e *Evaluator) Decide(policy Policy, x *mat.Dense, fitnesses []float64, actionCount int) (int, error) {
	if len(fitnesses) != policy.PopulationSize() {
		return 0, fmt.Errorf("%w: %w: got %d fitness values for population %d", nn.ErrContractViolation, nn.ErrBundleShape, len(fitnesses), policy.PopulationSize())
	}
	switch e.Strategy {
	case StrategyBest:
		sample, err := policy.SelectAction(x, floats.MaxIdx(fitnesses))
		if err != nil {
			return 0, err
		}
		return sample.Action, nil
	case StrategySoftmax:
		individual := int(distuv.NewCategorical(nn.Softmax(fitnesses), e.src).Rand())
		sample, err := policy.SelectAction(x, individual)
		if err != nil {
			return 0, err
		}
		return sample.Action, nil
	case StrategyWeightedVote:
		actions := make([]int, len(fitnesses))
		for i := range actions {
			action, err := policy.GreedyAction(x, i)
			if err != nil {
				return 0, err
			}
			actions[i] = action
		}
		votes, err := Votes(actions, fitnesses, actionCount)
		if err != nil {
			return 0, err
		}
		return floats.MaxIdx(votes), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, e.Strategy)
	}
}

// Votes sums the fitness of every individual onto the action it chose.
func Votes(actions []int, fitnesses []float64, actionCount int) ([]float64, error) {
	if len(actions) != len(fitnesses) {
		return nil, fmt.Errorf("got %d actions for %d fitness values", len(actions), len(fitnesses))
	}
	votes := make([]float64, actionCount)
	for i, action := range actions {
		if action < 0 || action >= actionCount {
			return nil, fmt.Errorf("individual %d voted for action %d outside [0, %d)", i, action, actionCount)
		}
		votes[action] += fitnesses[i]
	}
	return votes, nil
}

// Evaluate plays Episodes full episodes and returns the mean total reward.
func (e *Evaluator) Evaluate(ctx context.Context, policy Policy, environment env.Environment, fitnesses []float64) (float64, error) {
	totals := make([]float64, e.Episodes)
	for episode := range totals {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		obs, err := environment.Reset()
		if err != nil {
			return 0, fmt.Errorf("test episode %d: reset: %w", episode, err)
		}
		for {
			action, err := e.Decide(policy, rollout.ObsToTensor(obs), fitnesses, environment.ActionCount())
			if err != nil {
				return 0, fmt.Errorf("test episode %d: %w", episode, err)
			}
			res, err := environment.Step(action)
			if err != nil {
				return 0, fmt.Errorf("test episode %d: step: %w", episode, err)
			}
			totals[episode] += res.Reward
			obs = res.Observation
			if res.Done {
				break
			}
		}
	}
	return stat.Mean(totals, nil), nil
}
