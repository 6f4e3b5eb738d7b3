package env

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownEnvironment = errors.New("unknown environment")
	ErrInvalidAction      = errors.New("invalid action")
	ErrEpisodeDone        = errors.New("step called on finished episode")
)

// StepResult is what one environment transition yields.
type StepResult struct {
	Observation []float64
	Reward      float64
	Done        bool
	Info        map[string]any
}

// Environment is an episodic task with a flat observation vector and a
// discrete action space.
type Environment interface {
	Name() string
	ObservationSize() int
	ActionCount() int
	Reset() ([]float64, error)
	Step(action int) (StepResult, error)
}

// Spec describes a registered environment.
type Spec struct {
	Name            string
	StopFitness     float64
	MaxEpisodeSteps int
	New             func(seed int64) Environment
}

var registry = map[string]Spec{
	"cartpole-v1": {
		Name:            "CartPole-v1",
		StopFitness:     475,
		MaxEpisodeSteps: 500,
		New: func(seed int64) Environment {
			return NewCartPole("CartPole-v1", 500, seed)
		},
	},
	"cartpole-v0": {
		Name:            "CartPole-v0",
		StopFitness:     195,
		MaxEpisodeSteps: 200,
		New: func(seed int64) Environment {
			return NewCartPole("CartPole-v0", 200, seed)
		},
	},
	"cartpolelite-v0": {
		Name:            "CartPoleLite-v0",
		StopFitness:     50,
		MaxEpisodeSteps: cartPoleLiteSteps,
		New: func(seed int64) Environment {
			return NewCartPoleLite(seed)
		},
	},
}

// Lookup resolves an environment id. Matching ignores case.
func Lookup(name string) (Spec, error) {
	spec, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, name)
	}
	return spec, nil
}

func List() []string {
	names := make([]string, 0, len(registry))
	for _, spec := range registry {
		names = append(names, spec.Name)
	}
	sort.Strings(names)
	return names
}

func checkAction(env Environment, action int) error {
	if action < 0 || action >= env.ActionCount() {
		return fmt.Errorf("%s: %w: %d not in [0, %d)", env.Name(), ErrInvalidAction, action, env.ActionCount())
	}
	return nil
}
