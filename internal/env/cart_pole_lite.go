package env

import (
	"fmt"
	"math"
	"math/rand"
)

const cartPoleLiteSteps = 60

var cartPoleLiteStarts = []float64{-0.8, -0.4, 0.0, 0.4, 0.8}

// CartPoleLite is a simplified 1D balancing control task with a discrete
// push: action 0 applies the maximum force to the left, action 1 to the
// right. The observation is [x, v]. An episode ends after 60 steps or when
// the cart leaves [-2, 2].
type CartPoleLite struct {
	rng   *rand.Rand
	x, v  float64
	steps int
	ready bool
	done  bool
}

func NewCartPoleLite(seed int64) *CartPoleLite {
	return &CartPoleLite{rng: rand.New(rand.NewSource(seed))}
}

func (c *CartPoleLite) Name() string         { return "CartPoleLite-v0" }
func (c *CartPoleLite) ObservationSize() int { return 2 }
func (c *CartPoleLite) ActionCount() int     { return 2 }

func (c *CartPoleLite) Reset() ([]float64, error) {
	c.x = cartPoleLiteStarts[c.rng.Intn(len(cartPoleLiteStarts))]
	c.v = 0
	c.steps = 0
	c.ready = true
	c.done = false
	return []float64{c.x, c.v}, nil
}

func (c *CartPoleLite) Step(action int) (StepResult, error) {
	if err := checkAction(c, action); err != nil {
		return StepResult{}, err
	}
	if !c.ready {
		return StepResult{}, fmt.Errorf("%s: step before reset", c.Name())
	}
	if c.done {
		return StepResult{}, fmt.Errorf("%s: %w", c.Name(), ErrEpisodeDone)
	}

	force := 1.0
	if action == 0 {
		force = -1.0
	}
	var reward float64
	c.x, c.v, reward = cartPoleLiteStep(c.x, c.v, force)
	c.steps++
	failed := math.Abs(c.x) > 2.0
	c.done = failed || c.steps >= cartPoleLiteSteps

	return StepResult{
		Observation: []float64{c.x, c.v},
		Reward:      reward,
		Done:        c.done,
		Info: map[string]any{
			"steps":  c.steps,
			"failed": failed,
		},
	}, nil
}

func cartPoleLiteStep(x, v, force float64) (nextX, nextV, reward float64) {
	const (
		dt       = 0.1
		kPos     = 0.45
		kVel     = 0.15
		forceK   = 1.25
		maxForce = 1.0
	)
	if force > maxForce {
		force = maxForce
	}
	if force < -maxForce {
		force = -maxForce
	}

	acc := forceK*force - kPos*x - kVel*v
	v = v + acc*dt
	x = x + v*dt
	reward = 1.0 - math.Min(1.0, math.Abs(x)/2.0)
	return x, v, reward
}
