package env

import (
	"fmt"
	"math"
	"math/rand"
)

const (
	cartPoleGravity    = 9.8
	cartPoleMassCart   = 1.0
	cartPoleMassPole   = 0.1
	cartPoleTotalMass  = cartPoleMassCart + cartPoleMassPole
	cartPoleHalfLength = 0.5
	cartPolePoleMoment = cartPoleMassPole * cartPoleHalfLength
	cartPoleForce      = 10.0
	cartPoleTau        = 0.02
	cartPoleThetaLimit = 12 * 2 * math.Pi / 360
	cartPoleXLimit     = 2.4
)

// CartPole is the classic pole balancing task with Euler integration. The
// observation is [x, x_dot, theta, theta_dot]; action 0 pushes left and 1
// pushes right. Every step, including the terminal one, is worth 1.
type CartPole struct {
	name     string
	maxSteps int
	rng      *rand.Rand

	state [4]float64
	steps int
	ready bool
	done  bool
}

func NewCartPole(name string, maxSteps int, seed int64) *CartPole {
	return &CartPole{
		name:     name,
		maxSteps: maxSteps,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (c *CartPole) Name() string         { return c.name }
func (c *CartPole) ObservationSize() int { return 4 }
func (c *CartPole) ActionCount() int     { return 2 }

func (c *CartPole) Reset() ([]float64, error) {
	for i := range c.state {
		c.state[i] = c.rng.Float64()*0.1 - 0.05
	}
	c.steps = 0
	c.ready = true
	c.done = false
	return c.observation(), nil
}

func (c *CartPole) Step(action int) (StepResult, error) {
	if err := checkAction(c, action); err != nil {
		return StepResult{}, err
	}
	if !c.ready {
		return StepResult{}, fmt.Errorf("%s: step before reset", c.name)
	}
	if c.done {
		return StepResult{}, fmt.Errorf("%s: %w", c.name, ErrEpisodeDone)
	}

	x, xDot, theta, thetaDot := c.state[0], c.state[1], c.state[2], c.state[3]
	force := cartPoleForce
	if action == 0 {
		force = -cartPoleForce
	}
	cosTheta := math.Cos(theta)
	sinTheta := math.Sin(theta)

	temp := (force + cartPolePoleMoment*thetaDot*thetaDot*sinTheta) / cartPoleTotalMass
	thetaAcc := (cartPoleGravity*sinTheta - cosTheta*temp) /
		(cartPoleHalfLength * (4.0/3.0 - cartPoleMassPole*cosTheta*cosTheta/cartPoleTotalMass))
	xAcc := temp - cartPolePoleMoment*thetaAcc*cosTheta/cartPoleTotalMass

	x += cartPoleTau * xDot
	xDot += cartPoleTau * xAcc
	theta += cartPoleTau * thetaDot
	thetaDot += cartPoleTau * thetaAcc
	c.state = [4]float64{x, xDot, theta, thetaDot}
	c.steps++

	terminated := x < -cartPoleXLimit || x > cartPoleXLimit ||
		theta < -cartPoleThetaLimit || theta > cartPoleThetaLimit
	truncated := !terminated && c.steps >= c.maxSteps
	c.done = terminated || truncated

	return StepResult{
		Observation: c.observation(),
		Reward:      1,
		Done:        c.done,
		Info: map[string]any{
			"steps":     c.steps,
			"truncated": truncated,
		},
	}, nil
}

func (c *CartPole) observation() []float64 {
	return append([]float64(nil), c.state[:]...)
}
