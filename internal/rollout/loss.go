package rollout

import (
	"fmt"
	"math"

	"earl/internal/nn"
)

// Backpropagator pushes logit and value gradients through a recorded forward
// pass. *nn.PopulationNetwork satisfies it.
type Backpropagator interface {
	Backward(pass *nn.Pass, gradLogits []float64, gradValue float64) error
}

type stepGradient struct {
	pass   *nn.Pass
	logits []float64
	value  float64
}

// Loss is the aggregate actor-critic objective of one generation together
// with the gradients it induces on every recorded forward pass.
type Loss struct {
	Total      float64
	PolicyLog  float64
	ValueLog   float64
	EntropyLog float64

	grads []stepGradient
}

// Loss computes, per individual with T steps, the policy term
// -mean(logp * A), the value term mean((G - V)^2) and the entropy bonus
// mean(H), where A = G - V with V held constant. The total sums
// policy + value_coeff*value - entropy_coeff*entropy over individuals; the
// logs are means over individuals.
func (s *Storage) Loss() (*Loss, error) {
	loss := &Loss{}
	pop := float64(len(s.trajectory))
	for i, steps := range s.trajectory {
		if len(steps) == 0 {
			return nil, fmt.Errorf("loss: individual %d: %w", i, ErrEmptyTrajectory)
		}
		returns := s.Returns(i)
		n := float64(len(steps))

		var policy, value, entropy float64
		for t, step := range steps {
			sample := step.sample
			advantage := returns[t] - sample.Value
			policy -= sample.LogProb * advantage / n
			value += advantage * advantage / n
			entropy += sample.Entropy / n

			grad := stepGradient{
				pass:   sample.Pass,
				logits: make([]float64, len(sample.Probs)),
				value:  -2 * s.cfg.ValueCoeff * advantage / n,
			}
			for j, p := range sample.Probs {
				onehot := 0.0
				if j == sample.Action {
					onehot = 1
				}
				grad.logits[j] = -advantage / n * (onehot - p)
				if p > 0 {
					grad.logits[j] += s.cfg.EntropyCoeff / n * p * (math.Log(p) + sample.Entropy)
				}
			}
			loss.grads = append(loss.grads, grad)
		}

		loss.Total += policy + s.cfg.ValueCoeff*value - s.cfg.EntropyCoeff*entropy
		loss.PolicyLog += policy / pop
		loss.ValueLog += value / pop
		loss.EntropyLog += entropy / pop
	}
	return loss, nil
}

// Backward accumulates the gradient of Total into the network that produced
// the recorded passes. It is a single backward pass over the whole
// generation.
func (l *Loss) Backward(b Backpropagator) error {
	for _, g := range l.grads {
		if err := b.Backward(g.pass, g.logits, g.value); err != nil {
			return fmt.Errorf("loss backward: individual %d: %w", g.pass.Individual, err)
		}
	}
	return nil
}
