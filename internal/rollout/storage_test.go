package rollout

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"earl/internal/model"
	"earl/internal/nn"
)

func newTestStorage(t *testing.T, pop int) *Storage {
	t.Helper()
	s, err := New(Config{PopulationSize: pop, ValueCoeff: 0.5, EntropyCoeff: 0.01, Gamma: 0.9})
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return s
}

func TestStorageRejectsBadIndividual(t *testing.T) {
	s := newTestStorage(t, 2)
	err := s.Insert(2, 1, nn.ActionSample{Pass: &nn.Pass{}})
	if !errors.Is(err, nn.ErrIndividualRange) {
		t.Fatalf("expected range error, got %v", err)
	}
	if err := s.InsertFitness(-1, 3); !errors.Is(err, nn.ErrContractViolation) {
		t.Fatalf("expected contract violation, got %v", err)
	}
	if err := s.Insert(0, 1, nn.ActionSample{}); err == nil {
		t.Fatal("expected error for sample without pass")
	}
}

func TestStorageResetClearsGeneration(t *testing.T) {
	s := newTestStorage(t, 2)
	if err := s.Insert(1, 1, nn.ActionSample{Pass: &nn.Pass{Individual: 1}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertFitness(1, 7); err != nil {
		t.Fatalf("insert fitness: %v", err)
	}
	fit := s.Fitnesses()
	fit[1] = 99
	if s.Fitnesses()[1] != 7 {
		t.Fatal("fitnesses must be returned as a copy")
	}

	s.Reset()
	if s.Steps(1) != 0 || s.Fitnesses()[1] != 0 {
		t.Fatal("reset did not clear the generation")
	}
	if _, err := s.Loss(); !errors.Is(err, ErrEmptyTrajectory) {
		t.Fatalf("expected empty trajectory error, got %v", err)
	}
}

func TestReturnsAreDiscounted(t *testing.T) {
	s := newTestStorage(t, 1)
	for _, r := range []float64{1, 2, 3} {
		if err := s.Insert(0, r, nn.ActionSample{Pass: &nn.Pass{}}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got := s.Returns(0)
	want := []float64{1 + 0.9*(2+0.9*3), 2 + 0.9*3, 3}
	if !floats.EqualApprox(got, want, 1e-12) {
		t.Fatalf("returns=%v want %v", got, want)
	}
}

func TestLossValues(t *testing.T) {
	s := newTestStorage(t, 2)
	probs := []float64{0.25, 0.75}
	h := stat.Entropy(probs)
	record := func(i int, reward, value float64, action int) {
		t.Helper()
		err := s.Insert(i, reward, nn.ActionSample{
			Action:  action,
			LogProb: math.Log(probs[action]),
			Entropy: h,
			Value:   value,
			Probs:   probs,
			Pass:    &nn.Pass{Individual: i},
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	record(0, 1, 0.5, 1)
	record(1, 2, 1.0, 0)
	record(1, 0, 0.0, 1)

	loss, err := s.Loss()
	if err != nil {
		t.Fatalf("loss: %v", err)
	}

	policy0 := -math.Log(0.75) * 0.5
	value0 := 0.25
	g1 := []float64{2, 0}
	a1 := []float64{g1[0] - 1.0, g1[1] - 0.0}
	policy1 := -(math.Log(0.25)*a1[0] + math.Log(0.75)*a1[1]) / 2
	value1 := (a1[0]*a1[0] + a1[1]*a1[1]) / 2

	wantTotal := policy0 + 0.5*value0 - 0.01*h + policy1 + 0.5*value1 - 0.01*h
	if math.Abs(loss.Total-wantTotal) > 1e-12 {
		t.Fatalf("total=%f want %f", loss.Total, wantTotal)
	}
	if math.Abs(loss.PolicyLog-(policy0+policy1)/2) > 1e-12 {
		t.Fatalf("policy log=%f", loss.PolicyLog)
	}
	if math.Abs(loss.ValueLog-(value0+value1)/2) > 1e-12 {
		t.Fatalf("value log=%f", loss.ValueLog)
	}
}

type recordingBackprop struct {
	values []float64
	logits [][]float64
}

func (r *recordingBackprop) Backward(_ *nn.Pass, gradLogits []float64, gradValue float64) error {
	r.logits = append(r.logits, gradLogits)
	r.values = append(r.values, gradValue)
	return nil
}

func TestLossBackwardValueGradient(t *testing.T) {
	s := newTestStorage(t, 1)
	for _, v := range []float64{0.5, 2} {
		err := s.Insert(0, 1, nn.ActionSample{Action: 0, LogProb: math.Log(0.5), Entropy: math.Log(2), Value: v, Probs: []float64{0.5, 0.5}, Pass: &nn.Pass{}})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	loss, err := s.Loss()
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	rec := &recordingBackprop{}
	if err := loss.Backward(rec); err != nil {
		t.Fatalf("backward: %v", err)
	}
	returns := s.Returns(0)
	for step, v := range []float64{0.5, 2} {
		want := -2 * 0.5 * (returns[step] - v) / 2
		if math.Abs(rec.values[step]-want) > 1e-12 {
			t.Fatalf("step %d value grad=%f want %f", step, rec.values[step], want)
		}
	}
	// Uniform probabilities carry no entropy gradient.
	for step, g := range rec.logits {
		adv := returns[step] - []float64{0.5, 2}[step]
		want := []float64{-adv / 2 * 0.5, adv / 2 * 0.5}
		if !floats.EqualApprox(g, want, 1e-12) {
			t.Fatalf("step %d logit grad=%v want %v", step, g, want)
		}
	}
}

// TestLossBackwardMatchesFiniteDifferences perturbs head weights, which leave
// the value estimate untouched, and compares the numeric slope of Total with
// the accumulated head gradients.
func TestLossBackwardMatchesFiniteDifferences(t *testing.T) {
	net, err := nn.NewPopulationNetwork(nn.NetworkConfig{
		PopulationSize: 2,
		InputSize:      3,
		ActionCount:    3,
		LearningRate:   0.01,
		Trunk: []model.LayerSpec{
			{Type: "Linear", Params: []any{3.0, 5.0}},
			{Type: "Tanh"},
		},
		Policy: []model.LayerSpec{
			{Type: "Linear", Params: []any{5.0, 3.0}},
		},
		Value: []model.LayerSpec{
			{Type: "Linear", Params: []any{5.0, 1.0}},
		},
	}, rand.New(rand.NewSource(21)))
	if err != nil {
		t.Fatalf("new network: %v", err)
	}

	rng := rand.New(rand.NewSource(4))
	type step struct {
		obs    []float64
		action int
		reward float64
	}
	episodes := make([][]step, 2)
	for i := range episodes {
		for k := 0; k < 4; k++ {
			episodes[i] = append(episodes[i], step{
				obs:    []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()},
				action: rng.Intn(3),
				reward: rng.Float64(),
			})
		}
	}

	build := func() *Loss {
		t.Helper()
		s, err := New(Config{PopulationSize: 2, ValueCoeff: 0.5, EntropyCoeff: 0.05, Gamma: 0.95})
		if err != nil {
			t.Fatalf("new storage: %v", err)
		}
		for i, episode := range episodes {
			for _, st := range episode {
				pass, err := net.Forward(ObsToTensor(st.obs), i)
				if err != nil {
					t.Fatalf("forward: %v", err)
				}
				probs := nn.Softmax(pass.Logits)
				sample := nn.ActionSample{
					Action:  st.action,
					LogProb: pass.Logits[st.action] - floats.LogSumExp(pass.Logits),
					Entropy: stat.Entropy(probs),
					Value:   pass.Value,
					Probs:   probs,
					Pass:    pass,
				}
				if err := s.Insert(i, st.reward, sample); err != nil {
					t.Fatalf("insert: %v", err)
				}
			}
		}
		loss, err := s.Loss()
		if err != nil {
			t.Fatalf("loss: %v", err)
		}
		return loss
	}

	net.ZeroGrad()
	if err := build().Backward(net); err != nil {
		t.Fatalf("backward: %v", err)
	}

	const eps = 1e-6
	for i := 0; i < 2; i++ {
		params, err := net.HeadParams(i)
		if err != nil {
			t.Fatalf("head params: %v", err)
		}
		for _, param := range params {
			rows, cols := param.Dims()
			for r := 0; r < rows; r++ {
				for c := 0; c < cols; c++ {
					orig := param.Value.At(r, c)
					param.Value.Set(r, c, orig+eps)
					plus := build().Total
					param.Value.Set(r, c, orig-eps)
					minus := build().Total
					param.Value.Set(r, c, orig)

					numeric := (plus - minus) / (2 * eps)
					if got := param.Grad.At(r, c); math.Abs(got-numeric) > 1e-5 {
						t.Fatalf("head %d %s[%d,%d]: analytic=%g numeric=%g", i, param.Name, r, c, got, numeric)
					}
				}
			}
		}
	}
}

func TestObsToTensorCopies(t *testing.T) {
	obs := []float64{1, 2, 3}
	x := ObsToTensor(obs)
	obs[0] = 9
	if r, c := x.Dims(); r != 1 || c != 3 || x.At(0, 0) != 1 {
		t.Fatalf("unexpected tensor %v", mat.Formatted(x))
	}
}
