package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"earl/internal/model"
)

func testNetworkConfig(pop int) NetworkConfig {
	return NetworkConfig{
		PopulationSize: pop,
		InputSize:      4,
		ActionCount:    2,
		LearningRate:   0.01,
		Trunk: []model.LayerSpec{
			{Type: "Linear", Params: []any{4.0, 8.0}},
			{Type: "ReLU"},
		},
		Policy: []model.LayerSpec{
			{Type: "Linear", Params: []any{8.0, 6.0}},
			{Type: "Tanh"},
			{Type: "Linear", Params: []any{6.0, 2.0}},
		},
		Value: []model.LayerSpec{
			{Type: "Linear", Params: []any{8.0, 1.0}},
		},
	}
}

func newTestNetwork(t *testing.T, pop int) *PopulationNetwork {
	t.Helper()
	net, err := NewPopulationNetwork(testNetworkConfig(pop), rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("new population network: %v", err)
	}
	return net
}

func testInput() *mat.Dense {
	return mat.NewDense(1, 4, []float64{0.1, -0.2, 0.05, 0.3})
}

// backwardAll runs one forward/backward pass for each listed individual.
func backwardAll(t *testing.T, net *PopulationNetwork, individuals ...int) {
	t.Helper()
	for _, i := range individuals {
		pass, err := net.Forward(testInput(), i)
		if err != nil {
			t.Fatalf("forward %d: %v", i, err)
		}
		if err := net.Backward(pass, []float64{0.5, -0.5}, 0.25); err != nil {
			t.Fatalf("backward %d: %v", i, err)
		}
	}
}

func TestInsertExtractRoundTripIsNoOp(t *testing.T) {
	net := newTestNetwork(t, 3)
	before := net.ExtractParameters()
	if err := net.InsertParameters(before); err != nil {
		t.Fatalf("insert: %v", err)
	}
	after := net.ExtractParameters()
	for i := range before {
		for l := range before[i] {
			for p := range before[i][l] {
				if !mat.Equal(before[i][l][p], after[i][l][p]) {
					t.Fatalf("individual %d layer %d param %d changed on round trip", i, l, p)
				}
			}
		}
	}
}

func TestExtractParametersShapeInvariant(t *testing.T) {
	for _, pop := range []int{1, 2, 5} {
		net := newTestNetwork(t, pop)
		bundle := net.ExtractParameters()
		if len(bundle) != pop {
			t.Fatalf("pop=%d: got %d individuals", pop, len(bundle))
		}
		wantDims := [][][2]int{
			{{6, 8}, {1, 6}},
			{},
			{{2, 6}, {1, 2}},
		}
		for i, individual := range bundle {
			if len(individual) != len(wantDims) {
				t.Fatalf("pop=%d individual %d: got %d layers", pop, i, len(individual))
			}
			for l, layer := range individual {
				if len(layer) != len(wantDims[l]) {
					t.Fatalf("pop=%d individual %d layer %d: got %d params", pop, i, l, len(layer))
				}
				for p, tensor := range layer {
					r, c := tensor.Dims()
					if r != wantDims[l][p][0] || c != wantDims[l][p][1] {
						t.Fatalf("pop=%d individual %d layer %d param %d: got %dx%d", pop, i, l, p, r, c)
					}
				}
			}
		}
	}
}

func TestExtractParametersIsDetached(t *testing.T) {
	net := newTestNetwork(t, 2)
	bundle := net.ExtractParameters()
	bundle[0][0][0].Set(0, 0, 123)

	params, err := net.HeadParams(0)
	if err != nil {
		t.Fatalf("head params: %v", err)
	}
	if params[0].Value.At(0, 0) == 123 {
		t.Fatal("extracted bundle aliases live parameters")
	}
}

func TestExtractGradientsContract(t *testing.T) {
	net := newTestNetwork(t, 3)
	backwardAll(t, net, 1)

	grads, err := net.ExtractIndividualGradients(1)
	if err != nil {
		t.Fatalf("extract gradients of touched individual: %v", err)
	}
	params := net.ExtractParameters()
	if err := (Bundle{grads}).CheckShape("compare", Bundle{params[1]}); err != nil {
		t.Fatalf("gradient shape does not match parameters: %v", err)
	}

	_, err = net.ExtractGradients()
	if !errors.Is(err, ErrMissingGradient) || !errors.Is(err, ErrContractViolation) {
		t.Fatalf("expected missing gradient contract violation, got %v", err)
	}
	var bundleErr *BundleError
	if !errors.As(err, &bundleErr) {
		t.Fatalf("expected *BundleError, got %T", err)
	}
	if bundleErr.Individual != 0 || bundleErr.Layer != 0 || bundleErr.Param != 0 {
		t.Fatalf("unexpected error position: %+v", bundleErr)
	}

	backwardAll(t, net, 0, 2)
	all, err := net.ExtractGradients()
	if err != nil {
		t.Fatalf("extract gradients: %v", err)
	}
	if err := all.CheckShape("compare", params); err != nil {
		t.Fatalf("gradient bundle shape: %v", err)
	}
}

func TestZeroGradMakesGradientsAbsent(t *testing.T) {
	net := newTestNetwork(t, 2)
	backwardAll(t, net, 0, 1)
	net.ZeroGrad()
	if _, err := net.ExtractGradients(); !errors.Is(err, ErrMissingGradient) {
		t.Fatalf("expected missing gradient after zero grad, got %v", err)
	}
}

func TestInsertParametersRejectsShapeMismatchWithoutWriting(t *testing.T) {
	net := newTestNetwork(t, 2)
	original := net.ExtractParameters()

	bad := original.Clone()
	bad[0][0][0].Set(0, 0, 42)
	bad[1][2][0] = mat.NewDense(3, 6, nil)
	err := net.InsertParameters(bad)
	if !errors.Is(err, ErrBundleShape) || !errors.Is(err, ErrContractViolation) {
		t.Fatalf("expected bundle shape violation, got %v", err)
	}
	var bundleErr *BundleError
	if !errors.As(err, &bundleErr) || bundleErr.Individual != 1 || bundleErr.Layer != 2 || bundleErr.Param != 0 {
		t.Fatalf("unexpected error position: %v", err)
	}
	current := net.ExtractParameters()
	if !mat.Equal(current[0][0][0], original[0][0][0]) {
		t.Fatal("insert wrote values before failing")
	}

	short := original.Clone()[:1]
	if err := net.InsertParameters(short); !errors.Is(err, ErrBundleShape) {
		t.Fatalf("expected error for truncated population, got %v", err)
	}

	missingParam := original.Clone()
	missingParam[0][0] = missingParam[0][0][:1]
	if err := net.InsertParameters(missingParam); !errors.Is(err, ErrBundleShape) {
		t.Fatalf("expected error for missing parameter, got %v", err)
	}
}

func TestInsertParametersPreservesIdentityAndOptimizerState(t *testing.T) {
	net := newTestNetwork(t, 2)
	headBefore, err := net.HeadParams(1)
	if err != nil {
		t.Fatalf("head params: %v", err)
	}

	backwardAll(t, net, 0, 1)
	net.Step()

	slots := net.SharedSlots()
	sharedBefore := make([]*Param, len(slots))
	moments := make([][]float64, len(slots))
	for i, slot := range slots {
		sharedBefore[i] = net.Arena().Slot(slot)
		moments[i] = append([]float64(nil), net.Optimizer().Moments(slot)...)
		if len(moments[i]) == 0 {
			t.Fatalf("slot %d has no optimizer state after step", slot)
		}
	}

	replacement := net.ExtractParameters()
	for _, individual := range replacement {
		for _, layer := range individual {
			for _, tensor := range layer {
				tensor.Scale(2, tensor)
			}
		}
	}
	if err := net.InsertParameters(replacement); err != nil {
		t.Fatalf("insert: %v", err)
	}

	headAfter, _ := net.HeadParams(1)
	for p := range headBefore {
		if headBefore[p] != headAfter[p] {
			t.Fatalf("head param %d was reallocated", p)
		}
	}
	if !mat.Equal(headAfter[0].Value, replacement[1][0][0]) {
		t.Fatal("inserted values not visible through live parameter")
	}
	for i, slot := range slots {
		if net.Arena().Slot(slot) != sharedBefore[i] {
			t.Fatalf("shared slot %d was reallocated", slot)
		}
		got := net.Optimizer().Moments(slot)
		for k := range moments[i] {
			if got[k] != moments[i][k] {
				t.Fatalf("optimizer state of slot %d changed by insert", slot)
			}
		}
	}
}

func TestStepUpdatesSharedParametersOnly(t *testing.T) {
	net := newTestNetwork(t, 2)
	headsBefore := net.ExtractParameters()
	trunkBefore := mat.DenseCopyOf(net.Arena().Slot(net.SharedSlots()[0]).Value)

	backwardAll(t, net, 0, 1)
	net.Step()

	headsAfter := net.ExtractParameters()
	for i := range headsBefore {
		for l := range headsBefore[i] {
			for p := range headsBefore[i][l] {
				if !mat.Equal(headsBefore[i][l][p], headsAfter[i][l][p]) {
					t.Fatalf("optimizer stepped head %d layer %d param %d", i, l, p)
				}
			}
		}
	}
	if mat.Equal(trunkBefore, net.Arena().Slot(net.SharedSlots()[0]).Value) {
		t.Fatal("expected trunk weights to move")
	}
}

func TestForwardRejectsOutOfRangeIndividual(t *testing.T) {
	net := newTestNetwork(t, 2)
	for _, idx := range []int{-1, 2} {
		_, err := net.Forward(testInput(), idx)
		if !errors.Is(err, ErrIndividualRange) || !errors.Is(err, ErrContractViolation) {
			t.Fatalf("index %d: expected range error, got %v", idx, err)
		}
	}
	if _, err := net.Forward(mat.NewDense(1, 3, nil), 0); err == nil {
		t.Fatal("expected input width error")
	}
}

func TestSelectActionConsistency(t *testing.T) {
	net := newTestNetwork(t, 2)
	for trial := 0; trial < 50; trial++ {
		sample, err := net.SelectAction(testInput(), trial%2)
		if err != nil {
			t.Fatalf("select action: %v", err)
		}
		if sample.Action < 0 || sample.Action >= 2 {
			t.Fatalf("action out of range: %d", sample.Action)
		}
		if math.Abs(sample.LogProb-math.Log(sample.Probs[sample.Action])) > 1e-9 {
			t.Fatalf("log prob %f does not match probs %v", sample.LogProb, sample.Probs)
		}
		if sample.Entropy < 0 || sample.Entropy > math.Log(2)+1e-12 {
			t.Fatalf("entropy out of range: %f", sample.Entropy)
		}
		if sample.Value != sample.Pass.Value {
			t.Fatalf("value mismatch")
		}
	}
}

func TestGreedyActionBreaksTiesLow(t *testing.T) {
	net, err := NewPopulationNetwork(NetworkConfig{
		PopulationSize: 1,
		InputSize:      2,
		ActionCount:    2,
		LearningRate:   0.01,
		Policy:         []model.LayerSpec{{Type: "Linear", Params: []any{2.0, 2.0}, Kwargs: map[string]any{"bias": false}}},
		Value:          []model.LayerSpec{{Type: "Linear", Params: []any{2.0, 1.0}}},
	}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	identity := Bundle{{{mat.NewDense(2, 2, []float64{1, 0, 0, 1})}}}
	if err := net.InsertParameters(identity); err != nil {
		t.Fatalf("insert: %v", err)
	}

	action, err := net.GreedyAction(mat.NewDense(1, 2, []float64{0.3, 0.9}), 0)
	if err != nil || action != 1 {
		t.Fatalf("expected action 1, got %d err=%v", action, err)
	}
	action, err = net.GreedyAction(mat.NewDense(1, 2, []float64{0.5, 0.5}), 0)
	if err != nil || action != 0 {
		t.Fatalf("expected tie to resolve to 0, got %d err=%v", action, err)
	}
}

func TestNewPopulationNetworkWidthMismatch(t *testing.T) {
	cfg := testNetworkConfig(2)
	cfg.InputSize = 3
	if _, err := NewPopulationNetwork(cfg, rand.New(rand.NewSource(1))); !errors.Is(err, ErrNetworkConfig) {
		t.Fatalf("expected trunk width error, got %v", err)
	}

	cfg = testNetworkConfig(2)
	cfg.ActionCount = 3
	if _, err := NewPopulationNetwork(cfg, rand.New(rand.NewSource(1))); !errors.Is(err, ErrNetworkConfig) {
		t.Fatalf("expected action count error, got %v", err)
	}

	cfg = testNetworkConfig(2)
	cfg.Value = []model.LayerSpec{{Type: "Linear", Params: []any{8.0, 2.0}}}
	if _, err := NewPopulationNetwork(cfg, rand.New(rand.NewSource(1))); !errors.Is(err, ErrNetworkConfig) {
		t.Fatalf("expected value width error, got %v", err)
	}

	cfg = testNetworkConfig(2)
	cfg.Policy = append(cfg.Policy, model.LayerSpec{Type: "Dropout"})
	if _, err := NewPopulationNetwork(cfg, rand.New(rand.NewSource(1))); !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("expected unknown layer error, got %v", err)
	}
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float64{1000, 1000})
	if math.Abs(probs[0]-0.5) > 1e-12 || math.Abs(probs[1]-0.5) > 1e-12 {
		t.Fatalf("unexpected softmax of large equal inputs: %v", probs)
	}
}
