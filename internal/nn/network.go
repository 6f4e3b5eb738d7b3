package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"earl/internal/model"
)

var ErrNetworkConfig = errors.New("invalid network configuration")

type NetworkConfig struct {
	PopulationSize int
	InputSize      int
	ActionCount    int
	LearningRate   float64
	Device         Device
	Trunk          []model.LayerSpec
	Policy         []model.LayerSpec
	Value          []model.LayerSpec
}

// PopulationNetwork hosts one shared trunk, one policy head per individual and
// one shared value block. The optimizer only steps trunk and value slots;
// heads change through InsertParameters.
type PopulationNetwork struct {
	device      Device
	inputSize   int
	actionCount int

	trunk *Block
	heads []*Block
	value *Block

	arena       ParamArena
	sharedSlots []int
	opt         *Adam
}

// Pass is the record of one forward call. It is what a later backward pass
// pushes gradients through.
type Pass struct {
	Individual int
	Logits     []float64
	Value      float64

	trunk blockTrace
	head  blockTrace
	value blockTrace
}

// ActionSample is the result of SelectAction.
type ActionSample struct {
	Action  int
	LogProb float64
	Entropy float64
	Value   float64
	Probs   []float64
	Pass    *Pass
}

func NewPopulationNetwork(cfg NetworkConfig, rng *rand.Rand) (*PopulationNetwork, error) {
	if cfg.PopulationSize < 1 {
		return nil, fmt.Errorf("%w: population size must be >= 1, got %d", ErrNetworkConfig, cfg.PopulationSize)
	}
	if cfg.InputSize < 1 || cfg.ActionCount < 1 {
		return nil, fmt.Errorf("%w: input size %d and action count %d must be positive", ErrNetworkConfig, cfg.InputSize, cfg.ActionCount)
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("%w: learning rate must be positive, got %g", ErrNetworkConfig, cfg.LearningRate)
	}
	device := cfg.Device
	if device == "" {
		device = DeviceCPU
	}
	if device != DeviceCPU {
		return nil, fmt.Errorf("%w: unsupported device %q", ErrNetworkConfig, device)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrNetworkConfig)
	}

	trunk, err := BuildBlock(cfg.Trunk, rng)
	if err != nil {
		return nil, fmt.Errorf("trunk: %w", err)
	}
	value, err := BuildBlock(cfg.Value, rng)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	heads := make([]*Block, cfg.PopulationSize)
	for i := range heads {
		heads[i], err = BuildBlock(cfg.Policy, rng)
		if err != nil {
			return nil, fmt.Errorf("policy head %d: %w", i, err)
		}
	}

	trunkOut, err := chainWidths("trunk", trunk, cfg.InputSize)
	if err != nil {
		return nil, err
	}
	headOut, err := chainWidths("policy", heads[0], trunkOut)
	if err != nil {
		return nil, err
	}
	if headOut != cfg.ActionCount {
		return nil, fmt.Errorf("%w: policy head outputs %d logits, environment has %d actions", ErrNetworkConfig, headOut, cfg.ActionCount)
	}
	valueOut, err := chainWidths("value", value, trunkOut)
	if err != nil {
		return nil, err
	}
	if valueOut != 1 {
		return nil, fmt.Errorf("%w: value block outputs %d values, want 1", ErrNetworkConfig, valueOut)
	}

	n := &PopulationNetwork{
		device:      device,
		inputSize:   cfg.InputSize,
		actionCount: cfg.ActionCount,
		trunk:       trunk,
		heads:       heads,
		value:       value,
	}
	n.sharedSlots = append(n.sharedSlots, n.arena.add(trunk.Params()...)...)
	n.sharedSlots = append(n.sharedSlots, n.arena.add(value.Params()...)...)
	for _, head := range heads {
		n.arena.add(head.Params()...)
	}
	n.opt = NewAdam(&n.arena, n.sharedSlots, cfg.LearningRate)
	return n, nil
}

func chainWidths(region string, block *Block, in int) (int, error) {
	layer, width, ok := block.checkWidths(in)
	if !ok {
		l := block.layers[layer].(*Linear)
		return 0, fmt.Errorf("%w: %s layer %d expects %d inputs, incoming width is %d", ErrNetworkConfig, region, layer, l.in, width)
	}
	return width, nil
}

func (n *PopulationNetwork) PopulationSize() int {
	return len(n.heads)
}

func (n *PopulationNetwork) ActionCount() int {
	return n.actionCount
}

func (n *PopulationNetwork) InputSize() int {
	return n.inputSize
}

func (n *PopulationNetwork) Device() Device {
	return n.device
}

func (n *PopulationNetwork) Arena() *ParamArena {
	return &n.arena
}

// SharedSlots lists the arena slots of the trunk and value parameters.
func (n *PopulationNetwork) SharedSlots() []int {
	return append([]int(nil), n.sharedSlots...)
}

func (n *PopulationNetwork) Optimizer() *Adam {
	return n.opt
}

// HeadParams returns the live parameters of one head in declaration order.
func (n *PopulationNetwork) HeadParams(individual int) ([]*Param, error) {
	if err := n.checkIndividual(individual); err != nil {
		return nil, err
	}
	return n.heads[individual].Params(), nil
}

func (n *PopulationNetwork) checkIndividual(individual int) error {
	if individual < 0 || individual >= len(n.heads) {
		return fmt.Errorf("%w: %w: %d not in [0, %d)", ErrContractViolation, ErrIndividualRange, individual, len(n.heads))
	}
	return nil
}

// Forward runs x (a single row) through the trunk, then through the head of
// individual and the value block.
func (n *PopulationNetwork) Forward(x *mat.Dense, individual int) (*Pass, error) {
	if err := n.checkIndividual(individual); err != nil {
		return nil, err
	}
	rows, cols := x.Dims()
	if rows != 1 || cols != n.inputSize {
		return nil, fmt.Errorf("forward: input is %dx%d, want 1x%d", rows, cols, n.inputSize)
	}

	shared, trunkTrace := n.trunk.forward(x)
	logits, headTrace := n.heads[individual].forward(shared)
	value, valueTrace := n.value.forward(shared)

	return &Pass{
		Individual: individual,
		Logits:     append([]float64(nil), logits.RawRowView(0)...),
		Value:      value.At(0, 0),
		trunk:      trunkTrace,
		head:       headTrace,
		value:      valueTrace,
	}, nil
}

// SelectAction samples an action from the softmax of the individual's logits
// using the process-wide random source.
func (n *PopulationNetwork) SelectAction(x *mat.Dense, individual int) (ActionSample, error) {
	pass, err := n.Forward(x, individual)
	if err != nil {
		return ActionSample{}, err
	}
	probs := Softmax(pass.Logits)
	action := int(distuv.NewCategorical(probs, nil).Rand())

	return ActionSample{
		Action:  action,
		LogProb: pass.Logits[action] - floats.LogSumExp(pass.Logits),
		Entropy: stat.Entropy(probs),
		Value:   pass.Value,
		Probs:   probs,
		Pass:    pass,
	}, nil
}

// GreedyAction returns the most likely action of the individual, the lowest
// index on ties.
func (n *PopulationNetwork) GreedyAction(x *mat.Dense, individual int) (int, error) {
	pass, err := n.Forward(x, individual)
	if err != nil {
		return 0, err
	}
	return floats.MaxIdx(pass.Logits), nil
}

// Backward accumulates gradients for one recorded pass given the loss
// gradient with respect to its logits and value.
func (n *PopulationNetwork) Backward(pass *Pass, gradLogits []float64, gradValue float64) error {
	if pass == nil {
		return errors.New("backward: nil pass")
	}
	if err := n.checkIndividual(pass.Individual); err != nil {
		return err
	}
	if len(gradLogits) != n.actionCount {
		return fmt.Errorf("backward: got %d logit gradients, want %d", len(gradLogits), n.actionCount)
	}

	headGrad := n.heads[pass.Individual].backward(pass.head, mat.NewDense(1, n.actionCount, append([]float64(nil), gradLogits...)))
	valueGrad := n.value.backward(pass.value, mat.NewDense(1, 1, []float64{gradValue}))

	var sharedGrad mat.Dense
	sharedGrad.Add(headGrad, valueGrad)
	n.trunk.backward(pass.trunk, &sharedGrad)
	return nil
}

// ZeroGrad clears every gradient in the network, heads included.
func (n *PopulationNetwork) ZeroGrad() {
	for i := 0; i < n.arena.Len(); i++ {
		n.arena.Slot(i).ZeroGrad()
	}
}

// Step applies the optimizer to the trunk and value parameters.
func (n *PopulationNetwork) Step() {
	n.opt.Step()
}

// ExtractParameters copies every head parameter, indexed
// [individual][layer][parameter].
func (n *PopulationNetwork) ExtractParameters() Bundle {
	out := make(Bundle, len(n.heads))
	for i, head := range n.heads {
		out[i] = make([][]*mat.Dense, len(head.layers))
		for l, layer := range head.layers {
			params := layer.Params()
			out[i][l] = make([]*mat.Dense, len(params))
			for p, param := range params {
				out[i][l][p] = mat.DenseCopyOf(param.Value)
			}
		}
	}
	return out
}

// InsertParameters overwrites head parameter values in place. The whole bundle
// is checked before anything is written.
func (n *PopulationNetwork) InsertParameters(bundle Bundle) error {
	if err := bundle.CheckShape("insert parameters", n.headLayout()); err != nil {
		return err
	}
	for i, head := range n.heads {
		for l, layer := range head.layers {
			for p, param := range layer.Params() {
				param.Value.Copy(bundle[i][l][p])
			}
		}
	}
	return nil
}

// ExtractGradients copies every head gradient. An absent gradient means the
// head was not reached by the last backward pass and is reported, never
// replaced by zeros.
func (n *PopulationNetwork) ExtractGradients() (Bundle, error) {
	out := make(Bundle, len(n.heads))
	for i := range n.heads {
		grads, err := n.ExtractIndividualGradients(i)
		if err != nil {
			return nil, err
		}
		out[i] = grads
	}
	return out, nil
}

// ExtractIndividualGradients copies the head gradients of one individual,
// indexed [layer][parameter].
func (n *PopulationNetwork) ExtractIndividualGradients(individual int) ([][]*mat.Dense, error) {
	if err := n.checkIndividual(individual); err != nil {
		return nil, err
	}
	head := n.heads[individual]
	out := make([][]*mat.Dense, len(head.layers))
	for l, layer := range head.layers {
		params := layer.Params()
		out[l] = make([]*mat.Dense, len(params))
		for p, param := range params {
			if param.Grad == nil {
				return nil, &BundleError{Op: "extract gradients", Individual: individual, Layer: l, Param: p, Err: ErrMissingGradient, Detail: param.Name}
			}
			out[l][p] = mat.DenseCopyOf(param.Grad)
		}
	}
	return out, nil
}

func (n *PopulationNetwork) headLayout() Bundle {
	out := make(Bundle, len(n.heads))
	for i, head := range n.heads {
		out[i] = make([][]*mat.Dense, len(head.layers))
		for l, layer := range head.layers {
			params := layer.Params()
			out[i][l] = make([]*mat.Dense, len(params))
			for p, param := range params {
				out[i][l][p] = param.Value
			}
		}
	}
	return out
}

// Softmax returns the normalized exponential of xs.
func Softmax(xs []float64) []float64 {
	lse := floats.LogSumExp(xs)
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Exp(x - lse)
	}
	return out
}
