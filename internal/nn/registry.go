package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"earl/internal/model"
)

var (
	ErrUnknownLayer = errors.New("unknown layer type")
	ErrLayerParams  = errors.New("invalid layer parameters")
)

type layerFactory func(spec model.LayerSpec, rng *rand.Rand) (Layer, error)

// layerRegistry is the closed set of supported layer kinds, keyed by the
// lower-cased type name.
var layerRegistry = map[string]layerFactory{
	"linear":    buildLinear,
	"relu":      buildActivation("relu", []string{"inplace"}, func(model.LayerSpec) (activation, error) { return reluActivation(), nil }),
	"tanh":      buildActivation("tanh", nil, func(model.LayerSpec) (activation, error) { return tanhActivation(), nil }),
	"sigmoid":   buildActivation("sigmoid", nil, func(model.LayerSpec) (activation, error) { return sigmoidActivation(), nil }),
	"identity":  buildActivation("identity", nil, func(model.LayerSpec) (activation, error) { return identityActivation(), nil }),
	"leakyrelu": buildActivation("leakyrelu", []string{"negative_slope", "inplace"}, buildLeakyReLU),
	"elu":       buildActivation("elu", []string{"alpha", "inplace"}, buildELU),
}

// BuildLayer instantiates one layer from its declaration.
func BuildLayer(spec model.LayerSpec, rng *rand.Rand) (Layer, error) {
	factory, ok := layerRegistry[normalizeLayerType(spec.Type)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, spec.Type)
	}
	return factory(spec, rng)
}

// BuildBlock instantiates every layer of specs in order.
func BuildBlock(specs []model.LayerSpec, rng *rand.Rand) (*Block, error) {
	layers := make([]Layer, 0, len(specs))
	for i, spec := range specs {
		layer, err := BuildLayer(spec, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layers = append(layers, layer)
	}
	return &Block{layers: layers}, nil
}

// ValidateSpecs reports the first configuration error in specs without
// keeping the instantiated layers.
func ValidateSpecs(specs []model.LayerSpec) error {
	_, err := BuildBlock(specs, rand.New(rand.NewSource(1)))
	return err
}

func ListLayerKinds() []string {
	names := make([]string, 0, len(layerRegistry))
	for name := range layerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeLayerType(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func buildLinear(spec model.LayerSpec, rng *rand.Rand) (Layer, error) {
	if err := checkArguments(spec, 3, "in_features", "out_features", "bias"); err != nil {
		return nil, err
	}
	inRaw, ok, err := argument(spec, 0, "in_features")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, layerParamError(spec, "in_features is required")
	}
	outRaw, ok, err := argument(spec, 1, "out_features")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, layerParamError(spec, "out_features is required")
	}
	in, ok := asInt(inRaw)
	if !ok || in <= 0 {
		return nil, layerParamError(spec, fmt.Sprintf("in_features must be a positive integer, got %v", inRaw))
	}
	out, ok := asInt(outRaw)
	if !ok || out <= 0 {
		return nil, layerParamError(spec, fmt.Sprintf("out_features must be a positive integer, got %v", outRaw))
	}

	withBias := true
	if raw, present, err := argument(spec, 2, "bias"); err != nil {
		return nil, err
	} else if present {
		b, ok := raw.(bool)
		if !ok {
			return nil, layerParamError(spec, fmt.Sprintf("bias must be a boolean, got %v", raw))
		}
		withBias = b
	}
	return NewLinear(in, out, withBias, rng), nil
}

func buildActivation(kind string, kwargs []string, newActivation func(model.LayerSpec) (activation, error)) layerFactory {
	return func(spec model.LayerSpec, _ *rand.Rand) (Layer, error) {
		if err := checkArguments(spec, len(kwargs), kwargs...); err != nil {
			return nil, err
		}
		act, err := newActivation(spec)
		if err != nil {
			return nil, err
		}
		return &Elementwise{kind: kind, act: act}, nil
	}
}

func buildLeakyReLU(spec model.LayerSpec) (activation, error) {
	slope, err := floatArgument(spec, 0, "negative_slope", 0.01)
	if err != nil {
		return activation{}, err
	}
	return leakyReLUActivation(slope), nil
}

func buildELU(spec model.LayerSpec) (activation, error) {
	alpha, err := floatArgument(spec, 0, "alpha", 1.0)
	if err != nil {
		return activation{}, err
	}
	return eluActivation(alpha), nil
}

func checkArguments(spec model.LayerSpec, maxPositional int, allowed ...string) error {
	if len(spec.Params) > maxPositional {
		return layerParamError(spec, fmt.Sprintf("takes at most %d positional params, got %d", maxPositional, len(spec.Params)))
	}
	for key := range spec.Kwargs {
		known := false
		for _, name := range allowed {
			if key == name {
				known = true
				break
			}
		}
		if !known {
			return layerParamError(spec, fmt.Sprintf("unexpected keyword %q", key))
		}
	}
	return nil
}

// argument resolves a constructor argument given either positionally or by
// keyword. Supplying both is an error.
func argument(spec model.LayerSpec, pos int, name string) (any, bool, error) {
	kw, hasKw := spec.Kwargs[name]
	hasPos := pos < len(spec.Params)
	switch {
	case hasPos && hasKw:
		return nil, false, layerParamError(spec, fmt.Sprintf("%s given both positionally and by keyword", name))
	case hasPos:
		return spec.Params[pos], true, nil
	case hasKw:
		return kw, true, nil
	default:
		return nil, false, nil
	}
}

func floatArgument(spec model.LayerSpec, pos int, name string, fallback float64) (float64, error) {
	raw, ok, err := argument(spec, pos, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return fallback, nil
	}
	v, ok := asFloat64(raw)
	if !ok {
		return 0, layerParamError(spec, fmt.Sprintf("%s must be a number, got %v", name, raw))
	}
	return v, nil
}

func layerParamError(spec model.LayerSpec, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrLayerParams, spec.Type, msg)
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}
