package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Layer is one differentiable stage of a Block. Inputs and outputs are row
// batches (rows = samples).
type Layer interface {
	Kind() string
	Forward(in *mat.Dense) *mat.Dense
	// Backward accumulates parameter gradients for one recorded forward call
	// and returns the gradient with respect to that call's input.
	Backward(in, out, gradOut *mat.Dense) *mat.Dense
	Params() []*Param
}

// Linear computes in·Wᵀ + b with W shaped (out, in).
type Linear struct {
	in, out int
	weight  *Param
	bias    *Param
}

func NewLinear(in, out int, withBias bool, rng *rand.Rand) *Linear {
	bound := 1.0 / math.Sqrt(float64(in))
	uniform := func(n int) []float64 {
		data := make([]float64, n)
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * bound
		}
		return data
	}

	l := &Linear{
		in:     in,
		out:    out,
		weight: newParam("weight", out, in, uniform(out*in)),
	}
	if withBias {
		l.bias = newParam("bias", 1, out, uniform(out))
	}
	return l
}

func (l *Linear) Kind() string {
	return "linear"
}

func (l *Linear) Forward(in *mat.Dense) *mat.Dense {
	n, _ := in.Dims()
	var out mat.Dense
	out.Mul(in, l.weight.Value.T())
	if l.bias != nil {
		bias := l.bias.Value.RawRowView(0)
		for i := 0; i < n; i++ {
			floats.Add(out.RawRowView(i), bias)
		}
	}
	return &out
}

func (l *Linear) Backward(in, _ *mat.Dense, gradOut *mat.Dense) *mat.Dense {
	var gradW mat.Dense
	gradW.Mul(gradOut.T(), in)
	l.weight.accumulate(&gradW)

	if l.bias != nil {
		n, _ := gradOut.Dims()
		gradB := mat.NewDense(1, l.out, nil)
		row := gradB.RawRowView(0)
		for i := 0; i < n; i++ {
			floats.Add(row, gradOut.RawRowView(i))
		}
		l.bias.accumulate(gradB)
	}

	var gradIn mat.Dense
	gradIn.Mul(gradOut, l.weight.Value)
	return &gradIn
}

func (l *Linear) Params() []*Param {
	if l.bias == nil {
		return []*Param{l.weight}
	}
	return []*Param{l.weight, l.bias}
}

// Elementwise applies a parameter-free activation to every entry.
type Elementwise struct {
	kind string
	act  activation
}

func (e *Elementwise) Kind() string {
	return e.kind
}

func (e *Elementwise) Forward(in *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		return e.act.apply(v)
	}, in)
	return &out
}

func (e *Elementwise) Backward(in, out, gradOut *mat.Dense) *mat.Dense {
	var gradIn mat.Dense
	gradIn.Apply(func(i, j int, g float64) float64 {
		return g * e.act.derivative(in.At(i, j), out.At(i, j))
	}, gradOut)
	return &gradIn
}

func (e *Elementwise) Params() []*Param {
	return nil
}
