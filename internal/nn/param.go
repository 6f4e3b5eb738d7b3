package nn

import "gonum.org/v1/gonum/mat"

// Param is one trainable tensor. Value is overwritten in place and never
// reallocated after construction, so a *Param stays valid for the lifetime of
// the network that owns it.
type Param struct {
	Name  string
	Value *mat.Dense
	// Grad is nil until a backward pass reaches the parameter.
	Grad *mat.Dense
}

func newParam(name string, rows, cols int, data []float64) *Param {
	return &Param{Name: name, Value: mat.NewDense(rows, cols, data)}
}

func (p *Param) Dims() (int, int) {
	return p.Value.Dims()
}

// ZeroGrad marks the gradient absent.
func (p *Param) ZeroGrad() {
	p.Grad = nil
}

func (p *Param) accumulate(g mat.Matrix) {
	if p.Grad == nil {
		r, c := p.Value.Dims()
		p.Grad = mat.NewDense(r, c, nil)
	}
	p.Grad.Add(p.Grad, g)
}

// ParamArena hands out index-stable slots for parameters. Slot numbers are
// assigned once at construction and are what the optimizer keys its state by.
type ParamArena struct {
	slots []*Param
}

func (a *ParamArena) add(params ...*Param) []int {
	ids := make([]int, 0, len(params))
	for _, p := range params {
		ids = append(ids, len(a.slots))
		a.slots = append(a.slots, p)
	}
	return ids
}

func (a *ParamArena) Slot(i int) *Param {
	return a.slots[i]
}

func (a *ParamArena) Len() int {
	return len(a.slots)
}
