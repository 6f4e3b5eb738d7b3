package nn

import "gonum.org/v1/gonum/mat"

// Block is an ordered stack of layers applied left to right.
type Block struct {
	layers []Layer
}

// blockTrace holds the activations of one forward call: entry 0 is the block
// input and entry i+1 the output of layer i.
type blockTrace []*mat.Dense

func (b *Block) Params() []*Param {
	var params []*Param
	for _, layer := range b.layers {
		params = append(params, layer.Params()...)
	}
	return params
}

func (b *Block) forward(in *mat.Dense) (*mat.Dense, blockTrace) {
	trace := make(blockTrace, 0, len(b.layers)+1)
	trace = append(trace, in)
	x := in
	for _, layer := range b.layers {
		x = layer.Forward(x)
		trace = append(trace, x)
	}
	return x, trace
}

func (b *Block) backward(trace blockTrace, gradOut *mat.Dense) *mat.Dense {
	grad := gradOut
	for i := len(b.layers) - 1; i >= 0; i-- {
		grad = b.layers[i].Backward(trace[i], trace[i+1], grad)
	}
	return grad
}

// checkWidths walks the Linear layers of the block starting from width in and
// returns the resulting width.
func (b *Block) checkWidths(in int) (int, int, bool) {
	width := in
	for i, layer := range b.layers {
		l, ok := layer.(*Linear)
		if !ok {
			continue
		}
		if l.in != width {
			return i, width, false
		}
		width = l.out
	}
	return -1, width, true
}
