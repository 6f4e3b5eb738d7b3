package nn

import "math"

// activation is an element-wise function together with its derivative. The
// derivative receives both the pre-activation input x and the output y so
// that tanh/sigmoid can reuse the forward result.
type activation struct {
	apply      func(x float64) float64
	derivative func(x, y float64) float64
}

func identityActivation() activation {
	return activation{
		apply:      func(x float64) float64 { return x },
		derivative: func(_, _ float64) float64 { return 1 },
	}
}

func reluActivation() activation {
	return leakyReLUActivation(0)
}

func leakyReLUActivation(slope float64) activation {
	return activation{
		apply: func(x float64) float64 {
			if x > 0 {
				return x
			}
			return slope * x
		},
		derivative: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return slope
		},
	}
}

func tanhActivation() activation {
	return activation{
		apply:      math.Tanh,
		derivative: func(_, y float64) float64 { return 1 - (y * y) },
	}
}

func sigmoidActivation() activation {
	return activation{
		apply:      func(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) },
		derivative: func(_, y float64) float64 { return y * (1 - y) },
	}
}

func eluActivation(alpha float64) activation {
	return activation{
		apply: func(x float64) float64 {
			if x > 0 {
				return x
			}
			return alpha * (math.Exp(x) - 1)
		},
		derivative: func(x, y float64) float64 {
			if x > 0 {
				return 1
			}
			// d/dx alpha*(e^x - 1) = y + alpha
			return y + alpha
		},
	}
}
