package nn

import "math"

// Adam keeps first/second moment estimates per bound parameter slot. Only the
// slots passed to NewAdam are ever stepped.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	arena *ParamArena
	slots []int
	m     map[int][]float64
	v     map[int][]float64
	steps map[int]int
}

func NewAdam(arena *ParamArena, slots []int, lr float64) *Adam {
	return &Adam{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		arena:        arena,
		slots:        append([]int(nil), slots...),
		m:            make(map[int][]float64, len(slots)),
		v:            make(map[int][]float64, len(slots)),
		steps:        make(map[int]int, len(slots)),
	}
}

// Step applies one update to every bound slot with a present gradient.
// Slots without a gradient keep their parameters and moments untouched.
func (a *Adam) Step() {
	for _, slot := range a.slots {
		p := a.arena.Slot(slot)
		if p.Grad == nil {
			continue
		}
		value := p.Value.RawMatrix()
		grad := p.Grad.RawMatrix()
		n := value.Rows * value.Cols

		m, ok := a.m[slot]
		if !ok {
			m = make([]float64, n)
			a.m[slot] = m
			a.v[slot] = make([]float64, n)
		}
		v := a.v[slot]
		a.steps[slot]++
		t := float64(a.steps[slot])
		correction1 := 1 - math.Pow(a.Beta1, t)
		correction2 := 1 - math.Pow(a.Beta2, t)

		for r := 0; r < value.Rows; r++ {
			for c := 0; c < value.Cols; c++ {
				k := r*value.Cols + c
				g := grad.Data[r*grad.Stride+c]
				m[k] = a.Beta1*m[k] + (1-a.Beta1)*g
				v[k] = a.Beta2*v[k] + (1-a.Beta2)*g*g
				mHat := m[k] / correction1
				vHat := v[k] / correction2
				value.Data[r*value.Stride+c] -= a.LearningRate * mHat / (math.Sqrt(vHat) + a.Epsilon)
			}
		}
	}
}

// Moments exposes the first moment of a slot, or nil before its first step.
func (a *Adam) Moments(slot int) []float64 {
	return a.m[slot]
}
