package runner

import "earl/internal/nn"

// initialLastLog makes the first generation of every run evaluate.
const initialLastLog = -9999999

// RunContext is the mutable state of one training run. A fresh context is
// created per run and threaded through every step of it.
type RunContext struct {
	RunIndex    int
	RunID       string
	Device      nn.Device
	Seed        int64
	Generation  int
	Timesteps   int
	LastLog     int
	StopCounter int
	// Installs counts head populations written back into the network.
	Installs    int
	Evaluations int
	TestFitness float64
	Stopped     bool
}

func newRunContext(runIndex int, seed int64, device nn.Device) *RunContext {
	return &RunContext{
		RunIndex: runIndex,
		Device:   device,
		Seed:     seed,
		LastLog:  initialLastLog,
	}
}

// dueForEvaluation reports whether enough timesteps passed since the last
// evaluation or the budget was exceeded.
func (rc *RunContext) dueForEvaluation(logInterval, budget int) bool {
	return rc.Timesteps-rc.LastLog >= logInterval || rc.Timesteps > budget
}

func (rc *RunContext) overBudget(budget int) bool {
	return rc.Timesteps > budget
}
