package stats

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// CurvePoint aggregates the k-th logged test fitness of every run that
// reached k evaluations.
type CurvePoint struct {
	Index int     `json:"index"`
	Runs  int     `json:"runs"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Max   float64 `json:"max"`
}

// BuildCurve walks the runs' series in lockstep until every series is
// exhausted. Shorter runs drop out of later points.
func BuildCurve(lists [][]float64) []CurvePoint {
	points := make([]CurvePoint, 0, 128)
	for index := 0; ; index++ {
		values := make([]float64, 0, len(lists))
		for _, list := range lists {
			if index < len(list) {
				values = append(values, list[index])
			}
		}
		if len(values) == 0 {
			break
		}
		mean, std := stat.PopMeanStdDev(values, nil)
		points = append(points, CurvePoint{
			Index: index,
			Runs:  len(values),
			Mean:  mean,
			Std:   std,
			Max:   floats.Max(values),
		})
	}
	return points
}
