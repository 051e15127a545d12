package train

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Scaler standardizes feature vectors to zero mean and unit variance, fit on
// the training split only. Zero-variance dimensions are left centered.
type Scaler struct {
	Mean []float64
	Std  []float64
}

// FitScaler computes per-dimension mean and standard deviation.
func FitScaler(rows [][]float64) *Scaler {
	n := len(rows)
	dim := len(rows[0])

	mean := make([]float64, dim)
	for _, row := range rows {
		floats.Add(mean, row)
	}
	floats.Scale(1/float64(n), mean)

	variance := make([]float64, dim)
	for _, row := range rows {
		for j, v := range row {
			d := v - mean[j]
			variance[j] += d * d
		}
	}

	std := make([]float64, dim)
	for j := range std {
		std[j] = math.Sqrt(variance[j] / float64(n))
		if std[j] == 0 {
			std[j] = 1
		}
	}
	return &Scaler{Mean: mean, Std: std}
}

// Transform standardizes one vector.
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

// TransformAll standardizes a batch.
func (s *Scaler) TransformAll(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = s.Transform(row)
	}
	return out
}
