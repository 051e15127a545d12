package train

import (
	"encoding/json"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/bifrost-router/tuning/internal/labeling"
)

// centroidPredictor scores a standardized vector by its distance to each
// class centroid, turned into probabilities with a temperature softmax.
// Classes absent from the training data get probability zero.
type centroidPredictor struct {
	Centroids   [numClasses][]float64 `json:"centroids"`
	Present     [numClasses]bool      `json:"present"`
	Temperature float64               `json:"temperature"`
}

// fitCentroids computes per-class mean vectors with optional shrinkage
// toward the global mean, which regularizes classes with few samples.
func fitCentroids(scaled [][]float64, y []labeling.Label, params map[string]float64) *centroidPredictor {
	dim := len(scaled[0])

	global := make([]float64, dim)
	for _, row := range scaled {
		floats.Add(global, row)
	}
	floats.Scale(1/float64(len(scaled)), global)

	p := &centroidPredictor{Temperature: params["temperature"]}
	shrink := params["shrinkage"]

	for class := 0; class < numClasses; class++ {
		sum := make([]float64, dim)
		count := 0
		for i, row := range scaled {
			if int(y[i]) != class {
				continue
			}
			floats.Add(sum, row)
			count++
		}
		if count == 0 {
			continue
		}
		floats.Scale(1/float64(count), sum)
		for j := range sum {
			sum[j] = (1-shrink)*sum[j] + shrink*global[j]
		}
		p.Centroids[class] = sum
		p.Present[class] = true
	}
	return p
}

func (p *centroidPredictor) proba(scaled []float64) [3]float64 {
	var logits [3]float64
	maxLogit := math.Inf(-1)
	for class := 0; class < numClasses; class++ {
		if !p.Present[class] {
			logits[class] = math.Inf(-1)
			continue
		}
		logits[class] = -p.Temperature * floats.Distance(scaled, p.Centroids[class], 2)
		if logits[class] > maxLogit {
			maxLogit = logits[class]
		}
	}

	var out [3]float64
	if math.IsInf(maxLogit, -1) {
		return out
	}
	total := 0.0
	for class := range out {
		if math.IsInf(logits[class], -1) {
			continue
		}
		out[class] = math.Exp(logits[class] - maxLogit)
		total += out[class]
	}
	for class := range out {
		out[class] /= total
	}
	return out
}

func (p *centroidPredictor) marshal() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// importance scores each feature by the spread of the class centroids along
// that dimension, normalized to sum to 1. Features that do not separate the
// classes score zero.
func importance(p *centroidPredictor, featureNames []string) map[string]float64 {
	var present [][]float64
	for class := 0; class < numClasses; class++ {
		if p.Present[class] {
			present = append(present, p.Centroids[class])
		}
	}

	out := make(map[string]float64, len(featureNames))
	if len(present) < 2 {
		for _, name := range featureNames {
			out[name] = 0
		}
		return out
	}

	raw := make([]float64, len(featureNames))
	total := 0.0
	col := make([]float64, len(present))
	for j := range featureNames {
		for i, c := range present {
			col[i] = c[j]
		}
		raw[j] = stat.Variance(col, nil)
		total += raw[j]
	}

	for j, name := range featureNames {
		if total > 0 {
			out[name] = raw[j] / total
		} else {
			out[name] = 0
		}
	}
	return out
}
