package train

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-router/tuning/internal/labeling"
)

// separable builds n samples per class around distinct 4-d centers.
func separable(perClass int, seed int64) ([][]float64, []labeling.Label) {
	centers := [][]float64{
		{0, 0, 0, 0},
		{5, 5, 0, 0},
		{0, 0, 5, 5},
	}
	rng := rand.New(rand.NewSource(seed))

	var x [][]float64
	var y []labeling.Label
	for class, center := range centers {
		for i := 0; i < perClass; i++ {
			row := make([]float64, len(center))
			for j := range row {
				row[j] = center[j] + rng.NormFloat64()*0.4
			}
			x = append(x, row)
			y = append(y, labeling.Label(class))
		}
	}
	return x, y
}

func testOpts() Options {
	return Options{CVFolds: 3, Seed: 42}
}

func TestTrainSeparatesClasses(t *testing.T) {
	x, y := separable(30, 1)

	model, err := new(CentroidSoftmax).Train(context.Background(), x, y, []string{"a", "b", "c", "d"}, testOpts())
	require.NoError(t, err)

	assert.Greater(t, model.Metrics.TestAccuracy, 0.95)
	assert.Len(t, model.Metrics.FoldLogLoss, 3)
	assert.False(t, math.IsNaN(model.Metrics.CVMean))
	assert.Equal(t, 90, model.Metrics.NSamples)

	p := model.PredictProba([]float64{5, 5, 0, 0})
	assert.InDelta(t, 1.0, p[0]+p[1]+p[2], 1e-9)
	assert.Equal(t, 1, argmax(p))
}

func TestTrainDeterministicPerSeed(t *testing.T) {
	x, y := separable(20, 2)
	opts := testOpts()
	opts.OptimizeHyperparams = true
	opts.Trials = 5

	a, err := new(CentroidSoftmax).Train(context.Background(), x, y, []string{"a", "b", "c", "d"}, opts)
	require.NoError(t, err)
	b, err := new(CentroidSoftmax).Train(context.Background(), x, y, []string{"a", "b", "c", "d"}, opts)
	require.NoError(t, err)

	assert.Equal(t, a.Hyperparams, b.Hyperparams)
	assert.Equal(t, a.Metrics, b.Metrics)

	probe := []float64{1, 2, 3, 4}
	assert.Equal(t, a.PredictProba(probe), b.PredictProba(probe))
}

func TestTrainMissingClassGetsZeroProbability(t *testing.T) {
	x, y := separable(20, 3)

	// Drop every hard sample.
	var x2 [][]float64
	var y2 []labeling.Label
	for i := range x {
		if y[i] != labeling.Hard {
			x2 = append(x2, x[i])
			y2 = append(y2, y[i])
		}
	}

	model, err := new(CentroidSoftmax).Train(context.Background(), x2, y2, []string{"a", "b", "c", "d"}, testOpts())
	require.NoError(t, err)

	p := model.PredictProba([]float64{0, 0, 5, 5})
	assert.Zero(t, p[labeling.Hard])
	assert.InDelta(t, 1.0, p[0]+p[1]+p[2], 1e-9)
}

func TestTrainRejectsBadInput(t *testing.T) {
	x, y := separable(5, 4)
	trainer := new(CentroidSoftmax)

	_, err := trainer.Train(context.Background(), nil, nil, nil, testOpts())
	assert.Error(t, err)

	_, err = trainer.Train(context.Background(), x, y[:3], nil, testOpts())
	assert.Error(t, err)

	_, err = trainer.Train(context.Background(), x, y, nil, Options{CVFolds: 1, Seed: 1})
	assert.Error(t, err)

	_, err = trainer.Train(context.Background(), x[:3], y[:3], nil, Options{CVFolds: 10, Seed: 1})
	assert.Error(t, err)
}

func TestTrainHonorsCancellation(t *testing.T) {
	x, y := separable(30, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := testOpts()
	opts.OptimizeHyperparams = true
	opts.Trials = 50

	_, err := new(CentroidSoftmax).Train(ctx, x, y, nil, opts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHyperparamSearchStaysInRange(t *testing.T) {
	x, y := separable(20, 6)
	opts := testOpts()
	opts.OptimizeHyperparams = true
	opts.Trials = 10

	model, err := new(CentroidSoftmax).Train(context.Background(), x, y, nil, opts)
	require.NoError(t, err)

	temp := model.Hyperparams["temperature"]
	assert.GreaterOrEqual(t, temp, temperatureRange[0])
	assert.LessOrEqual(t, temp, temperatureRange[1])

	shrink := model.Hyperparams["shrinkage"]
	assert.GreaterOrEqual(t, shrink, shrinkageRange[0])
	assert.LessOrEqual(t, shrink, shrinkageRange[1])
}

func TestModelBlobsRoundTrip(t *testing.T) {
	x, y := separable(15, 7)
	names := []string{"a", "b", "c", "d"}

	model, err := new(CentroidSoftmax).Train(context.Background(), x, y, names, testOpts())
	require.NoError(t, err)

	blob, err := model.ModelBlob()
	require.NoError(t, err)
	var back centroidPredictor
	require.NoError(t, json.Unmarshal(blob, &back))
	assert.Equal(t, model.Hyperparams["temperature"], back.Temperature)

	pre, err := model.PreprocessorBlob()
	require.NoError(t, err)
	var scaler struct {
		Mean         []float64 `json:"mean"`
		Std          []float64 `json:"std"`
		FeatureNames []string  `json:"feature_names"`
	}
	require.NoError(t, json.Unmarshal(pre, &scaler))
	assert.Equal(t, names, scaler.FeatureNames)
	assert.Len(t, scaler.Mean, 4)
}

func TestImportanceSumsToOne(t *testing.T) {
	x, y := separable(20, 8)
	names := []string{"a", "b", "c", "d"}

	model, err := new(CentroidSoftmax).Train(context.Background(), x, y, names, testOpts())
	require.NoError(t, err)

	total := 0.0
	for _, name := range names {
		total += model.Importance[name]
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestScalerZeroVariance(t *testing.T) {
	s := FitScaler([][]float64{{1, 5}, {3, 5}})
	out := s.Transform([]float64{2, 5})
	assert.InDelta(t, 0, out[0], 1e-9)
	assert.InDelta(t, 0, out[1], 1e-9)
}
