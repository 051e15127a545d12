// Package train hosts the classifier-training capability: cross-validated
// fitting of a 3-class bucket classifier with hyperparameter search over
// validation log-loss. The training algorithm is pluggable; the pipeline
// consumes only the trained model, its probability predictions and its CV
// metrics.
package train

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/bifrost-router/tuning/internal/labeling"
)

const numClasses = 3

// Options controls one training run.
type Options struct {
	CVFolds             int
	Trials              int // hyperparameter search budget
	OptimizeHyperparams bool
	Seed                int64
}

// Metrics summarizes a cross-validated training run.
type Metrics struct {
	FoldLogLoss  []float64 `json:"fold_log_loss"`
	CVMean       float64   `json:"cv_mean"`
	CVStd        float64   `json:"cv_std"`
	TestAccuracy float64   `json:"test_accuracy"`
	TestLogLoss  float64   `json:"test_log_loss"`
	NSamples     int       `json:"n_samples"`
}

// Model is a trained bucket classifier plus everything the artifact needs:
// serialized blobs, feature schema, hyperparameters and metrics.
type Model struct {
	Framework    string
	FeatureNames []string
	Hyperparams  map[string]float64
	Importance   map[string]float64
	Metrics      Metrics

	scaler    *Scaler
	predictor predictor
}

// predictor operates on already-standardized feature vectors.
type predictor interface {
	proba(scaled []float64) [3]float64
	marshal() ([]byte, error)
}

// PredictProba returns (p_cheap, p_mid, p_hard) for a raw feature vector.
// The probabilities are renormalized to sum to exactly 1.
func (m *Model) PredictProba(x []float64) [3]float64 {
	p := m.predictor.proba(m.scaler.Transform(x))

	total := p[0] + p[1] + p[2]
	if total <= 0 {
		return [3]float64{1.0 / 3, 1.0 / 3, 1.0 / 3}
	}
	for i := range p {
		p[i] /= total
	}
	return p
}

// ModelBlob serializes the fitted classifier.
func (m *Model) ModelBlob() ([]byte, error) {
	return m.predictor.marshal()
}

// PreprocessorBlob serializes the feature scaler and schema.
func (m *Model) PreprocessorBlob() ([]byte, error) {
	return json.Marshal(struct {
		Mean         []float64 `json:"mean"`
		Std          []float64 `json:"std"`
		FeatureNames []string  `json:"feature_names"`
	}{m.scaler.Mean, m.scaler.Std, m.FeatureNames})
}

// Trainer fits a bucket classifier. Implementations must be deterministic
// for a fixed Options.Seed.
type Trainer interface {
	Train(ctx context.Context, x [][]float64, y []labeling.Label, featureNames []string, opts Options) (*Model, error)
}

// CentroidSoftmax is the reference Trainer: per-class centroids in
// standardized feature space, probabilities from a distance softmax.
// Deterministic and dependency-light; a production deployment substitutes a
// boosted-tree binding behind the same interface.
type CentroidSoftmax struct{}

// Default hyperparameter space for the reference trainer.
var (
	defaultHyperparams = map[string]float64{
		"temperature": 1.0,
		"shrinkage":   0.1,
	}
	temperatureRange = [2]float64{0.1, 10.0} // log-uniform
	shrinkageRange   = [2]float64{0.0, 0.9}
)

// Train runs optional hyperparameter search, cross-validates the chosen
// parameters and fits the final model on the full set.
func (c *CentroidSoftmax) Train(ctx context.Context, x [][]float64, y []labeling.Label, featureNames []string, opts Options) (*Model, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, fmt.Errorf("training set mismatch: %d features, %d labels", len(x), len(y))
	}
	if opts.CVFolds < 2 {
		return nil, errors.New("cv folds must be at least 2")
	}
	if len(x) < opts.CVFolds {
		return nil, fmt.Errorf("%d samples cannot fill %d folds", len(x), opts.CVFolds)
	}

	params := copyParams(defaultHyperparams)
	if opts.OptimizeHyperparams && opts.Trials > 0 {
		best, err := c.searchHyperparams(ctx, x, y, opts)
		if err != nil {
			return nil, err
		}
		params = best
	}

	foldScores, err := c.crossValidate(ctx, x, y, params, opts)
	if err != nil {
		return nil, err
	}

	scaler := FitScaler(x)
	pred := fitCentroids(scaler.TransformAll(x), y, params)

	model := &Model{
		Framework:    "centroid-softmax",
		FeatureNames: featureNames,
		Hyperparams:  params,
		Importance:   importance(pred, featureNames),
		scaler:       scaler,
		predictor:    pred,
	}

	// In-sample evaluation of the final fit.
	correct := 0
	logLossSum := 0.0
	for i, row := range x {
		p := model.PredictProba(row)
		if argmax(p) == int(y[i]) {
			correct++
		}
		logLossSum += -math.Log(math.Max(p[y[i]], 1e-15))
	}

	model.Metrics = Metrics{
		FoldLogLoss:  foldScores,
		CVMean:       stat.Mean(foldScores, nil),
		CVStd:        stat.StdDev(foldScores, nil),
		TestAccuracy: float64(correct) / float64(len(x)),
		TestLogLoss:  logLossSum / float64(len(x)),
		NSamples:     len(x),
	}

	logrus.WithFields(logrus.Fields{
		"samples":  len(x),
		"cv_mean":  model.Metrics.CVMean,
		"accuracy": model.Metrics.TestAccuracy,
	}).Info("classifier training complete")

	return model, nil
}

// searchHyperparams random-samples the parameter space minimizing mean CV
// validation log-loss.
func (c *CentroidSoftmax) searchHyperparams(ctx context.Context, x [][]float64, y []labeling.Label, opts Options) (map[string]float64, error) {
	rng := rand.New(rand.NewSource(opts.Seed))

	best := copyParams(defaultHyperparams)
	bestScore := math.Inf(1)

	for trial := 0; trial < opts.Trials; trial++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cand := map[string]float64{
			"temperature": logUniform(rng, temperatureRange[0], temperatureRange[1]),
			"shrinkage":   shrinkageRange[0] + rng.Float64()*(shrinkageRange[1]-shrinkageRange[0]),
		}

		scores, err := c.crossValidate(ctx, x, y, cand, opts)
		if err != nil {
			return nil, err
		}
		mean := stat.Mean(scores, nil)
		if mean < bestScore {
			best, bestScore = cand, mean
		}
	}

	logrus.WithFields(logrus.Fields{
		"log_loss":    bestScore,
		"temperature": best["temperature"],
		"shrinkage":   best["shrinkage"],
	}).Info("hyperparameter search complete")

	return best, nil
}

// crossValidate returns the validation log-loss per stratified fold.
func (c *CentroidSoftmax) crossValidate(ctx context.Context, x [][]float64, y []labeling.Label, params map[string]float64, opts Options) ([]float64, error) {
	folds := stratifiedFolds(y, opts.CVFolds, opts.Seed)
	scores := make([]float64, 0, opts.CVFolds)

	for f := 0; f < opts.CVFolds; f++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var trainX [][]float64
		var trainY []labeling.Label
		var valX [][]float64
		var valY []labeling.Label
		for i := range x {
			if folds[i] == f {
				valX = append(valX, x[i])
				valY = append(valY, y[i])
			} else {
				trainX = append(trainX, x[i])
				trainY = append(trainY, y[i])
			}
		}
		if len(valX) == 0 || len(trainX) == 0 {
			continue
		}

		scaler := FitScaler(trainX)
		pred := fitCentroids(scaler.TransformAll(trainX), trainY, params)

		loss := 0.0
		for i, row := range valX {
			p := normalize(pred.proba(scaler.Transform(row)))
			loss += -math.Log(math.Max(p[valY[i]], 1e-15))
		}
		scores = append(scores, loss/float64(len(valX)))
	}

	if len(scores) == 0 {
		return nil, errors.New("cross-validation produced no folds")
	}
	return scores, nil
}

// stratifiedFolds assigns each sample a fold, round-robin within its class
// after a seeded shuffle, so every fold sees every class where possible.
func stratifiedFolds(y []labeling.Label, k int, seed int64) []int {
	rng := rand.New(rand.NewSource(seed))

	byClass := make(map[labeling.Label][]int)
	for i, label := range y {
		byClass[label] = append(byClass[label], i)
	}

	folds := make([]int, len(y))
	for _, class := range []labeling.Label{labeling.Cheap, labeling.Mid, labeling.Hard} {
		idx := byClass[class]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for pos, i := range idx {
			folds[i] = pos % k
		}
	}
	return folds
}

func normalize(p [3]float64) [3]float64 {
	total := p[0] + p[1] + p[2]
	if total <= 0 {
		return [3]float64{1.0 / 3, 1.0 / 3, 1.0 / 3}
	}
	for i := range p {
		p[i] /= total
	}
	return p
}

func argmax(p [3]float64) int {
	best := 0
	for i := 1; i < numClasses; i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}

func copyParams(src map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func logUniform(rng *rand.Rand, lo, hi float64) float64 {
	return math.Exp(math.Log(lo) + rng.Float64()*(math.Log(hi)-math.Log(lo)))
}
