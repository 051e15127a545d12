package policy

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-router/tuning/internal/config"
	"github.com/bifrost-router/tuning/internal/labeling"
)

func TestDecideRule(t *testing.T) {
	p := Policy{Alpha: 0.6, TauCheap: 0.65, TauHard: 0.55}

	assert.Equal(t, labeling.Cheap, p.Decide([3]float64{0.7, 0.2, 0.1}))
	assert.Equal(t, labeling.Hard, p.Decide([3]float64{0.1, 0.2, 0.7}))
	assert.Equal(t, labeling.Mid, p.Decide([3]float64{0.4, 0.4, 0.2}))
}

func TestDecideHardBeforeCheap(t *testing.T) {
	// Both thresholds exceeded: the hard check must win.
	p := Policy{TauCheap: 0.3, TauHard: 0.2}
	assert.Equal(t, labeling.Hard, p.Decide([3]float64{0.5, 0.1, 0.4}))
}

func TestFeasible(t *testing.T) {
	assert.True(t, Policy{TauCheap: 0.65, TauHard: 0.55}.Feasible())
	assert.False(t, Policy{TauCheap: 0.55, TauHard: 0.55}.Feasible())
	assert.False(t, Policy{TauCheap: 0.5, TauHard: 0.6}.Feasible())
}

// fixedPredictor returns canned probabilities per sample index, keyed by the
// first feature value.
type fixedPredictor struct {
	probs map[float64][3]float64
}

func (f *fixedPredictor) PredictProba(x []float64) [3]float64 {
	return f.probs[x[0]]
}

func TestOptimizeNeverReturnsInfeasiblePolicy(t *testing.T) {
	cfg := config.Default().Policy
	cfg.Trials = 500

	pred := &fixedPredictor{probs: map[float64][3]float64{
		0: {0.8, 0.1, 0.1},
		1: {0.1, 0.8, 0.1},
		2: {0.1, 0.1, 0.8},
	}}
	x := [][]float64{{0}, {1}, {2}}
	y := []labeling.Label{labeling.Cheap, labeling.Mid, labeling.Hard}

	for seed := int64(0); seed < 10; seed++ {
		res, err := NewOptimizer(cfg, seed).Optimize(context.Background(), pred, x, y)
		require.NoError(t, err)
		assert.True(t, res.Policy.TauHard < res.Policy.TauCheap,
			"seed %d produced tau_hard=%v >= tau_cheap=%v", seed, res.Policy.TauHard, res.Policy.TauCheap)
		assert.False(t, math.IsInf(res.Score, -1))
	}
}

func TestOptimizeIsDeterministicPerSeed(t *testing.T) {
	cfg := config.Default().Policy
	cfg.Trials = 50

	pred := &fixedPredictor{probs: map[float64][3]float64{0: {0.7, 0.2, 0.1}}}
	x := [][]float64{{0}}
	y := []labeling.Label{labeling.Cheap}

	a, err := NewOptimizer(cfg, 7).Optimize(context.Background(), pred, x, y)
	require.NoError(t, err)
	b, err := NewOptimizer(cfg, 7).Optimize(context.Background(), pred, x, y)
	require.NoError(t, err)

	assert.Equal(t, a.Policy, b.Policy)
	assert.Equal(t, a.Score, b.Score)
}

func TestOptimizeRejectsEmptyValidationSet(t *testing.T) {
	cfg := config.Default().Policy
	_, err := NewOptimizer(cfg, 1).Optimize(context.Background(), &fixedPredictor{}, nil, nil)
	assert.Error(t, err)
}

func TestSampleScorePenalties(t *testing.T) {
	cfg := config.Default().Policy
	o := NewOptimizer(cfg, 1)
	alpha := 0.5

	// Exact routing: no penalty.
	exact := o.sampleScore(labeling.Mid, labeling.Mid, alpha)
	want := alpha*cfg.BucketQualities[1] - (1-alpha)*cfg.BucketCosts[1]/cfg.CostScale
	assert.InDelta(t, want, exact, 1e-12)

	// Under-routing by two ordinals cuts quality by 2*0.2.
	under := o.sampleScore(labeling.Cheap, labeling.Hard, alpha)
	wantUnder := alpha*(cfg.BucketQualities[0]-2*cfg.UnderRoutePenalty) -
		(1-alpha)*cfg.BucketCosts[0]/cfg.CostScale
	assert.InDelta(t, wantUnder, under, 1e-12)

	// Over-routing by two ordinals adds 2*2.0 to cost.
	over := o.sampleScore(labeling.Hard, labeling.Cheap, alpha)
	wantOver := alpha*cfg.BucketQualities[2] -
		(1-alpha)*(cfg.BucketCosts[2]+2*cfg.OverRoutePenalty)/cfg.CostScale
	assert.InDelta(t, wantOver, over, 1e-12)
}

func TestEvaluateInfeasibleIsWorstScore(t *testing.T) {
	cfg := config.Default().Policy
	o := NewOptimizer(cfg, 1)

	score := o.evaluate(Policy{Alpha: 0.5, TauCheap: 0.4, TauHard: 0.6},
		[][3]float64{{1, 0, 0}}, []labeling.Label{labeling.Cheap})
	assert.True(t, math.IsInf(score, -1))
}

func TestOptimizeHonorsContextCancellation(t *testing.T) {
	cfg := config.Default().Policy
	cfg.Trials = 1000000

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pred := &fixedPredictor{probs: map[float64][3]float64{0: {0.7, 0.2, 0.1}}}
	_, err := NewOptimizer(cfg, 1).Optimize(ctx, pred, [][]float64{{0}}, []labeling.Label{labeling.Cheap})
	assert.ErrorIs(t, err, context.Canceled)
}
