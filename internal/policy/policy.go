// Package policy turns bucket probabilities into three-way routing decisions
// and searches the threshold space for the policy maximizing win-per-dollar.
package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/bifrost-router/tuning/internal/config"
	"github.com/bifrost-router/tuning/internal/labeling"
)

// ErrNoFeasiblePolicy is returned when every sampled candidate violated the
// threshold ordering constraint.
var ErrNoFeasiblePolicy = errors.New("no feasible threshold policy found within trial budget")

// Policy is a three-parameter routing policy. Valid policies satisfy
// TauHard < TauCheap; Feasible reports that.
type Policy struct {
	Alpha    float64 `json:"alpha"`
	TauCheap float64 `json:"tau_cheap"`
	TauHard  float64 `json:"tau_hard"`
}

// Feasible reports whether the thresholds are consistently ordered.
func (p Policy) Feasible() bool {
	return p.TauHard < p.TauCheap
}

// Decide applies the routing rule to class probabilities
// (p_cheap, p_mid, p_hard). The hard check runs before the cheap check; that
// priority is intentional and must not be reordered.
func (p Policy) Decide(probs [3]float64) labeling.Label {
	if probs[2] > p.TauHard {
		return labeling.Hard
	}
	if probs[0] > p.TauCheap {
		return labeling.Cheap
	}
	return labeling.Mid
}

// ProbPredictor supplies class probabilities for a feature vector. The
// probabilities sum to 1 in the order (cheap, mid, hard).
type ProbPredictor interface {
	PredictProba(x []float64) [3]float64
}

// Optimizer searches (alpha, tau_cheap, tau_hard) for the best win-per-dollar
// on a validation set. The sampling strategy is plain seeded random search;
// only the objective, the decision rule and the reject-by-worst-score
// handling of infeasible candidates are contractual.
type Optimizer struct {
	cfg config.PolicyConfig
	rng *rand.Rand
}

// NewOptimizer creates an optimizer with a deterministic seed.
func NewOptimizer(cfg config.PolicyConfig, seed int64) *Optimizer {
	return &Optimizer{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Result is the best policy found and its objective value.
type Result struct {
	Policy Policy  `json:"policy"`
	Score  float64 `json:"win_per_dollar"`
	Trials int     `json:"trials"`
}

// Optimize runs the trial-budget search. Probabilities are computed once per
// validation sample and reused across trials. Infeasible candidates are
// evaluated and assigned -Inf rather than filtered, so a smarter sampler
// could be dropped in without learning the constraint. Ties break to the
// first-found candidate.
func (o *Optimizer) Optimize(ctx context.Context, pred ProbPredictor, x [][]float64, y []labeling.Label) (*Result, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, fmt.Errorf("validation set mismatch: %d features, %d labels", len(x), len(y))
	}

	probs := make([][3]float64, len(x))
	for i, row := range x {
		probs[i] = pred.PredictProba(row)
	}

	best := Result{Score: math.Inf(-1)}
	found := false

	for trial := 0; trial < o.cfg.Trials; trial++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cand := Policy{
			Alpha:    o.sample(o.cfg.AlphaMin, o.cfg.AlphaMax),
			TauCheap: o.sample(o.cfg.TauCheapMin, o.cfg.TauCheapMax),
			TauHard:  o.sample(o.cfg.TauHardMin, o.cfg.TauHardMax),
		}

		score := o.evaluate(cand, probs, y)
		if score > best.Score {
			best.Policy = cand
			best.Score = score
			found = true
		}
	}

	best.Trials = o.cfg.Trials
	if !found || !best.Policy.Feasible() {
		return nil, ErrNoFeasiblePolicy
	}

	logrus.WithFields(logrus.Fields{
		"alpha":     best.Policy.Alpha,
		"tau_cheap": best.Policy.TauCheap,
		"tau_hard":  best.Policy.TauHard,
		"score":     best.Score,
	}).Info("threshold optimization complete")

	return &best, nil
}

// evaluate scores a candidate over the validation set. Infeasible candidates
// get the worst possible score so they can never win a comparison.
func (o *Optimizer) evaluate(cand Policy, probs [][3]float64, y []labeling.Label) float64 {
	if !cand.Feasible() {
		return math.Inf(-1)
	}

	total := 0.0
	for i, p := range probs {
		total += o.sampleScore(cand.Decide(p), y[i], cand.Alpha)
	}
	return total / float64(len(probs))
}

// sampleScore computes one sample's win-per-dollar: predicted quality and
// cost from the fixed per-bucket constants, with directional penalties for
// routing away from the true label.
func (o *Optimizer) sampleScore(decision, truth labeling.Label, alpha float64) float64 {
	cost := o.cfg.BucketCosts[decision]
	quality := o.cfg.BucketQualities[decision]

	gap := int(decision) - int(truth)
	switch {
	case gap < 0: // under-routed: quality suffers
		quality -= float64(-gap) * o.cfg.UnderRoutePenalty
	case gap > 0: // over-routed: money wasted
		cost += float64(gap) * o.cfg.OverRoutePenalty
	}

	return alpha*quality - (1-alpha)*(cost/o.cfg.CostScale)
}

func (o *Optimizer) sample(lo, hi float64) float64 {
	return lo + o.rng.Float64()*(hi-lo)
}
