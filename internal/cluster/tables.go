package cluster

import (
	"github.com/bifrost-router/tuning/internal/labeling"
)

// Q-hat defaults: a model that never appears in a cluster gets a neutral
// score; one that appears but never succeeds is penalized hard.
const (
	qhatNoSamples = 0.5
	qhatNoSuccess = 0.2
	qhatFloor     = 0.1
)

// QualityTable computes the per-model per-cluster quality table (Q-hat):
// mean judge quality of successful requests, discounted by the model's
// success rate in that cluster, clamped to [0.1, 1.0].
func QualityTable(records []*labeling.LogRecord, assignments []int, k int, models []string) map[string][]float64 {
	type cell struct {
		qualitySum float64
		successes  int
		total      int
	}

	cells := make(map[string][]cell, len(models))
	for _, m := range models {
		cells[m] = make([]cell, k)
	}

	for i, rec := range records {
		c, ok := cells[rec.Decision.Model]
		if !ok {
			continue // model not in the requested set
		}
		cid := assignments[i]
		if cid < 0 || cid >= k {
			continue
		}
		c[cid].total++
		if rec.Metrics.Success {
			c[cid].successes++
			c[cid].qualitySum += rec.Metrics.QualityScore
		}
	}

	qhat := make(map[string][]float64, len(models))
	for _, m := range models {
		scores := make([]float64, k)
		for cid, c := range cells[m] {
			switch {
			case c.total == 0:
				scores[cid] = qhatNoSamples
			case c.successes == 0:
				scores[cid] = qhatNoSuccess
			default:
				avg := c.qualitySum / float64(c.successes)
				rate := float64(c.successes) / float64(c.total)
				scores[cid] = clamp(avg*rate, qhatFloor, 1.0)
			}
		}
		qhat[m] = scores
	}
	return qhat
}

// CostTable computes the normalized per-model cost table (c-hat): mean
// observed cost-per-million-tokens divided by costScale, clamped to [0, 1].
// Models absent from the logs fall back to the supplied defaults (or 0.5
// when no default is known either).
func CostTable(records []*labeling.LogRecord, models []string, defaults map[string]float64, costScale float64) map[string]float64 {
	sums := make(map[string]float64, len(models))
	counts := make(map[string]int, len(models))
	for _, rec := range records {
		m := rec.Decision.Model
		sums[m] += labeling.CostPerMillion(rec.Response.TotalCost, rec.Features.TokenCount)
		counts[m]++
	}

	chat := make(map[string]float64, len(models))
	for _, m := range models {
		if counts[m] > 0 {
			chat[m] = clamp(sums[m]/float64(counts[m])/costScale, 0, 1)
			continue
		}
		if d, ok := defaults[m]; ok {
			chat[m] = d
		} else {
			chat[m] = 0.5
		}
	}
	return chat
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
