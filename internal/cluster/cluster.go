// Package cluster hosts the clustering capability used by the tuning
// pipeline. The pipeline consumes only cluster assignments, centroids and a
// serialized index blob; the fitting algorithm itself is pluggable.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/bifrost-router/tuning/internal/config"
)

// FitResult carries a clustering outcome.
type FitResult struct {
	Labels    []int       // cluster id per input row
	Centroids [][]float64 // k rows in standardized embedding space
	Inertia   float64     // sum of squared distances to assigned centroids
}

// Clusterer fits k clusters on embedding vectors. Implementations must be
// safe for sequential reuse; the orchestrator never calls Fit concurrently
// for one job.
type Clusterer interface {
	Fit(ctx context.Context, embeddings [][]float64, k int) (*FitResult, error)
}

// KMeans is the reference Clusterer: standard Lloyd iterations over
// standardized embeddings, seeded for reproducibility.
type KMeans struct {
	MaxIterations int
	Seed          int64
}

// NewKMeans creates a k-means clusterer.
func NewKMeans(maxIterations int, seed int64) *KMeans {
	if maxIterations <= 0 {
		maxIterations = 300
	}
	return &KMeans{MaxIterations: maxIterations, Seed: seed}
}

// Fit clusters the embeddings into k groups.
func (km *KMeans) Fit(ctx context.Context, embeddings [][]float64, k int) (*FitResult, error) {
	n := len(embeddings)
	if n == 0 {
		return nil, errors.New("kmeans: no embeddings")
	}
	if k < 1 || k > n {
		return nil, fmt.Errorf("kmeans: k=%d out of range for %d samples", k, n)
	}

	scaled := standardize(embeddings)
	dim := len(scaled[0])
	rng := rand.New(rand.NewSource(km.Seed))

	// Initialize centroids from k distinct samples.
	centroids := make([][]float64, k)
	for i, idx := range rng.Perm(n)[:k] {
		centroids[i] = append([]float64(nil), scaled[idx]...)
	}

	labels := make([]int, n)
	var inertia float64

	for iter := 0; iter < km.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Assignment step.
		changed := false
		inertia = 0
		for i, row := range scaled {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				d := floats.Distance(row, centroid, 2)
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
			inertia += bestDist * bestDist
		}

		if !changed && iter > 0 {
			break
		}

		// Update step. Clusters that lose all members keep their centroid.
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, row := range scaled {
			floats.Add(sums[labels[i]], row)
			counts[labels[i]]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			centroids[c] = sums[c]
		}
	}

	logrus.WithFields(logrus.Fields{
		"k":       k,
		"samples": n,
		"inertia": inertia,
	}).Debug("kmeans fit complete")

	return &FitResult{Labels: labels, Centroids: centroids, Inertia: inertia}, nil
}

// AutoK picks a cluster count by scanning [cfg.KMin, cfg.KMax] on a bounded
// sample and taking the inertia-curve elbow (largest discrete second
// derivative).
func AutoK(ctx context.Context, c Clusterer, embeddings [][]float64, cfg config.ClusteringConfig, seed int64) (int, error) {
	sample := embeddings
	if cfg.MaxSamples > 0 && len(embeddings) > cfg.MaxSamples {
		rng := rand.New(rand.NewSource(seed))
		idx := rng.Perm(len(embeddings))[:cfg.MaxSamples]
		sample = make([][]float64, len(idx))
		for i, j := range idx {
			sample[i] = embeddings[j]
		}
	}

	kMax := cfg.KMax
	if kMax > len(sample) {
		kMax = len(sample)
	}
	if cfg.KMin > kMax {
		return 0, fmt.Errorf("auto-k: too few samples (%d) for k_min=%d", len(sample), cfg.KMin)
	}

	ks := make([]int, 0, kMax-cfg.KMin+1)
	inertias := make([]float64, 0, kMax-cfg.KMin+1)
	for k := cfg.KMin; k <= kMax; k++ {
		res, err := c.Fit(ctx, sample, k)
		if err != nil {
			return 0, fmt.Errorf("auto-k scan at k=%d: %w", k, err)
		}
		ks = append(ks, k)
		inertias = append(inertias, res.Inertia)
	}

	best := elbow(ks, inertias)
	logrus.WithField("k", best).Info("auto-selected cluster count")
	return best, nil
}

// elbow finds the knee of the inertia curve via the largest second
// derivative. Falls back to the middle of the range when the curve is too
// short to differentiate.
func elbow(ks []int, inertias []float64) int {
	if len(inertias) < 3 {
		return ks[0]
	}

	bestIdx, bestVal := -1, math.Inf(-1)
	for i := 1; i < len(inertias)-1; i++ {
		second := inertias[i+1] - 2*inertias[i] + inertias[i-1]
		if second > bestVal {
			bestIdx, bestVal = i, second
		}
	}
	if bestIdx < 0 {
		return ks[len(ks)/2]
	}
	return ks[bestIdx]
}

// standardize centers each dimension and scales it to unit variance.
// Dimensions with zero variance are left centered.
func standardize(rows [][]float64) [][]float64 {
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

	out := make([][]float64, n)
	for i, row := range rows {
		out[i] = make([]float64, dim)
		for j, v := range row {
			out[i][j] = (v - mean[j]) / std[j]
		}
	}
	return out
}
