package cluster

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-router/tuning/internal/config"
	"github.com/bifrost-router/tuning/internal/labeling"
)

// threeBlobs builds n points around three well-separated centers.
func threeBlobs(n int, seed int64) ([][]float64, []int) {
	centers := [][]float64{{0, 0}, {10, 10}, {-10, 10}}
	rng := rand.New(rand.NewSource(seed))

	points := make([][]float64, n)
	truth := make([]int, n)
	for i := range points {
		c := i % 3
		truth[i] = c
		points[i] = []float64{
			centers[c][0] + rng.NormFloat64()*0.3,
			centers[c][1] + rng.NormFloat64()*0.3,
		}
	}
	return points, truth
}

func TestKMeansSeparatesBlobs(t *testing.T) {
	points, truth := threeBlobs(150, 1)

	res, err := NewKMeans(100, 42).Fit(context.Background(), points, 3)
	require.NoError(t, err)
	require.Len(t, res.Labels, 150)
	require.Len(t, res.Centroids, 3)

	// All points sharing a true blob must share a fitted cluster.
	for blob := 0; blob < 3; blob++ {
		var want = -1
		for i, l := range res.Labels {
			if truth[i] != blob {
				continue
			}
			if want == -1 {
				want = l
			}
			assert.Equal(t, want, l, "point %d left its blob", i)
		}
	}
}

func TestKMeansDeterministicPerSeed(t *testing.T) {
	points, _ := threeBlobs(60, 2)

	a, err := NewKMeans(100, 7).Fit(context.Background(), points, 3)
	require.NoError(t, err)
	b, err := NewKMeans(100, 7).Fit(context.Background(), points, 3)
	require.NoError(t, err)

	assert.Equal(t, a.Labels, b.Labels)
	assert.InDelta(t, a.Inertia, b.Inertia, 1e-9)
}

func TestKMeansRejectsBadInput(t *testing.T) {
	km := NewKMeans(10, 1)

	_, err := km.Fit(context.Background(), nil, 3)
	assert.Error(t, err)

	points, _ := threeBlobs(5, 1)
	_, err = km.Fit(context.Background(), points, 10)
	assert.Error(t, err)

	_, err = km.Fit(context.Background(), points, 0)
	assert.Error(t, err)
}

func TestAutoKFindsElbow(t *testing.T) {
	points, _ := threeBlobs(300, 3)

	cfg := config.Default().Clustering
	cfg.KMin = 2
	cfg.KMax = 8
	cfg.MaxSamples = 0

	k, err := AutoK(context.Background(), NewKMeans(50, 42), points, cfg, 42)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, k, 2)
	assert.LessOrEqual(t, k, 8)
}

func TestElbowOnSyntheticCurve(t *testing.T) {
	// Sharp knee at k=4: steep drop then flat.
	ks := []int{2, 3, 4, 5, 6}
	inertias := []float64{1000, 600, 200, 180, 170}
	assert.Equal(t, 4, elbow(ks, inertias))

	// Too short to differentiate: first k.
	assert.Equal(t, 2, elbow([]int{2, 3}, []float64{100, 50}))
}

func TestIndexRoundTrip(t *testing.T) {
	centroids := [][]float64{{1.5, -2.25, 0}, {0.125, 3, 4.5}}

	blob, err := BuildIndex(centroids)
	require.NoError(t, err)

	back, err := ParseIndex(blob)
	require.NoError(t, err)
	require.Len(t, back, 2)
	for i := range centroids {
		for j := range centroids[i] {
			assert.InDelta(t, centroids[i][j], back[i][j], 1e-6)
		}
	}
}

func TestIndexRejectsGarbage(t *testing.T) {
	_, err := BuildIndex(nil)
	assert.Error(t, err)

	_, err = ParseIndex([]byte("not an index"))
	assert.Error(t, err)

	blob, err := BuildIndex([][]float64{{1, 2}})
	require.NoError(t, err)
	_, err = ParseIndex(blob[:len(blob)-3])
	assert.Error(t, err)

	_, err = BuildIndex([][]float64{{1, 2}, {1, 2, 3}})
	assert.Error(t, err)
}

func rec(model string, success bool, quality float64) *labeling.LogRecord {
	return &labeling.LogRecord{
		Decision: labeling.RecordDecision{Model: model},
		Metrics:  labeling.RecordMetrics{Success: success, QualityScore: quality},
	}
}

func TestQualityTable(t *testing.T) {
	records := []*labeling.LogRecord{
		rec("m1", true, 0.8),  // cluster 0
		rec("m1", true, 0.6),  // cluster 0
		rec("m1", false, 0.9), // cluster 0: failure discounts the rate
		rec("m2", false, 0.5), // cluster 0: never succeeds
		rec("m1", true, 0.9),  // cluster 1
	}
	assignments := []int{0, 0, 0, 0, 1}

	qhat := QualityTable(records, assignments, 2, []string{"m1", "m2", "m3"})

	// m1 cluster 0: mean(0.8,0.6)=0.7 quality, success rate 2/3.
	assert.InDelta(t, 0.7*(2.0/3.0), qhat["m1"][0], 1e-9)
	assert.InDelta(t, 0.9, qhat["m1"][1], 1e-9)

	// m2 appears in cluster 0 with zero successes; absent from cluster 1.
	assert.Equal(t, qhatNoSuccess, qhat["m2"][0])
	assert.Equal(t, qhatNoSamples, qhat["m2"][1])

	// m3 never appears anywhere.
	assert.Equal(t, []float64{qhatNoSamples, qhatNoSamples}, qhat["m3"])
}

func TestCostTable(t *testing.T) {
	mk := func(model string, costPerM float64) *labeling.LogRecord {
		r := rec(model, true, 0.9)
		r.Features.TokenCount = 1_000_000
		r.Response.TotalCost = costPerM
		return r
	}

	records := []*labeling.LogRecord{mk("m1", 4.0), mk("m1", 6.0), mk("huge", 500)}
	defaults := map[string]float64{"m2": 0.35}

	chat := CostTable(records, []string{"m1", "m2", "m3", "huge"}, defaults, 20.0)

	assert.InDelta(t, 0.25, chat["m1"], 1e-9) // mean 5.0 / 20
	assert.Equal(t, 0.35, chat["m2"])         // default
	assert.Equal(t, 0.5, chat["m3"])          // unknown fallback
	assert.Equal(t, 1.0, chat["huge"])        // clamped
}
