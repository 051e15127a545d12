package labeling

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bifrost-router/tuning/internal/config"
)

func testDeriver() *Deriver {
	return NewDeriver(config.Default().Labeling)
}

// record builds a log entry with the given outcome and a cost chosen so that
// cost-per-million lands exactly at costPerM.
func record(success bool, quality, costPerM, tokens float64) *LogRecord {
	return &LogRecord{
		Features: RecordFeatures{TokenCount: tokens},
		Response: RecordResponse{TotalCost: costPerM * tokens / 1_000_000},
		Metrics:  RecordMetrics{Success: success, QualityScore: quality},
	}
}

func TestDeriveFailureIsAlwaysHard(t *testing.T) {
	d := testDeriver()

	for _, quality := range []float64{0.0, 0.5, 0.95} {
		for _, costPerM := range []float64{0.01, 3.0, 50.0} {
			rec := record(false, quality, costPerM, 1000)
			assert.Equal(t, Hard, d.Derive(rec),
				"quality=%v costPerM=%v", quality, costPerM)
		}
	}
}

func TestDeriveLowQualityIsHard(t *testing.T) {
	d := testDeriver()
	assert.Equal(t, Hard, d.Derive(record(true, 0.2, 0.1, 1000)))
}

func TestDeriveLowQualityFromCheapModelIsMid(t *testing.T) {
	d := testDeriver()
	// quality 0.4 with cost-per-million 0.2, below the cheap threshold 0.5
	assert.Equal(t, Mid, d.Derive(record(true, 0.4, 0.2, 1000)))
}

func TestDeriveExpensiveHighQualityDowngrades(t *testing.T) {
	d := testDeriver()

	// No complexity signals: cheap would have sufficed.
	rec := record(true, 0.9, 25, 1000)
	assert.Equal(t, Cheap, d.Derive(rec))

	// Math flag keeps it at mid.
	rec = record(true, 0.9, 25, 1000)
	rec.Features.HasMath = true
	assert.Equal(t, Mid, d.Derive(rec))

	// High n-gram entropy keeps it at mid.
	rec = record(true, 0.9, 25, 1000)
	rec.Features.NgramEntropy = 6.5
	assert.Equal(t, Mid, d.Derive(rec))

	// Very long input keeps it at mid.
	rec = record(true, 0.9, 25, 25000)
	assert.Equal(t, Mid, d.Derive(rec))
}

func TestDeriveCostTiers(t *testing.T) {
	d := testDeriver()

	assert.Equal(t, Cheap, d.Derive(record(true, 0.7, 0.3, 1000)))
	assert.Equal(t, Mid, d.Derive(record(true, 0.7, 2.0, 1000)))
	assert.Equal(t, Hard, d.Derive(record(true, 0.7, 10.0, 1000)))
}

func TestDeriveIsTotalAndDeterministic(t *testing.T) {
	d := testDeriver()

	// Zero-value record still yields a label.
	var zero LogRecord
	first := d.Derive(&zero)
	assert.Contains(t, []Label{Cheap, Mid, Hard}, first)

	for i := 0; i < 100; i++ {
		assert.Equal(t, first, d.Derive(&zero))
	}
}

func TestCostPerMillionClampsTokenCount(t *testing.T) {
	// token_count 0 must not divide by zero; clamps to 1.
	assert.InDelta(t, 5e6, CostPerMillion(5.0, 0), 1e-9)
	assert.InDelta(t, 5.0, CostPerMillion(5.0, 1_000_000), 1e-9)
}

func TestLabelJSONRoundTrip(t *testing.T) {
	for _, l := range []Label{Cheap, Mid, Hard} {
		data, err := l.MarshalJSON()
		assert.NoError(t, err)

		var back Label
		assert.NoError(t, back.UnmarshalJSON(data))
		assert.Equal(t, l, back)
	}

	var l Label
	assert.Error(t, l.UnmarshalJSON([]byte(`"extreme"`)))
}

func TestDistribution(t *testing.T) {
	counts := Distribution([]Label{Cheap, Cheap, Mid, Hard, Hard, Hard})
	assert.Equal(t, [3]int{2, 1, 3}, counts)
}
