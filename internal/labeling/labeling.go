// Package labeling derives empirical routing-bucket labels from production
// log records. The label encodes which tier would have been the economical
// choice in hindsight; it is the sole source of training targets for the
// bucket classifier.
package labeling

import (
	"encoding/json"
	"fmt"

	"github.com/bifrost-router/tuning/internal/config"
)

// Label is the routing tier a request should have used. Ordinal: Cheap < Mid < Hard.
type Label int

const (
	Cheap Label = iota
	Mid
	Hard
)

var labelNames = [3]string{"cheap", "mid", "hard"}

func (l Label) String() string {
	if l < Cheap || l > Hard {
		return fmt.Sprintf("label(%d)", int(l))
	}
	return labelNames[l]
}

func (l Label) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Label) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range labelNames {
		if name == s {
			*l = Label(i)
			return nil
		}
	}
	return fmt.Errorf("unknown label %q", s)
}

// RecordFeatures is the extracted-feature block of a log record.
type RecordFeatures struct {
	Embedding       []float64 `json:"embedding"`
	ClusterID       float64   `json:"cluster_id"`
	TokenCount      float64   `json:"token_count"`
	HasCode         bool      `json:"has_code"`
	HasMath         bool      `json:"has_math"`
	NgramEntropy    float64   `json:"ngram_entropy"`
	ContextRatio    float64   `json:"context_ratio"`
	TopPDistances   []float64 `json:"top_p_distances"`
	UserSuccessRate *float64  `json:"user_success_rate"` // nil means no prior observed
	AvgLatency      *float64  `json:"avg_latency"`       // nil means no prior observed
}

// RecordDecision is the routing decision block of a log record.
type RecordDecision struct {
	Model  string `json:"model"`
	Bucket string `json:"bucket"`
}

// RecordResponse is the realized-outcome block of a log record.
type RecordResponse struct {
	TotalCost float64 `json:"total_cost"`
	LatencyMs float64 `json:"latency_ms"`
}

// RecordMetrics is the evaluation block of a log record.
type RecordMetrics struct {
	Success      bool    `json:"success"`
	QualityScore float64 `json:"quality_score"` // [0,1] from an external judge
}

// LogRecord is one observed routing event. Immutable once read.
type LogRecord struct {
	Features RecordFeatures `json:"features"`
	Decision RecordDecision `json:"decision"`
	Response RecordResponse `json:"response"`
	Metrics  RecordMetrics  `json:"metrics"`
}

// CostPerMillion normalizes realized cost to a per-1M-token basis.
func CostPerMillion(totalCost, tokenCount float64) float64 {
	if tokenCount < 1 {
		tokenCount = 1
	}
	return (totalCost / tokenCount) * 1_000_000
}

// Deriver computes empirical labels under fixed cost thresholds.
type Deriver struct {
	cfg config.LabelingConfig
}

// NewDeriver creates a label deriver with the given thresholds.
func NewDeriver(cfg config.LabelingConfig) *Deriver {
	return &Deriver{cfg: cfg}
}

// Derive maps a log record to its empirical bucket label. Total and
// deterministic: every record yields a label, with defaults substituting for
// missing fields. First matching rule wins; the hard checks run before the
// cheap check and that order is load-bearing.
func (d *Deriver) Derive(rec *LogRecord) Label {
	quality := rec.Metrics.QualityScore
	costPerM := CostPerMillion(rec.Response.TotalCost, rec.Features.TokenCount)

	switch {
	case !rec.Metrics.Success:
		// Failed requests should have gone to a more capable tier.
		return Hard

	case quality < 0.3:
		return Hard

	case quality < 0.6 && costPerM < d.cfg.CheapCostThreshold:
		// Low quality out of a cheap model: mid tier was needed.
		return Mid

	case quality > 0.8 && costPerM > d.cfg.MidCostThreshold:
		// High quality from an expensive model; downgrade unless the task
		// itself looks complex.
		if d.isComplex(&rec.Features) {
			return Mid
		}
		return Cheap

	case costPerM < d.cfg.CheapCostThreshold:
		return Cheap

	case costPerM < d.cfg.MidCostThreshold:
		return Mid

	default:
		return Hard
	}
}

func (d *Deriver) isComplex(f *RecordFeatures) bool {
	return f.HasMath ||
		f.NgramEntropy > d.cfg.EntropyThreshold ||
		f.TokenCount > d.cfg.TokenThreshold
}

// Distribution counts labels per bucket, for job result summaries.
func Distribution(labels []Label) [3]int {
	var counts [3]int
	for _, l := range labels {
		if l >= Cheap && l <= Hard {
			counts[l]++
		}
	}
	return counts
}
