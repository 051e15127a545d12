// Package features maps log records to fixed-width feature vectors. The
// mapping and its schema are part of the published artifact: the downstream
// router must apply the identical mapping at inference time, so any change
// here is a schema change and must ship inside a new artifact version.
package features

import (
	"strconv"

	"github.com/bifrost-router/tuning/internal/labeling"
)

// Defaults substituted for absent fields. Matched by the router's extractor.
const (
	DefaultTopDistance = 1.0
	DefaultSuccessRate = 0.5
	DefaultAvgLatency  = 1000.0
)

// topK is the number of nearest-centroid distances carried in the vector.
const topK = 3

// auxNames lists the non-embedding fields in declared order.
var auxNames = []string{
	"cluster_id",
	"token_count",
	"has_code",
	"has_math",
	"ngram_entropy",
	"context_ratio",
	"top_p_distance_0",
	"top_p_distance_1",
	"top_p_distance_2",
	"user_success_rate",
	"avg_latency",
}

// Extractor converts log records into vectors of Width() float64s.
type Extractor struct {
	embeddingDim int
	names        []string
}

// NewExtractor creates an extractor for the configured embedding dimension.
func NewExtractor(embeddingDim int) *Extractor {
	names := make([]string, 0, len(auxNames)+embeddingDim)
	names = append(names, auxNames...)
	for i := 0; i < embeddingDim; i++ {
		names = append(names, embeddingName(i))
	}
	return &Extractor{embeddingDim: embeddingDim, names: names}
}

// Width is the fixed vector length: auxiliary fields plus embedding dims.
func (e *Extractor) Width() int {
	return len(e.names)
}

// Names returns the ordered feature names. This is the feature schema
// embedded in the artifact manifest; callers must not mutate it.
func (e *Extractor) Names() []string {
	return e.names
}

// Extract maps a record to its feature vector. Total: every field has a
// defined default, and embeddings are zero-padded or truncated to the
// configured dimension - records are never dropped here.
func (e *Extractor) Extract(rec *labeling.LogRecord) []float64 {
	f := &rec.Features
	v := make([]float64, 0, e.Width())

	v = append(v,
		f.ClusterID,
		f.TokenCount,
		boolToFloat(f.HasCode),
		boolToFloat(f.HasMath),
		f.NgramEntropy,
		f.ContextRatio,
	)

	for i := 0; i < topK; i++ {
		if i < len(f.TopPDistances) {
			v = append(v, f.TopPDistances[i])
		} else {
			v = append(v, DefaultTopDistance)
		}
	}

	if f.UserSuccessRate != nil {
		v = append(v, *f.UserSuccessRate)
	} else {
		v = append(v, DefaultSuccessRate)
	}
	if f.AvgLatency != nil {
		v = append(v, *f.AvgLatency)
	} else {
		v = append(v, DefaultAvgLatency)
	}

	for i := 0; i < e.embeddingDim; i++ {
		if i < len(f.Embedding) {
			v = append(v, f.Embedding[i])
		} else {
			v = append(v, 0.0)
		}
	}

	return v
}

// ExtractAll maps a batch of records into a feature matrix.
func (e *Extractor) ExtractAll(recs []*labeling.LogRecord) [][]float64 {
	out := make([][]float64, len(recs))
	for i, rec := range recs {
		out[i] = e.Extract(rec)
	}
	return out
}

// Embedding returns the record's embedding padded or truncated to dim.
func Embedding(rec *labeling.LogRecord, dim int) []float64 {
	out := make([]float64, dim)
	copy(out, rec.Features.Embedding)
	return out
}

func boolToFloat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

func embeddingName(i int) string {
	return "embedding_" + strconv.Itoa(i)
}
