// Package artifact defines the versioned policy-artifact contract: the
// manifest schema consumed by the router fleet and the tar layout it ships
// in. Field names and file names here are a wire contract; renaming any of
// them breaks every deployed consumer.
package artifact

import (
	"errors"
	"fmt"
	"time"
)

// Member file names inside an artifact archive.
const (
	ManifestFile     = "metadata.json"
	ModelFile        = "gbdt_model.txt"
	PreprocessorFile = "gbdt_model_preprocessor.pkl"
	IndexFile        = "centroids.faiss"
)

// VersionLayout is the artifact version format: second-resolution UTC.
const VersionLayout = "2006-01-02T15:04:05Z"

// Thresholds are the routing decision cut points.
type Thresholds struct {
	Cheap float64 `json:"cheap"`
	Hard  float64 `json:"hard"`
}

// Penalties are fixed score adjustments applied by the router at serve time.
type Penalties struct {
	LatencySD float64 `json:"latency_sd"`
	CtxOver80 float64 `json:"ctx_over_80pct"`
}

// FeatureSchema pins the classifier's input layout.
type FeatureSchema struct {
	Features  []string `json:"features"`
	NFeatures int      `json:"n_features"`
}

// GBDT describes the classifier shipped alongside the manifest.
type GBDT struct {
	Framework        string        `json:"framework"`
	ModelPath        string        `json:"model_path"`
	PreprocessorPath string        `json:"preprocessor_path"`
	FeatureSchema    FeatureSchema `json:"feature_schema"`
}

// TrainingMetadata records provenance for auditing and rollback decisions.
type TrainingMetadata struct {
	Timestamp         string             `json:"timestamp"`
	CVScore           float64            `json:"cv_score"`
	TestAccuracy      float64            `json:"test_accuracy"`
	NSamples          int                `json:"n_samples"`
	FeatureImportance map[string]float64 `json:"feature_importance"`
	BestParams        map[string]float64 `json:"best_params"`
}

// Manifest is the top-level artifact document (metadata.json). Centroids
// names the index archive member; the matrix itself ships only in that
// member, never inline.
type Manifest struct {
	Version    string               `json:"version"`
	Centroids  string               `json:"centroids"`
	Alpha      float64              `json:"alpha"`
	Thresholds Thresholds           `json:"thresholds"`
	Penalties  Penalties            `json:"penalties"`
	Qhat       map[string][]float64 `json:"qhat"`
	Chat       map[string]float64   `json:"chat"`
	GBDT       GBDT                 `json:"gbdt"`
	Training   TrainingMetadata     `json:"training_metadata"`
}

// NewVersion formats a timestamp as an artifact version.
func NewVersion(t time.Time) string {
	return t.UTC().Format(VersionLayout)
}

// ParseVersion validates a version string and returns its timestamp.
func ParseVersion(v string) (time.Time, error) {
	t, err := time.Parse(VersionLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("artifact version %q: %w", v, err)
	}
	return t, nil
}

// ArchiveName returns the tar file name for a version.
func ArchiveName(version string) string {
	return "avengers_artifact_" + version + ".tar"
}

// Validate checks the manifest invariants every consumer relies on. Checks
// spanning other archive members (the centroid index, the qhat shape) live on
// Archive.
func (m *Manifest) Validate() error {
	if _, err := ParseVersion(m.Version); err != nil {
		return err
	}
	if m.Centroids != IndexFile {
		return fmt.Errorf("manifest: centroids must name the index member %s, got %q", IndexFile, m.Centroids)
	}
	if m.Thresholds.Hard >= m.Thresholds.Cheap {
		return fmt.Errorf("manifest: infeasible thresholds (hard %.3f >= cheap %.3f)",
			m.Thresholds.Hard, m.Thresholds.Cheap)
	}
	if m.GBDT.ModelPath != ModelFile || m.GBDT.PreprocessorPath != PreprocessorFile {
		return errors.New("manifest: model paths must match the archive member names")
	}
	if got, want := m.GBDT.FeatureSchema.NFeatures, len(m.GBDT.FeatureSchema.Features); got != want {
		return fmt.Errorf("manifest: n_features %d does not match %d feature names", got, want)
	}
	return nil
}
