// Package jobs manages the lifecycle of training jobs: an in-memory registry
// as the authoritative record, a pluggable write-through journal for
// inspection across restarts, and the orchestrator that runs the pipeline.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// State is a job lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Progress checkpoints reported as each pipeline stage completes.
const (
	ProgressIngested   = 10
	ProgressClustered  = 30
	ProgressTrained    = 60
	ProgressThresholds = 80
	ProgressExported   = 95
	ProgressPublished  = 100
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when cancelling an already-finished job.
	ErrJobTerminal = errors.New("job already in a terminal state")
)

// Request describes one training run. The training options override the
// service configuration for this job only; zero values mean "use the
// configured default".
type Request struct {
	LogPath      string   `json:"log_path"`
	Models       []string `json:"models,omitempty"`        // empty: configured defaults
	ClusterCount int      `json:"cluster_count,omitempty"` // 0: auto-detect

	CVFolds             int   `json:"cv_folds,omitempty"`
	Trials              int   `json:"n_trials,omitempty"`
	OptimizeHyperparams *bool `json:"optimize_hyperparams,omitempty"` // nil: configured default
}

// Validate checks the request before a job is created.
func (r *Request) Validate() error {
	if r.LogPath == "" {
		return errors.New("log_path is required")
	}
	if r.ClusterCount < 0 {
		return fmt.Errorf("cluster_count %d is negative", r.ClusterCount)
	}
	if r.CVFolds != 0 && r.CVFolds < 2 {
		return fmt.Errorf("cv_folds %d must be at least 2", r.CVFolds)
	}
	if r.Trials < 0 {
		return fmt.Errorf("n_trials %d is negative", r.Trials)
	}
	return nil
}

// ResultSummary is the completed-job payload surfaced through the API.
type ResultSummary struct {
	ArtifactVersion   string  `json:"artifact_version"`
	Samples           int     `json:"samples"`
	SkippedLines      int     `json:"skipped_lines"`
	ClusterCount      int     `json:"cluster_count"`
	CVScore           float64 `json:"cv_score"`
	TestAccuracy      float64 `json:"test_accuracy"`
	Alpha             float64 `json:"alpha"`
	TauCheap          float64 `json:"tau_cheap"`
	TauHard           float64 `json:"tau_hard"`
	WinPerDollar      float64 `json:"win_per_dollar"`
	LabelDistribution [3]int  `json:"label_distribution"` // cheap, mid, hard
}

// Snapshot is the externally visible view of a job. Snapshots are immutable
// copies; mutating one never affects the registry.
type Snapshot struct {
	ID         string         `json:"id"`
	Request    Request        `json:"request"`
	State      State          `json:"state"`
	Stage      string         `json:"stage,omitempty"`
	Progress   int            `json:"progress"`
	Error      string         `json:"error,omitempty"`
	Result     *ResultSummary `json:"result,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}
