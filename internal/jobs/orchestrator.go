package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/bifrost-router/tuning/internal/artifact"
	"github.com/bifrost-router/tuning/internal/cluster"
	"github.com/bifrost-router/tuning/internal/config"
	"github.com/bifrost-router/tuning/internal/features"
	"github.com/bifrost-router/tuning/internal/ingest"
	"github.com/bifrost-router/tuning/internal/labeling"
	"github.com/bifrost-router/tuning/internal/metrics"
	"github.com/bifrost-router/tuning/internal/policy"
	"github.com/bifrost-router/tuning/internal/store"
	"github.com/bifrost-router/tuning/internal/train"
	"github.com/bifrost-router/tuning/pkg/otel"
)

const tracerName = "tuning/jobs"

// versionRetries bounds how many one-second bumps the version allocator
// attempts before giving up.
const versionRetries = 5

// Orchestrator runs training jobs through the pipeline under a concurrency
// bound and a wall-clock timeout. Cancellation is cooperative: a cancelled
// context takes effect at the next stage boundary.
type Orchestrator struct {
	cfg       *config.Config
	registry  *Registry
	artifacts store.Store
	clusterer cluster.Clusterer
	trainer   train.Trainer
	metrics   *metrics.Metrics

	sem        *semaphore.Weighted
	baseCtx    context.Context
	baseCancel context.CancelFunc
	now        func() time.Time
}

// NewOrchestrator wires the pipeline dependencies together.
func NewOrchestrator(cfg *config.Config, registry *Registry, artifacts store.Store, clusterer cluster.Clusterer, trainer train.Trainer, m *metrics.Metrics) *Orchestrator {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		artifacts:  artifacts,
		clusterer:  clusterer,
		trainer:    trainer,
		metrics:    m,
		sem:        semaphore.NewWeighted(int64(cfg.Jobs.MaxConcurrent)),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		now:        time.Now,
	}
}

// Start accepts a job and schedules it. The returned snapshot is the job in
// its pending state.
func (o *Orchestrator) Start(req Request) (*Snapshot, error) {
	snap, err := o.registry.Create(req)
	if err != nil {
		return nil, err
	}
	o.metrics.JobsStarted.Inc()

	timeout := time.Duration(o.cfg.Jobs.TimeoutHours) * time.Hour
	ctx, cancel := context.WithTimeout(o.baseCtx, timeout)
	o.registry.attach(snap.ID, cancel)

	go o.run(ctx, cancel, snap.ID, req)

	logrus.WithFields(logrus.Fields{
		"job_id":   snap.ID,
		"log_path": req.LogPath,
	}).Info("training job accepted")

	return snap, nil
}

// Shutdown cancels all running jobs and waits for them to reach a terminal
// state or the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.baseCancel()

	// Drain by acquiring the full semaphore weight: succeeds only once every
	// job has released its slot.
	if err := o.sem.Acquire(ctx, int64(o.cfg.Jobs.MaxConcurrent)); err != nil {
		return fmt.Errorf("orchestrator shutdown: %w", err)
	}
	o.sem.Release(int64(o.cfg.Jobs.MaxConcurrent))
	return nil
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, jobID string, req Request) {
	defer cancel()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.finishFromErr(jobID, err, time.Time{})
		return
	}
	defer o.sem.Release(1)

	if !o.registry.markRunning(jobID) {
		return // cancelled while queued
	}

	ctx, span := otel.StartSpan(ctx, tracerName, "training_job",
		otel.AttrJobID.String(jobID),
		otel.AttrLogPath.String(req.LogPath),
	)
	defer span.End()

	started := o.now()
	summary, err := o.pipeline(ctx, jobID, req)
	if err != nil {
		otel.RecordError(span, err, "")
		o.finishFromErr(jobID, err, started)
		return
	}

	duration := o.now().Sub(started)
	o.registry.finish(jobID, StateCompleted, "", summary)
	o.metrics.JobsFinished.WithLabelValues(string(StateCompleted)).Inc()
	o.metrics.JobDuration.Observe(duration.Seconds())

	logrus.WithFields(logrus.Fields{
		"job_id":   jobID,
		"version":  summary.ArtifactVersion,
		"duration": duration.Round(time.Second),
	}).Info("training job completed")
}

// finishFromErr maps a pipeline error to the right terminal state.
func (o *Orchestrator) finishFromErr(jobID string, err error, started time.Time) {
	state := StateFailed
	msg := err.Error()

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = fmt.Sprintf("timed out after %dh", o.cfg.Jobs.TimeoutHours)
	case errors.Is(err, context.Canceled):
		state = StateCancelled
		msg = ""
	}

	o.registry.finish(jobID, state, msg, nil)
	o.metrics.JobsFinished.WithLabelValues(string(state)).Inc()
	if state == StateFailed && !started.IsZero() {
		logrus.WithField("job_id", jobID).WithError(err).Error("training job failed")
	}
}

// pipeline executes the six stages in order, checkpointing progress after
// each one.
func (o *Orchestrator) pipeline(ctx context.Context, jobID string, req Request) (*ResultSummary, error) {
	models := req.Models
	if len(models) == 0 {
		models = o.cfg.Clustering.DefaultModels
	}

	extractor := features.NewExtractor(o.cfg.Training.EmbeddingDim)
	deriver := labeling.NewDeriver(o.cfg.Labeling)
	seed := o.cfg.Training.RandomSeed

	var (
		records    []*labeling.LogRecord
		labels     []labeling.Label
		vectors    [][]float64
		embeddings [][]float64
		skipped    int

		fit  *cluster.FitResult
		k    int
		qhat map[string][]float64
		chat map[string]float64

		model     *train.Model
		polResult *policy.Result

		archive *artifact.Archive
	)

	err := o.stage(ctx, jobID, "ingest", ProgressIngested, func(ctx context.Context, span trace.Span) error {
		res, err := ingest.ReadFile(req.LogPath)
		if err != nil {
			return err
		}
		records = res.Records
		skipped = res.Skipped
		o.metrics.RecordsIngested.Add(float64(len(records)))
		o.metrics.LinesSkipped.Add(float64(skipped))
		span.SetAttributes(
			otel.AttrSamples.Int(len(records)),
			otel.AttrSkippedLines.Int(skipped),
		)

		labels = make([]labeling.Label, len(records))
		embeddings = make([][]float64, len(records))
		for i, rec := range records {
			labels[i] = deriver.Derive(rec)
			embeddings[i] = features.Embedding(rec, o.cfg.Training.EmbeddingDim)
		}
		vectors = extractor.ExtractAll(records)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.stage(ctx, jobID, "clustering", ProgressClustered, func(ctx context.Context, span trace.Span) error {
		k = req.ClusterCount
		if k == 0 {
			auto, err := cluster.AutoK(ctx, o.clusterer, embeddings, o.cfg.Clustering, seed)
			if err != nil {
				return err
			}
			k = auto
		}
		span.SetAttributes(otel.AttrClusterK.Int(k))

		res, err := o.clusterer.Fit(ctx, embeddings, k)
		if err != nil {
			return err
		}
		fit = res
		qhat = cluster.QualityTable(records, fit.Labels, k, models)
		chat = cluster.CostTable(records, models, o.cfg.Policy.DefaultModelCosts, o.cfg.Policy.CostScale)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.stage(ctx, jobID, "training", ProgressTrained, func(ctx context.Context, span trace.Span) error {
		m, err := o.trainer.Train(ctx, vectors, labels, extractor.Names(), o.trainOptions(req))
		if err != nil {
			return err
		}
		model = m
		o.metrics.TrainingSamples.Set(float64(model.Metrics.NSamples))
		span.SetAttributes(otel.AttrCVScore.Float64(model.Metrics.CVMean))
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.stage(ctx, jobID, "threshold_search", ProgressThresholds, func(ctx context.Context, span trace.Span) error {
		res, err := policy.NewOptimizer(o.cfg.Policy, seed).Optimize(ctx, model, vectors, labels)
		if err != nil {
			return err
		}
		polResult = res
		span.SetAttributes(otel.PolicyAttributes(res.Policy.Alpha, res.Policy.TauCheap, res.Policy.TauHard)...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.stage(ctx, jobID, "export", ProgressExported, func(ctx context.Context, span trace.Span) error {
		a, err := o.export(ctx, fit, model, polResult, qhat, chat)
		if err != nil {
			return err
		}
		archive = a
		otel.AddEvent(span, "version allocated", otel.AttrArtifactVersion.String(a.Manifest.Version))
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.stage(ctx, jobID, "publish", ProgressPublished, func(ctx context.Context, span trace.Span) error {
		if err := o.artifacts.Put(ctx, archive); err != nil {
			return err
		}
		o.metrics.ArtifactsPublished.Inc()
		payload := len(archive.Model) + len(archive.Preprocessor) + len(archive.Index)
		span.SetAttributes(otel.ArtifactAttributes(archive.Manifest.Version, payload)...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	dist := labeling.Distribution(labels)
	return &ResultSummary{
		ArtifactVersion:   archive.Manifest.Version,
		Samples:           len(records),
		SkippedLines:      skipped,
		ClusterCount:      k,
		CVScore:           model.Metrics.CVMean,
		TestAccuracy:      model.Metrics.TestAccuracy,
		Alpha:             polResult.Policy.Alpha,
		TauCheap:          polResult.Policy.TauCheap,
		TauHard:           polResult.Policy.TauHard,
		WinPerDollar:      polResult.Score,
		LabelDistribution: dist,
	}, nil
}

// trainOptions resolves training options: per-job request overrides win over
// the service configuration.
func (o *Orchestrator) trainOptions(req Request) train.Options {
	opts := train.Options{
		CVFolds:             o.cfg.Training.CVFolds,
		Trials:              o.cfg.Training.Trials,
		OptimizeHyperparams: o.cfg.Training.OptimizeHyperparams,
		Seed:                o.cfg.Training.RandomSeed,
	}
	if req.CVFolds > 0 {
		opts.CVFolds = req.CVFolds
	}
	if req.Trials > 0 {
		opts.Trials = req.Trials
	}
	if req.OptimizeHyperparams != nil {
		opts.OptimizeHyperparams = *req.OptimizeHyperparams
	}
	return opts
}

// stage runs one pipeline stage inside a span and advances the checkpoint
// on success. A context already cancelled at the boundary skips the stage.
func (o *Orchestrator) stage(ctx context.Context, jobID, name string, progress int, fn func(context.Context, trace.Span) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sctx, span := otel.StartSpan(ctx, tracerName, name, otel.JobAttributes(jobID, name)...)
	defer span.End()

	start := o.now()
	err := fn(sctx, span)
	o.metrics.StageDuration.WithLabelValues(name).Observe(o.now().Sub(start).Seconds())

	if err != nil {
		otel.RecordError(span, err, "")
		return fmt.Errorf("%s: %w", name, err)
	}
	o.registry.setProgress(jobID, name, progress)
	return nil
}

// export assembles the artifact archive under a fresh version.
func (o *Orchestrator) export(ctx context.Context, fit *cluster.FitResult, model *train.Model, pol *policy.Result, qhat map[string][]float64, chat map[string]float64) (*artifact.Archive, error) {
	version, err := o.allocateVersion(ctx)
	if err != nil {
		return nil, err
	}

	index, err := cluster.BuildIndex(fit.Centroids)
	if err != nil {
		return nil, err
	}
	modelBlob, err := model.ModelBlob()
	if err != nil {
		return nil, err
	}
	preBlob, err := model.PreprocessorBlob()
	if err != nil {
		return nil, err
	}

	manifest := &artifact.Manifest{
		Version:   version,
		Centroids: artifact.IndexFile,
		Alpha:     pol.Policy.Alpha,
		Thresholds: artifact.Thresholds{
			Cheap: pol.Policy.TauCheap,
			Hard:  pol.Policy.TauHard,
		},
		Penalties: artifact.Penalties{
			LatencySD: o.cfg.Policy.LatencySDPenalty,
			CtxOver80: o.cfg.Policy.CtxOver80Penalty,
		},
		Qhat: qhat,
		Chat: chat,
		GBDT: artifact.GBDT{
			Framework:        model.Framework,
			ModelPath:        artifact.ModelFile,
			PreprocessorPath: artifact.PreprocessorFile,
			FeatureSchema: artifact.FeatureSchema{
				Features:  model.FeatureNames,
				NFeatures: len(model.FeatureNames),
			},
		},
		Training: artifact.TrainingMetadata{
			Timestamp:         version,
			CVScore:           model.Metrics.CVMean,
			TestAccuracy:      model.Metrics.TestAccuracy,
			NSamples:          model.Metrics.NSamples,
			FeatureImportance: model.Importance,
			BestParams:        model.Hyperparams,
		},
	}

	return &artifact.Archive{
		Manifest:     manifest,
		Model:        modelBlob,
		Preprocessor: preBlob,
		Index:        index,
	}, nil
}

// allocateVersion picks a version not yet present in the store. Collisions
// happen when two jobs publish within the same second; bump forward one
// second at a time, bounded.
func (o *Orchestrator) allocateVersion(ctx context.Context) (string, error) {
	t := o.now().UTC().Truncate(time.Second)
	for i := 0; i < versionRetries; i++ {
		version := artifact.NewVersion(t)
		exists, err := o.artifacts.Exists(ctx, version)
		if err != nil {
			return "", fmt.Errorf("version check: %w", err)
		}
		if !exists {
			return version, nil
		}
		t = t.Add(time.Second)
	}
	return "", fmt.Errorf("no free artifact version after %d attempts", versionRetries)
}
