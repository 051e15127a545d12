package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/bifrost-router/tuning/internal/api"
	"github.com/bifrost-router/tuning/internal/cluster"
	"github.com/bifrost-router/tuning/internal/config"
	"github.com/bifrost-router/tuning/internal/jobs"
	"github.com/bifrost-router/tuning/internal/metrics"
	"github.com/bifrost-router/tuning/internal/store"
	"github.com/bifrost-router/tuning/internal/train"
	"github.com/bifrost-router/tuning/pkg/otel"
)

func main() {
	cfg, err := config.Load(os.Getenv("TUNING_CONFIG"))
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	ctx := context.Background()

	// Tracing is optional: without a collector endpoint the global no-op
	// tracer stays in place.
	var tp *sdktrace.TracerProvider
	if endpoint := os.Getenv("OTEL_COLLECTOR_ENDPOINT"); endpoint != "" {
		otelCfg := otel.DefaultConfig("tuning-service")
		otelCfg.Environment = cfg.Environment
		otelCfg.CollectorEndpoint = endpoint
		provider, err := otel.InitTracer(ctx, otelCfg)
		if err != nil {
			logrus.Fatalf("otel: %v", err)
		}
		tp = provider
	}

	m := metrics.New()

	artifacts, err := buildStore(cfg, m)
	if err != nil {
		logrus.Fatalf("artifact store: %v", err)
	}

	journal, err := jobs.NewJournal(cfg.Jobs)
	if err != nil {
		logrus.Fatalf("job journal (%s): %v", cfg.Jobs.JournalBackend, err)
	}
	defer journal.Close()

	registry := jobs.NewRegistry(journal)
	orch := jobs.NewOrchestrator(cfg, registry, artifacts,
		cluster.NewKMeans(cfg.Clustering.MaxIterations, cfg.Training.RandomSeed),
		new(train.CentroidSoftmax), m)

	srv := api.NewServer(cfg, registry, orch, artifacts, m)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // artifact downloads run large
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		logrus.WithField("addr", httpServer.Addr).Info("tuning service listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("server error: %v", err)
		}
	}()

	<-shutdown
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("http shutdown: %v", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("orchestrator shutdown: %v", err)
	}
	if err := otel.Shutdown(shutdownCtx, tp); err != nil {
		logrus.Warnf("otel shutdown: %v", err)
	}

	logrus.Info("stopped")
}

// buildStore assembles the artifact store stack: local filesystem always,
// fronted by the remote bucket when one is configured, with an LRU on top.
func buildStore(cfg *config.Config, m *metrics.Metrics) (store.Store, error) {
	local, err := store.NewLocal(cfg.Storage.LocalDir)
	if err != nil {
		return nil, err
	}

	var backend store.Store = local
	if cfg.Storage.Bucket != "" {
		objectStore, err := newObjectStoreBinding()
		if err != nil {
			return nil, err
		}
		remote, err := store.NewObject(objectStore, cfg.Storage.Bucket, cfg.Storage.Prefix)
		if err != nil {
			return nil, err
		}
		fb := store.NewFallback(remote, local)
		fb.OnFallback = func(op string) {
			m.StoreFallbacks.WithLabelValues(op).Inc()
		}
		backend = fb
	}

	return store.NewCached(backend, cfg.Storage.CacheSize)
}

// newObjectStoreBinding returns the deployment's object-store client. The
// open-source build has no cloud SDK baked in; deployments plug their
// binding in here.
func newObjectStoreBinding() (store.ObjectStore, error) {
	return nil, fmt.Errorf("no object store binding compiled in; unset TUNING_S3_BUCKET or build with one")
}
