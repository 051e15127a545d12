// Package api exposes the tuning service over HTTP: job management,
// artifact retrieval and operational endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/bifrost-router/tuning/internal/artifact"
	"github.com/bifrost-router/tuning/internal/config"
	"github.com/bifrost-router/tuning/internal/jobs"
	"github.com/bifrost-router/tuning/internal/metrics"
	"github.com/bifrost-router/tuning/internal/store"
)

// Server holds the HTTP surface dependencies.
type Server struct {
	cfg       config.APIConfig
	retention int
	registry  *jobs.Registry
	orch      *jobs.Orchestrator
	artifacts store.Store
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
}

// NewServer wires the HTTP surface.
func NewServer(cfg *config.Config, registry *jobs.Registry, orch *jobs.Orchestrator, artifacts store.Store, m *metrics.Metrics) *Server {
	return &Server{
		cfg:       cfg.API,
		retention: cfg.Storage.MaxArtifacts,
		registry:  registry,
		orch:      orch,
		artifacts: artifacts,
		metrics:   m,
		limiter:   rate.NewLimiter(rate.Limit(cfg.API.TokenRate), cfg.API.TokenRate*2),
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/training", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/start", s.handleStartJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{jobID}", s.handleGetJob)
		r.Delete("/{jobID}", s.handleCancelJob)
	})

	r.Route("/v1/artifacts", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/", s.handleListArtifacts)
		r.Get("/latest", s.handleLatestArtifact)
		r.Get("/{version}", s.handleGetArtifact)
		r.Get("/{version}/download", s.handleDownloadArtifact)
		r.Post("/{version}/publish", s.handlePublishArtifact)
		r.Post("/retire", s.handleRetire)
	})

	return r
}

// observe records per-route request latency labeled by the chi route
// pattern, not the raw path, to keep cardinality bounded.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RequestDuration.
			WithLabelValues(route, fmt.Sprintf("%d", ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := s.orch.Start(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": s.registry.List()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.registry.Cancel(jobID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     jobID,
		"status": "cancellation requested",
	})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	versions, err := s.artifacts.List(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if versions == nil {
		versions = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleLatestArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.artifacts.Latest(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a.Manifest)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.artifacts.Get(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a.Manifest)
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	a, err := s.artifacts.Get(r.Context(), version)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", artifact.ArchiveName(version)))
	if err := a.WriteTar(w); err != nil {
		logrus.WithError(err).Warn("artifact download aborted mid-stream")
	}
}

// handlePublishArtifact accepts an externally built artifact tar. The
// uploaded manifest version must match the path version.
func (s *Server) handlePublishArtifact(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")

	limit := int64(s.cfg.MaxUploadMB) << 20
	a, err := artifact.ReadArchive(io.LimitReader(r.Body, limit))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.Manifest.Version != version {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("manifest version %s does not match path version %s", a.Manifest.Version, version))
		return
	}

	if err := s.artifacts.Put(r.Context(), a); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.metrics.ArtifactsPublished.Inc()
	s.writeJSON(w, http.StatusCreated, map[string]string{"version": version})
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Keep int `json:"keep"`
	}{Keep: s.retention}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Keep < 1 {
		s.writeError(w, http.StatusBadRequest, "keep must be at least 1")
		return
	}

	removed, err := s.artifacts.Retire(r.Context(), req.Keep)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	s.metrics.ArtifactsRetired.Add(float64(len(removed)))
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "kept": req.Keep})
}

// writeDomainError maps domain sentinels to HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrJobTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		logrus.WithError(err).Error("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
