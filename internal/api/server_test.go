package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-router/tuning/internal/artifact"
	"github.com/bifrost-router/tuning/internal/cluster"
	"github.com/bifrost-router/tuning/internal/config"
	"github.com/bifrost-router/tuning/internal/jobs"
	"github.com/bifrost-router/tuning/internal/metrics"
	"github.com/bifrost-router/tuning/internal/store"
	"github.com/bifrost-router/tuning/internal/train"
)

var sharedMetrics = metrics.New()

func testServer(t *testing.T) (*Server, *jobs.Registry, store.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.Jobs.MaxConcurrent = 1
	cfg.Jobs.TimeoutHours = 1

	registry := jobs.NewRegistry(jobs.NewMemoryJournal())
	artifacts, err := store.NewLocal(t.TempDir())
	require.NoError(t, err)

	orch := jobs.NewOrchestrator(cfg, registry, artifacts,
		cluster.NewKMeans(50, 1), new(train.CentroidSoftmax), sharedMetrics)

	return NewServer(cfg, registry, orch, artifacts, sharedMetrics), registry, artifacts
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func seedArchive(version string) *artifact.Archive {
	index, _ := cluster.BuildIndex([][]float64{{0.1, 0.2}})
	return &artifact.Archive{
		Manifest: &artifact.Manifest{
			Version:    version,
			Centroids:  artifact.IndexFile,
			Alpha:      0.6,
			Thresholds: artifact.Thresholds{Cheap: 0.55, Hard: 0.35},
			Penalties:  artifact.Penalties{LatencySD: 0.05, CtxOver80: 0.15},
			Qhat:       map[string][]float64{"m1": {0.7}},
			Chat:       map[string]float64{"m1": 0.1},
			GBDT: artifact.GBDT{
				Framework:        "centroid-softmax",
				ModelPath:        artifact.ModelFile,
				PreprocessorPath: artifact.PreprocessorFile,
				FeatureSchema:    artifact.FeatureSchema{Features: []string{"a"}, NFeatures: 1},
			},
		},
		Model:        []byte("model"),
		Preprocessor: []byte("pre"),
		Index:        index,
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestStartJobValidation(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/training/start", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/training/start", strings.NewReader("{broken"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartJobAccepted(t *testing.T) {
	srv, reg, _ := testServer(t)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/v1/training/start",
		map[string]any{"log_path": "/nonexistent/logs.ndjson"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var snap jobs.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.NotEmpty(t, snap.ID)

	// The job exists in the registry and eventually fails on the bad path.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := reg.Get(snap.ID)
		require.NoError(t, err)
		if got.State.Terminal() {
			assert.Equal(t, jobs.StateFailed, got.State)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never finished")
}

func TestGetAndListJobs(t *testing.T) {
	srv, reg, _ := testServer(t)
	router := srv.Router()

	snap, err := reg.Create(jobs.Request{LogPath: "/logs/a.ndjson"})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/v1/training/"+snap.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/training/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/training/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), snap.ID)
}

func TestCancelJobStatusCodes(t *testing.T) {
	srv, reg, _ := testServer(t)
	router := srv.Router()

	snap, err := reg.Create(jobs.Request{LogPath: "/logs/a.ndjson"})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodDelete, "/v1/training/"+snap.ID, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// A second cancel hits a terminal job.
	rec = doJSON(t, router, http.MethodDelete, "/v1/training/"+snap.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/v1/training/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifactEndpoints(t *testing.T) {
	srv, _, artifacts := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/v1/artifacts/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, artifacts.Put(context.Background(), seedArchive("2025-06-01T10:00:00Z")))
	require.NoError(t, artifacts.Put(context.Background(), seedArchive("2025-06-01T11:00:00Z")))

	rec = doJSON(t, router, http.MethodGet, "/v1/artifacts/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Versions []string `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, []string{"2025-06-01T11:00:00Z", "2025-06-01T10:00:00Z"}, listing.Versions)

	rec = doJSON(t, router, http.MethodGet, "/v1/artifacts/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var m artifact.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "2025-06-01T11:00:00Z", m.Version)

	rec = doJSON(t, router, http.MethodGet, "/v1/artifacts/2025-06-01T10:00:00Z", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/artifacts/2020-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadArtifactRoundTrips(t *testing.T) {
	srv, _, artifacts := testServer(t)
	require.NoError(t, artifacts.Put(context.Background(), seedArchive("2025-06-01T10:00:00Z")))

	rec := doJSON(t, srv.Router(), http.MethodGet, "/v1/artifacts/2025-06-01T10:00:00Z/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-tar", rec.Header().Get("Content-Type"))

	back, err := artifact.ReadArchive(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01T10:00:00Z", back.Manifest.Version)
}

func TestPublishArtifact(t *testing.T) {
	srv, _, artifacts := testServer(t)
	router := srv.Router()

	a := seedArchive("2025-06-01T10:00:00Z")
	var tarBody bytes.Buffer
	require.NoError(t, a.WriteTar(&tarBody))

	req := httptest.NewRequest(http.MethodPost,
		"/v1/artifacts/2025-06-01T10:00:00Z/publish", bytes.NewReader(tarBody.Bytes()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	ok, err := artifacts.Exists(context.Background(), "2025-06-01T10:00:00Z")
	require.NoError(t, err)
	assert.True(t, ok)

	// Version mismatch between path and manifest.
	req = httptest.NewRequest(http.MethodPost,
		"/v1/artifacts/2025-06-01T12:00:00Z/publish", bytes.NewReader(tarBody.Bytes()))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetire(t *testing.T) {
	srv, _, artifacts := testServer(t)
	router := srv.Router()

	ctx := context.Background()
	for _, v := range []string{"2025-06-01T10:00:00Z", "2025-06-01T11:00:00Z", "2025-06-01T12:00:00Z"} {
		require.NoError(t, artifacts.Put(ctx, seedArchive(v)))
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/artifacts/retire", map[string]int{"keep": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Removed []string `json:"removed"`
		Kept    int      `json:"kept"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res.Removed, 2)
	assert.Equal(t, 1, res.Kept)

	rec = doJSON(t, router, http.MethodPost, "/v1/artifacts/retire", map[string]int{"keep": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
