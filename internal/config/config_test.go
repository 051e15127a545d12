package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Training.EmbeddingDim, cfg.Training.EmbeddingDim)
	assert.Equal(t, Default().API.Port, cfg.API.Port)
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
training:
  embedding_dim: 128
api:
  port: 9090
jobs:
  max_concurrent: 7
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Training.EmbeddingDim)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 7, cfg.Jobs.MaxConcurrent)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().Policy.CostScale, cfg.Policy.CostScale)
	assert.Equal(t, Default().Storage.MaxArtifacts, cfg.Storage.MaxArtifacts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("training: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TUNING_API_PORT", "7777")
	t.Setenv("MAX_CONCURRENT_TRAINING_JOBS", "9")
	t.Setenv("JOB_JOURNAL_BACKEND", "redis")
	t.Setenv("TUNING_S3_BUCKET", "policy-artifacts")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.API.Port)
	assert.Equal(t, 9, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, "redis", cfg.Jobs.JournalBackend)
	assert.Equal(t, "policy-artifacts", cfg.Storage.Bucket)
}

func TestEnvOverrideIgnoresUnparseableInt(t *testing.T) {
	t.Setenv("TUNING_API_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().API.Port, cfg.API.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"cv folds", func(c *Config) { c.Training.CVFolds = 1 }, "cv_folds"},
		{"embedding dim", func(c *Config) { c.Training.EmbeddingDim = 0 }, "embedding_dim"},
		{"k range", func(c *Config) { c.Clustering.KMax = c.Clustering.KMin }, "k_max"},
		{"no models", func(c *Config) { c.Clustering.DefaultModels = nil }, "default_models"},
		{"cost thresholds", func(c *Config) { c.Labeling.MidCostThreshold = 0.1 }, "cost thresholds"},
		{"policy trials", func(c *Config) { c.Policy.Trials = 0 }, "policy.trials"},
		{"local dir", func(c *Config) { c.Storage.LocalDir = "" }, "local_dir"},
		{"retention", func(c *Config) { c.Storage.MaxArtifacts = 0 }, "max_artifacts"},
		{"port", func(c *Config) { c.API.Port = 70000 }, "port"},
		{"concurrency", func(c *Config) { c.Jobs.MaxConcurrent = 0 }, "max_concurrent"},
		{"journal backend", func(c *Config) { c.Jobs.JournalBackend = "etcd" }, "journal_backend"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
