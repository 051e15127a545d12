package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TrainingConfig groups classifier-training parameters.
type TrainingConfig struct {
	CVFolds             int   `yaml:"cv_folds"`             // stratified CV fold count (>= 2)
	Trials              int   `yaml:"trials"`               // hyperparameter search trial budget
	OptimizeHyperparams bool  `yaml:"optimize_hyperparams"` // run hyperparameter search before final fit
	EmbeddingDim        int   `yaml:"embedding_dim"`        // fixed embedding width; raw embeddings are padded/truncated to this
	RandomSeed          int64 `yaml:"random_seed"`
}

// ClusteringConfig groups k-means parameters.
type ClusteringConfig struct {
	KMin          int      `yaml:"k_min"`           // lower bound for auto-k detection
	KMax          int      `yaml:"k_max"`           // upper bound for auto-k detection
	MaxSamples    int      `yaml:"max_samples"`     // sample cap when scanning k (auto-k only)
	MaxIterations int      `yaml:"max_iterations"`  // Lloyd iteration cap per fit
	DefaultModels []string `yaml:"default_models"`  // models to compute quality scores for when a job names none
}

// LabelingConfig holds the cost thresholds and complexity signals of the
// empirical label rule. These are fixed pricing constants, not learned.
type LabelingConfig struct {
	CheapCostThreshold float64 `yaml:"cheap_cost_threshold"` // $/1M tokens ceiling for the cheap tier
	MidCostThreshold   float64 `yaml:"mid_cost_threshold"`   // $/1M tokens ceiling for the mid tier
	EntropyThreshold   float64 `yaml:"entropy_threshold"`    // n-gram entropy above this marks a complex task
	TokenThreshold     float64 `yaml:"token_threshold"`      // token count above this marks a complex task
}

// PolicyConfig groups threshold-search parameters and the fixed economics of
// the win-per-dollar objective.
type PolicyConfig struct {
	Trials      int     `yaml:"trials"`        // threshold search trial budget
	AlphaMin    float64 `yaml:"alpha_min"`
	AlphaMax    float64 `yaml:"alpha_max"`
	TauCheapMin float64 `yaml:"tau_cheap_min"`
	TauCheapMax float64 `yaml:"tau_cheap_max"`
	TauHardMin  float64 `yaml:"tau_hard_min"`
	TauHardMax  float64 `yaml:"tau_hard_max"`

	BucketCosts       [3]float64 `yaml:"bucket_costs"`        // normalized $/1M tokens per bucket
	BucketQualities   [3]float64 `yaml:"bucket_qualities"`    // expected quality per bucket
	UnderRoutePenalty float64    `yaml:"under_route_penalty"` // quality loss per ordinal of under-routing
	OverRoutePenalty  float64    `yaml:"over_route_penalty"`  // cost added per ordinal of over-routing
	CostScale         float64    `yaml:"cost_scale"`          // divisor normalizing cost into [0,1]

	// Fixed penalties carried through to the artifact manifest.
	LatencySDPenalty float64 `yaml:"latency_sd_penalty"`
	CtxOver80Penalty float64 `yaml:"ctx_over_80_penalty"`

	// Fallback normalized costs for models absent from the logs.
	DefaultModelCosts map[string]float64 `yaml:"default_model_costs"`
}

// StorageConfig groups artifact storage parameters.
type StorageConfig struct {
	Bucket       string `yaml:"bucket"`        // object-store bucket (empty disables the remote backend)
	Prefix       string `yaml:"prefix"`        // key prefix for namespacing
	LocalDir     string `yaml:"local_dir"`     // local filesystem fallback directory
	MaxArtifacts int    `yaml:"max_artifacts"` // retention: newest N versions kept by Retire
	CacheSize    int    `yaml:"cache_size"`    // manifest LRU cache entries
}

// APIConfig groups HTTP surface parameters.
type APIConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	TokenRate   int    `yaml:"token_rate"`    // rate limiter tokens/second
	MaxUploadMB int    `yaml:"max_upload_mb"` // artifact publish upload cap
}

// JobsConfig groups orchestrator parameters.
type JobsConfig struct {
	MaxConcurrent  int    `yaml:"max_concurrent"`  // upper bound on simultaneously running jobs
	TimeoutHours   int    `yaml:"timeout_hours"`   // wall-clock limit per job
	JournalBackend string `yaml:"journal_backend"` // "memory", "redis" or "postgres"
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	PostgresConn   string `yaml:"postgres_conn"`
}

// Config is the root service configuration.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	Training   TrainingConfig   `yaml:"training"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Labeling   LabelingConfig   `yaml:"labeling"`
	Policy     PolicyConfig     `yaml:"policy"`
	Storage    StorageConfig    `yaml:"storage"`
	API        APIConfig        `yaml:"api"`
	Jobs       JobsConfig       `yaml:"jobs"`
}

// Default returns the built-in configuration. The labeling and policy
// constants mirror the pricing assumptions the label rule was calibrated
// against; change them together with the quality/cost tables.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Training: TrainingConfig{
			CVFolds:             5,
			Trials:              100,
			OptimizeHyperparams: true,
			EmbeddingDim:        768,
			RandomSeed:          42,
		},
		Clustering: ClusteringConfig{
			KMin:          3,
			KMax:          15,
			MaxSamples:    10000,
			MaxIterations: 300,
			DefaultModels: []string{
				"deepseek/deepseek-r1",
				"qwen/qwen3-coder",
				"openai/gpt-5",
				"google/gemini-2.5-pro",
				"anthropic/claude-3.5-sonnet",
			},
		},
		Labeling: LabelingConfig{
			CheapCostThreshold: 0.50,
			MidCostThreshold:   5.0,
			EntropyThreshold:   6.0,
			TokenThreshold:     20000,
		},
		Policy: PolicyConfig{
			Trials:            200,
			AlphaMin:          0.1,
			AlphaMax:          0.9,
			TauCheapMin:       0.3,
			TauCheapMax:       0.8,
			TauHardMin:        0.2,
			TauHardMax:        0.7,
			BucketCosts:       [3]float64{0.08, 3.50, 15.00},
			BucketQualities:   [3]float64{0.65, 0.82, 0.92},
			UnderRoutePenalty: 0.2,
			OverRoutePenalty:  2.0,
			CostScale:         20.0,
			LatencySDPenalty:  0.05,
			CtxOver80Penalty:  0.15,
			DefaultModelCosts: map[string]float64{
				"deepseek/deepseek-r1":        0.08,
				"qwen/qwen3-coder":            0.09,
				"openai/gpt-5":                0.85,
				"google/gemini-2.5-pro":       0.55,
				"anthropic/claude-3.5-sonnet": 0.35,
			},
		},
		Storage: StorageConfig{
			Bucket:       "",
			Prefix:       "artifacts/",
			LocalDir:     "./artifacts",
			MaxArtifacts: 10,
			CacheSize:    32,
		},
		API: APIConfig{
			Host:        "0.0.0.0",
			Port:        8082,
			TokenRate:   100,
			MaxUploadMB: 100,
		},
		Jobs: JobsConfig{
			MaxConcurrent:  3,
			TimeoutHours:   12,
			JournalBackend: "memory",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from the environment. Only the knobs an
// operator changes per deployment are exposed this way.
func (c *Config) applyEnv() {
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Storage.Bucket = getEnv("TUNING_S3_BUCKET", c.Storage.Bucket)
	c.Storage.LocalDir = getEnv("LOCAL_ARTIFACTS_DIR", c.Storage.LocalDir)
	c.Storage.MaxArtifacts = getEnvInt("MAX_ARTIFACTS_TO_KEEP", c.Storage.MaxArtifacts)

	c.API.Host = getEnv("TUNING_API_HOST", c.API.Host)
	c.API.Port = getEnvInt("TUNING_API_PORT", c.API.Port)

	c.Jobs.MaxConcurrent = getEnvInt("MAX_CONCURRENT_TRAINING_JOBS", c.Jobs.MaxConcurrent)
	c.Jobs.TimeoutHours = getEnvInt("TRAINING_TIMEOUT_HOURS", c.Jobs.TimeoutHours)
	c.Jobs.JournalBackend = getEnv("JOB_JOURNAL_BACKEND", c.Jobs.JournalBackend)
	c.Jobs.RedisAddr = getEnv("REDIS_ADDR", c.Jobs.RedisAddr)
	c.Jobs.PostgresConn = getEnv("POSTGRES_CONN", c.Jobs.PostgresConn)
}

// Validate checks cross-field consistency. Returns the first error found.
func (c *Config) Validate() error {
	var errs []string

	if c.Training.CVFolds < 2 {
		errs = append(errs, "training.cv_folds must be at least 2")
	}
	if c.Training.Trials < 1 {
		errs = append(errs, "training.trials must be at least 1")
	}
	if c.Training.EmbeddingDim < 1 {
		errs = append(errs, "training.embedding_dim must be positive")
	}
	if c.Clustering.KMin < 2 {
		errs = append(errs, "clustering.k_min must be at least 2")
	}
	if c.Clustering.KMax <= c.Clustering.KMin {
		errs = append(errs, "clustering.k_max must be greater than k_min")
	}
	if len(c.Clustering.DefaultModels) == 0 {
		errs = append(errs, "clustering.default_models must name at least one model")
	}
	if c.Labeling.CheapCostThreshold <= 0 || c.Labeling.MidCostThreshold <= c.Labeling.CheapCostThreshold {
		errs = append(errs, "labeling cost thresholds must satisfy 0 < cheap < mid")
	}
	if c.Policy.Trials < 1 {
		errs = append(errs, "policy.trials must be at least 1")
	}
	if c.Storage.LocalDir == "" {
		errs = append(errs, "storage.local_dir is required")
	}
	if c.Storage.MaxArtifacts < 1 {
		errs = append(errs, "storage.max_artifacts must be at least 1")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.Jobs.MaxConcurrent < 1 {
		errs = append(errs, "jobs.max_concurrent must be at least 1")
	}
	switch c.Jobs.JournalBackend {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("jobs.journal_backend %q is not one of memory, redis, postgres", c.Jobs.JournalBackend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
