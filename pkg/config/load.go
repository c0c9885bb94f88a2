package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
)

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from a byte slice. Keys missing from the
// document keep their Default values.
func LoadFromBytes(data []byte) (*Config, error) {
	config := Default()

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvironmentOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadDefault returns Default with environment overrides applied.
func LoadDefault() (*Config, error) {
	return LoadFromBytes(nil)
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
func applyEnvironmentOverrides(config *Config) {
	if v := os.Getenv("MEMORYD_STORE_TYPE"); v != "" {
		config.Store.Type = v
	}

	if v := os.Getenv("MEMORYD_EMBEDDED_PATH"); v != "" {
		config.Store.Embedded.Path = v
	}

	// PgVector connection string override
	if connStr := os.Getenv("PGVECTOR_URL"); connStr != "" {
		config.Store.PgVector.ConnectionString = connStr
	}

	// OpenAI API key override
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.Embedding.OpenAI.APIKey = apiKey
	}

	if dsn := os.Getenv("MEMORYD_AUDIT_DSN"); dsn != "" {
		config.Audit.DSN = dsn
	}

	if level := os.Getenv("MEMORYD_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if v := os.Getenv("MEMORYD_RERANK_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			config.Rerank.Enabled = enabled
		}
	}
}

// validateConfig validates the configuration and fills zero values with defaults.
func validateConfig(config *Config) error {
	defaults := Default()

	switch strings.ToLower(config.Store.Type) {
	case "embedded":
		if config.Store.Embedded.Path == "" {
			return fmt.Errorf("path is required for embedded store")
		}
		if config.Store.Embedded.Oversample <= 0 {
			config.Store.Embedded.Oversample = defaults.Store.Embedded.Oversample
		}
	case "pgvector":
		if config.Store.PgVector.ConnectionString == "" {
			return fmt.Errorf("connection string is required for pgvector store")
		}
		if config.Store.PgVector.Dimensions <= 0 {
			config.Store.PgVector.Dimensions = defaults.Store.PgVector.Dimensions
		}
		if config.Store.PgVector.DistanceMetric == "" {
			config.Store.PgVector.DistanceMetric = "cosine"
		} else {
			metric := strings.ToLower(config.Store.PgVector.DistanceMetric)
			if metric != "cosine" && metric != "euclidean" && metric != "dot" {
				return fmt.Errorf("unsupported distance metric for pgvector: %s (must be cosine, euclidean, or dot)",
					config.Store.PgVector.DistanceMetric)
			}
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store type: %s", config.Store.Type)
	}

	switch strings.ToLower(config.Embedding.Provider) {
	case "mock":
		if config.Embedding.Dimensions <= 0 {
			config.Embedding.Dimensions = defaults.Embedding.Dimensions
		}
	case "openai":
		if config.Embedding.OpenAI.EmbeddingModel == "" {
			config.Embedding.OpenAI.EmbeddingModel = defaults.Embedding.OpenAI.EmbeddingModel
		}
	default:
		return fmt.Errorf("unsupported embedding provider: %s", config.Embedding.Provider)
	}
	if config.Embedding.CacheSize < 0 {
		return fmt.Errorf("embedding cache_size must not be negative")
	}
	if config.Embedding.OpenAI.RerankModel == "" {
		config.Embedding.OpenAI.RerankModel = defaults.Embedding.OpenAI.RerankModel
	}

	if config.Classifier.MinConfidence < 0 || config.Classifier.MinConfidence > 1 {
		return fmt.Errorf("classifier min_confidence must be within [0,1]")
	}

	for category, route := range config.Routes {
		switch route.Mode {
		case "similarity":
			if len(route.Spaces) == 0 {
				return fmt.Errorf("route %q: similarity mode needs at least one space", category)
			}
		case "chronological":
			if len(route.Spaces) != 0 {
				return fmt.Errorf("route %q: chronological mode takes no spaces", category)
			}
		default:
			return fmt.Errorf("route %q: unsupported mode %q", category, route.Mode)
		}
	}

	if config.Fusion.K < 0 {
		return fmt.Errorf("fusion k must be positive")
	}
	if config.Fusion.K == 0 {
		config.Fusion.K = defaults.Fusion.K
	}

	switch strings.ToLower(config.Rerank.Provider) {
	case "mock", "openai":
	case "":
		config.Rerank.Provider = defaults.Rerank.Provider
	default:
		return fmt.Errorf("unsupported rerank provider: %s", config.Rerank.Provider)
	}
	if config.Rerank.BatchSize <= 0 {
		config.Rerank.BatchSize = defaults.Rerank.BatchSize
	}
	if config.Rerank.ScoreThreshold < 0 || config.Rerank.ScoreThreshold > 1 {
		return fmt.Errorf("rerank score_threshold must be within [0,1]")
	}
	if config.Rerank.BreakerFailures == 0 {
		config.Rerank.BreakerFailures = defaults.Rerank.BreakerFailures
	}
	if config.Rerank.BreakerCooldown <= 0 {
		config.Rerank.BreakerCooldown = defaults.Rerank.BreakerCooldown
	}

	if config.Retrieval.Limit <= 0 {
		config.Retrieval.Limit = defaults.Retrieval.Limit
	}
	if config.Retrieval.SearchTimeout <= 0 {
		config.Retrieval.SearchTimeout = defaults.Retrieval.SearchTimeout
	}
	if config.Retrieval.MaxParallelSearches <= 0 {
		config.Retrieval.MaxParallelSearches = defaults.Retrieval.MaxParallelSearches
	}
	if config.Retrieval.TemporalWindow <= 0 {
		config.Retrieval.TemporalWindow = defaults.Retrieval.TemporalWindow
	}

	if err := validateTiers(config.Tiers); err != nil {
		return err
	}

	if config.Sweep.Interval <= 0 {
		config.Sweep.Interval = defaults.Sweep.Interval
	}
	if config.Sweep.TurnstileTimeout <= 0 {
		config.Sweep.TurnstileTimeout = defaults.Sweep.TurnstileTimeout
	}
	if config.Sweep.MaxRecordsPerTier <= 0 {
		config.Sweep.MaxRecordsPerTier = defaults.Sweep.MaxRecordsPerTier
	}
	if config.Sweep.Concurrency <= 0 {
		config.Sweep.Concurrency = defaults.Sweep.Concurrency
	}

	switch config.Audit.Driver {
	case "":
	case "sqlite3", "postgres":
		if config.Audit.DSN == "" {
			return fmt.Errorf("audit dsn is required for driver %s", config.Audit.Driver)
		}
	default:
		return fmt.Errorf("unsupported audit driver: %s", config.Audit.Driver)
	}

	if config.Scripting.Timeout <= 0 {
		config.Scripting.Timeout = defaults.Scripting.Timeout
	}

	if config.Server.Addr == "" {
		config.Server.Addr = defaults.Server.Addr
	}
	if config.Server.ShutdownTimeout <= 0 {
		config.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}

	if !log.Level(config.Logging.Level).Valid() {
		return fmt.Errorf("unsupported log level: %s", config.Logging.Level)
	}

	return nil
}

func validateTiers(t TiersConfig) error {
	for name, th := range map[string]ThresholdConfig{
		"short_to_medium": t.ShortToMedium,
		"medium_to_long":  t.MediumToLong,
	} {
		if th.MinAge <= 0 {
			return fmt.Errorf("tiers.%s.min_age must be positive", name)
		}
		if th.MinSignificance < 0 || th.MinSignificance > 1 {
			return fmt.Errorf("tiers.%s.min_significance must be within [0,1]", name)
		}
	}
	if t.MediumToLong.MinSignificance < t.ShortToMedium.MinSignificance {
		return fmt.Errorf("tiers.medium_to_long.min_significance must not be below tiers.short_to_medium.min_significance")
	}
	if t.Expiry.MaxAge <= 0 {
		return fmt.Errorf("tiers.expiry.max_age must be positive")
	}
	if t.Expiry.MaxSignificance < 0 || t.Expiry.MaxSignificance > 1 {
		return fmt.Errorf("tiers.expiry.max_significance must be within [0,1]")
	}
	return nil
}

// LogConfig converts the logging section for pkg/log.
func (c *Config) LogConfig() log.Config {
	return log.Config{Level: log.Level(c.Logging.Level), Format: log.Format(c.Logging.Format)}
}
