package config

import (
	"time"
)

// Config represents the top-level configuration for memoryd.
type Config struct {
	// Store configures the vector store backend
	Store StoreConfig `yaml:"store"`

	// Embedding configures the embedding service client
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Classifier configures query classification
	Classifier ClassifierConfig `yaml:"classifier"`

	// Routes overrides the category to vector space routing table.
	// Categories left out keep their default route.
	Routes map[string]RouteConfig `yaml:"routes"`

	// Fusion configures reciprocal rank fusion
	Fusion FusionConfig `yaml:"fusion"`

	// Rerank configures the cross-encoder reranking stage
	Rerank RerankConfig `yaml:"rerank"`

	// Retrieval configures the request path
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Tiers configures promotion, demotion and expiry thresholds
	Tiers TiersConfig `yaml:"tiers"`

	// Sweep configures the background tier sweep
	Sweep SweepConfig `yaml:"sweep"`

	// Audit configures the tier transition ledger
	Audit AuditConfig `yaml:"audit"`

	// Scripting configures the Lua scripting engine
	Scripting ScriptingConfig `yaml:"scripting"`

	// Server configures the HTTP API
	Server ServerConfig `yaml:"server"`

	// Logging configures the logging behavior
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig selects and configures the vector store.
type StoreConfig struct {
	// Type is one of "embedded", "pgvector", "memory"
	Type string `yaml:"type"`

	// Embedded configures the chromem-go + bbolt store
	Embedded EmbeddedConfig `yaml:"embedded"`

	// PgVector configures PostgreSQL pgvector storage
	PgVector PgVectorConfig `yaml:"pgvector"`
}

// EmbeddedConfig configures the embedded store.
type EmbeddedConfig struct {
	// Path is the directory holding the bbolt file and chromem collections
	Path string `yaml:"path"`

	// PersistVectors keeps chromem collections on disk instead of rebuilding them on open
	PersistVectors bool `yaml:"persist_vectors"`

	// Oversample multiplies the search limit before post-filtering
	Oversample int `yaml:"oversample"`
}

// PgVectorConfig configures PostgreSQL pgvector storage.
type PgVectorConfig struct {
	// ConnectionString is the PostgreSQL connection URL
	ConnectionString string `yaml:"connection_string"`

	// Dimensions is the vector size shared by every space
	Dimensions int `yaml:"dimensions"`

	// DistanceMetric is one of "cosine", "euclidean", "dot"
	DistanceMetric string `yaml:"distance_metric"`
}

// EmbeddingConfig configures the embedding service.
type EmbeddingConfig struct {
	// Provider is one of "mock", "openai"
	Provider string `yaml:"provider"`

	// Dimensions is the vector size produced by the mock provider
	Dimensions int `yaml:"dimensions"`

	// CacheSize bounds the number of cached query embeddings (0 disables)
	CacheSize int `yaml:"cache_size"`

	// OpenAI configures the OpenAI provider
	OpenAI OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig configures OpenAI-compatible endpoints.
type OpenAIConfig struct {
	// APIKey is the API key (usually from OPENAI_API_KEY)
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API endpoint
	BaseURL string `yaml:"base_url"`

	// EmbeddingModel is the default embedding model
	EmbeddingModel string `yaml:"embedding_model"`

	// SpaceModels maps a vector space to a dedicated embedding model
	SpaceModels map[string]string `yaml:"space_models"`

	// SpacePrefixes maps a vector space to an instruction prefixed to the input
	SpacePrefixes map[string]string `yaml:"space_prefixes"`

	// RerankModel is the chat model used for pairwise relevance scoring
	RerankModel string `yaml:"rerank_model"`

	// RequestsPerSecond throttles outgoing calls (0 disables)
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// ClassifierConfig configures query classification.
type ClassifierConfig struct {
	// MinConfidence is the score a category needs to beat the general fallback
	MinConfidence float64 `yaml:"min_confidence"`

	// ScriptFunction names a Lua function contributing extra rule weights
	ScriptFunction string `yaml:"script_function"`
}

// RouteConfig describes how one category is searched.
type RouteConfig struct {
	// Mode is "similarity" or "chronological"
	Mode string `yaml:"mode"`

	// Spaces lists the vector spaces searched in similarity mode
	Spaces []SpaceConfig `yaml:"spaces"`
}

// SpaceConfig is one vector search within a route.
type SpaceConfig struct {
	Space           string   `yaml:"space"`
	Limit           int      `yaml:"limit"`
	Tiers           []string `yaml:"tiers"`
	MinSignificance float64  `yaml:"min_significance"`
}

// FusionConfig configures reciprocal rank fusion.
type FusionConfig struct {
	// K is the RRF smoothing constant
	K float64 `yaml:"k"`
}

// RerankConfig configures the reranking stage.
type RerankConfig struct {
	// Enabled turns the stage on; it is off by default
	Enabled bool `yaml:"enabled"`

	// Provider is one of "mock", "openai"
	Provider string `yaml:"provider"`

	// BatchSize is how many fused candidates are re-scored
	BatchSize int `yaml:"batch_size"`

	// UseThreshold enables ScoreThreshold
	UseThreshold bool `yaml:"use_threshold"`

	// ScoreThreshold drops scored candidates below this relevance
	ScoreThreshold float64 `yaml:"score_threshold"`

	// BreakerFailures is the consecutive failure count that opens the breaker
	BreakerFailures uint32 `yaml:"breaker_failures"`

	// BreakerCooldown is how long the breaker stays open
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// RetrievalConfig configures the request path.
type RetrievalConfig struct {
	// Limit is the number of candidates returned
	Limit int `yaml:"limit"`

	// SearchTimeout bounds each vector search
	SearchTimeout time.Duration `yaml:"search_timeout"`

	// MaxParallelSearches bounds concurrent searches per request
	MaxParallelSearches int `yaml:"max_parallel_searches"`

	// TemporalWindow is how far back chronological retrieval scrolls
	TemporalWindow time.Duration `yaml:"temporal_window"`
}

// ThresholdConfig is a promotion threshold.
type ThresholdConfig struct {
	MinAge          time.Duration `yaml:"min_age"`
	MinSignificance float64       `yaml:"min_significance"`
}

// ExpiryConfig is the short-term expiry rule.
type ExpiryConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`
	MaxSignificance float64       `yaml:"max_significance"`
}

// TiersConfig holds the tier lifecycle thresholds.
type TiersConfig struct {
	ShortToMedium ThresholdConfig `yaml:"short_to_medium"`
	MediumToLong  ThresholdConfig `yaml:"medium_to_long"`
	Expiry        ExpiryConfig    `yaml:"expiry"`
}

// SweepConfig configures the background sweep.
type SweepConfig struct {
	// Enabled starts the scheduler with the server
	Enabled bool `yaml:"enabled"`

	// Interval runs a sweep every interval when Schedule is empty
	Interval time.Duration `yaml:"interval"`

	// Schedule is a cron expression that takes precedence over Interval
	Schedule string `yaml:"schedule"`

	// TurnstileTimeout bounds the wait for a per-owner sweep slot
	TurnstileTimeout time.Duration `yaml:"turnstile_timeout"`

	// MaxRecordsPerTier bounds the snapshot taken per tier
	MaxRecordsPerTier int `yaml:"max_records_per_tier"`

	// Concurrency bounds owners swept in parallel
	Concurrency int `yaml:"concurrency"`
}

// AuditConfig configures the transition ledger.
type AuditConfig struct {
	// Driver is "sqlite3" or "postgres"; empty disables the ledger
	Driver string `yaml:"driver"`

	// DSN is the data source name
	DSN string `yaml:"dsn"`
}

// ScriptingConfig configures the Lua scripting engine.
type ScriptingConfig struct {
	// Paths is a list of directories containing Lua scripts
	Paths []string `yaml:"paths"`

	// Timeout bounds a single script call
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `yaml:"level"`

	// Format is the log format ("text", "json")
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Type: "embedded",
			Embedded: EmbeddedConfig{
				Path:       "./data",
				Oversample: 4,
			},
			PgVector: PgVectorConfig{
				Dimensions:     1536,
				DistanceMetric: "cosine",
			},
		},
		Embedding: EmbeddingConfig{
			Provider:   "mock",
			Dimensions: 256,
			CacheSize:  4096,
			OpenAI: OpenAIConfig{
				EmbeddingModel: "text-embedding-3-small",
				RerankModel:    "gpt-4o-mini",
			},
		},
		Classifier: ClassifierConfig{
			MinConfidence: 0.35,
		},
		Fusion: FusionConfig{K: 60},
		Rerank: RerankConfig{
			Provider:        "mock",
			BatchSize:       20,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Retrieval: RetrievalConfig{
			Limit:               10,
			SearchTimeout:       2 * time.Second,
			MaxParallelSearches: 4,
			TemporalWindow:      7 * 24 * time.Hour,
		},
		Tiers: TiersConfig{
			ShortToMedium: ThresholdConfig{MinAge: 30 * 24 * time.Hour, MinSignificance: 0.6},
			MediumToLong:  ThresholdConfig{MinAge: 90 * 24 * time.Hour, MinSignificance: 0.8},
			Expiry:        ExpiryConfig{MaxAge: 60 * 24 * time.Hour, MaxSignificance: 0.3},
		},
		Sweep: SweepConfig{
			Interval:          time.Hour,
			TurnstileTimeout:  5 * time.Second,
			MaxRecordsPerTier: 10000,
			Concurrency:       4,
		},
		Scripting: ScriptingConfig{
			Timeout: 100 * time.Millisecond,
		},
		Server: ServerConfig{
			Addr:            ":8088",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
