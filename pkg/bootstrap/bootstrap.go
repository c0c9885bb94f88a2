// Package bootstrap assembles a memoryd instance from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/audit"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/classify"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/config"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/embedding"
	embedmock "github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/embedding/adapters/mock"
	embedopenai "github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/embedding/adapters/openai"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/fusion"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory/adapters/embedded"
	storemock "github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory/adapters/mock"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory/adapters/pgvector"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/rerank"
	rerankmock "github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/rerank/adapters/mock"
	rerankopenai "github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/rerank/adapters/openai"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/retrieval"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/route"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/scripting"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/tier"
)

// App holds every wired component.
type App struct {
	Config       *config.Config
	Store        memory.ReadWriteStore
	Embedder     embedding.Embedder
	Classifier   *classify.Classifier
	Router       *route.Router
	Reranker     *rerank.Reranker
	Tiers        *tier.Manager
	Scheduler    *tier.Scheduler
	Ledger       audit.Ledger
	Scripts      scripting.Engine
	Orchestrator *retrieval.Orchestrator

	closers []func() error
}

// NewFromFile loads the configuration at path, or the defaults when path is
// empty, and builds an App.
func NewFromFile(ctx context.Context, path string) (*App, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadDefault()
	} else {
		cfg, err = config.LoadFromFile(path)
	}
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// New builds an App. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}
	built := false
	defer func() {
		if !built {
			_ = app.Close()
		}
	}()

	var err error
	if app.Store, err = initStore(ctx, cfg); err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Store.Close)

	if app.Embedder, err = initEmbedder(cfg); err != nil {
		return nil, err
	}

	if len(cfg.Scripting.Paths) > 0 {
		if app.Scripts, err = initScriptEngine(cfg); err != nil {
			return nil, err
		}
		app.closers = append(app.closers, app.Scripts.Close)
	}

	if app.Classifier, err = initClassifier(cfg, app.Scripts); err != nil {
		return nil, err
	}

	table, err := route.TableFromConfig(cfg.Routes)
	if err != nil {
		return nil, err
	}
	if app.Router, err = route.NewRouter(table, cfg.Retrieval.Limit, cfg.Retrieval.TemporalWindow); err != nil {
		return nil, err
	}

	engine := fusion.NewEngine(app.Store, fusion.Options{
		K:             cfg.Fusion.K,
		SearchTimeout: cfg.Retrieval.SearchTimeout,
		MaxParallel:   cfg.Retrieval.MaxParallelSearches,
	})

	if cfg.Rerank.Enabled {
		if app.Reranker, err = initReranker(cfg); err != nil {
			return nil, err
		}
	}

	if app.Ledger, err = initLedger(ctx, cfg, app); err != nil {
		return nil, err
	}

	app.Tiers, err = tier.NewManager(app.Store, tier.PolicyFromConfig(cfg.Tiers),
		tier.WithLedger(app.Ledger),
		tier.WithTurnstileTimeout(cfg.Sweep.TurnstileTimeout),
		tier.WithMaxRecordsPerTier(cfg.Sweep.MaxRecordsPerTier),
	)
	if err != nil {
		return nil, err
	}

	app.Scheduler, err = tier.NewScheduler(app.Tiers, app.Store, tier.SchedulerConfig{
		Interval:    cfg.Sweep.Interval,
		Schedule:    cfg.Sweep.Schedule,
		Concurrency: cfg.Sweep.Concurrency,
	})
	if err != nil {
		return nil, err
	}

	app.Orchestrator, err = retrieval.New(retrieval.Config{
		Store:      app.Store,
		Writer:     app.Store,
		Embedder:   app.Embedder,
		Classifier: app.Classifier,
		Router:     app.Router,
		Engine:     engine,
		Reranker:   app.Reranker,
		Tiers:      app.Tiers,
		Limit:      cfg.Retrieval.Limit,
	})
	if err != nil {
		return nil, err
	}
	built = true
	return app, nil
}

// Init runs the startup readiness checks. The embedder must be ready; a
// reranker that is not ready only disables reranking.
func (a *App) Init(ctx context.Context) error {
	if err := a.Orchestrator.Ready(ctx); err != nil {
		return err
	}
	if a.Reranker != nil {
		if err := a.Reranker.Init(ctx); err != nil {
			log.Warn("Reranker not ready, serving fused order", "error", err)
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	if a.Scheduler != nil {
		_ = a.Scheduler.Stop(context.Background())
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func initStore(ctx context.Context, cfg *config.Config) (memory.ReadWriteStore, error) {
	switch strings.ToLower(cfg.Store.Type) {
	case "embedded", "":
		path := cfg.Store.Embedded.Path
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		log.Info("Using embedded store", "path", path, "persist_vectors", cfg.Store.Embedded.PersistVectors)
		return embedded.Open(ctx, embedded.Options{
			Path:           path,
			PersistVectors: cfg.Store.Embedded.PersistVectors,
			Oversample:     cfg.Store.Embedded.Oversample,
		})

	case "pgvector":
		dsn := cfg.Store.PgVector.ConnectionString
		if dsn == "" {
			return nil, fmt.Errorf("pgvector connection string not provided")
		}
		log.Info("Using pgvector store",
			"dimensions", cfg.Store.PgVector.Dimensions,
			"distance_metric", cfg.Store.PgVector.DistanceMetric,
		)
		return pgvector.New(ctx, pgvector.Config{
			ConnectionString: dsn,
			Dimensions:       cfg.Store.PgVector.Dimensions,
			DistanceMetric:   cfg.Store.PgVector.DistanceMetric,
		})

	case "memory":
		log.Warn("Using in-memory store; records are lost on exit")
		return storemock.NewMockStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
}

func spaceMap(in map[string]string) map[memory.VectorSpace]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[memory.VectorSpace]string, len(in))
	for k, v := range in {
		out[memory.VectorSpace(k)] = v
	}
	return out
}

func initEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	var base embedding.Embedder
	switch strings.ToLower(cfg.Embedding.Provider) {
	case "mock", "":
		base = embedmock.New(cfg.Embedding.Dimensions)
	case "openai":
		e, err := embedopenai.New(embedopenai.Config{
			APIKey:            cfg.Embedding.OpenAI.APIKey,
			Model:             cfg.Embedding.OpenAI.EmbeddingModel,
			SpaceModels:       spaceMap(cfg.Embedding.OpenAI.SpaceModels),
			SpacePrefixes:     spaceMap(cfg.Embedding.OpenAI.SpacePrefixes),
			BaseURL:           cfg.Embedding.OpenAI.BaseURL,
			RequestsPerSecond: cfg.Embedding.OpenAI.RequestsPerSecond,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedder: %w", err)
		}
		base = e
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Embedding.Provider)
	}

	if cfg.Embedding.CacheSize <= 0 {
		return base, nil
	}
	return embedding.NewCache(base, cfg.Embedding.CacheSize)
}

// initScriptEngine loads every configured script directory. Missing
// directories are skipped with a warning.
func initScriptEngine(cfg *config.Config) (scripting.Engine, error) {
	engine, err := scripting.NewLuaEngine(scripting.Config{
		EnableSandboxing: true,
		Timeout:          cfg.Scripting.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Lua engine: %w", err)
	}

	for _, dir := range cfg.Scripting.Paths {
		abs, err := filepath.Abs(dir)
		if err != nil {
			log.Warn("Failed to get absolute path", "path", dir, "error", err)
			continue
		}
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			log.Warn("Scripts directory not found", "path", abs)
			continue
		}
		if err := engine.LoadScriptDir(abs); err != nil {
			engine.Close()
			return nil, err
		}
	}
	return engine, nil
}

func initClassifier(cfg *config.Config, scripts scripting.Engine) (*classify.Classifier, error) {
	opts := []classify.Option{classify.WithMinConfidence(cfg.Classifier.MinConfidence)}

	if fn := cfg.Classifier.ScriptFunction; fn != "" {
		if scripts == nil || !scripts.HasFunction(fn) {
			return nil, fmt.Errorf("classifier script function %q is not loaded", fn)
		}
		opts = append(opts, classify.WithFamily(classify.ScriptFamily{Runner: scripts, Function: fn}))
		log.Info("Classifier script family enabled", "function", fn)
	}
	return classify.New(opts...), nil
}

func initReranker(cfg *config.Config) (*rerank.Reranker, error) {
	var scorer rerank.Scorer
	switch strings.ToLower(cfg.Rerank.Provider) {
	case "mock", "":
		scorer = rerankmock.New()
	case "openai":
		s, err := rerankopenai.New(rerankopenai.Config{
			APIKey:            cfg.Embedding.OpenAI.APIKey,
			Model:             cfg.Embedding.OpenAI.RerankModel,
			BaseURL:           cfg.Embedding.OpenAI.BaseURL,
			RequestsPerSecond: cfg.Embedding.OpenAI.RequestsPerSecond,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI reranker: %w", err)
		}
		scorer = s
	default:
		return nil, fmt.Errorf("unsupported rerank provider: %s", cfg.Rerank.Provider)
	}

	breaker := rerank.NewBreakerScorer(scorer, rerank.BreakerConfig{
		MaxFailures: cfg.Rerank.BreakerFailures,
		Cooldown:    cfg.Rerank.BreakerCooldown,
	})
	return rerank.New(breaker, rerank.Options{
		BatchSize:    cfg.Rerank.BatchSize,
		UseThreshold: cfg.Rerank.UseThreshold,
		Threshold:    cfg.Rerank.ScoreThreshold,
	}), nil
}

func initLedger(ctx context.Context, cfg *config.Config, app *App) (audit.Ledger, error) {
	if cfg.Audit.Driver == "" {
		return audit.NopLedger{}, nil
	}
	l, err := audit.Open(ctx, cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, l.Close)
	return l, nil
}
