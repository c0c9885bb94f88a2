// Package openai implements embedding.Embedder against an OpenAI-compatible
// embeddings endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
)

var (
	// ErrEmptyAPIKey is returned when the API key is missing.
	ErrEmptyAPIKey = errors.New("API key cannot be empty")

	// ErrEmptyResponse is returned when the API answers without a vector.
	ErrEmptyResponse = errors.New("embedding response contained no data")
)

// Config holds the configuration for the OpenAI embedder.
type Config struct {
	// APIKey is the OpenAI API key.
	APIKey string
	// Model is the default embedding model, e.g. "text-embedding-3-small".
	Model string
	// SpaceModels overrides Model per vector space.
	SpaceModels map[memory.VectorSpace]string
	// SpacePrefixes is prepended to the input per vector space.
	SpacePrefixes map[memory.VectorSpace]string
	// BaseURL is the base URL for the OpenAI API (for testing).
	BaseURL string
	// RequestsPerSecond throttles calls; zero means unlimited.
	RequestsPerSecond float64
}

// Embedder implements embedding.Embedder using the OpenAI API.
type Embedder struct {
	client   *openai.Client
	model    string
	models   map[memory.VectorSpace]string
	prefixes map[memory.VectorSpace]string
	limiter  *rate.Limiter
}

// New creates an Embedder.
func New(config Config) (*Embedder, error) {
	if config.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), int(config.RequestsPerSecond)+1)
	}

	return &Embedder{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    config.Model,
		models:   config.SpaceModels,
		prefixes: config.SpacePrefixes,
		limiter:  limiter,
	}, nil
}

func (e *Embedder) modelFor(space memory.VectorSpace) string {
	if m, ok := e.models[space]; ok && m != "" {
		return m
	}
	return e.model
}

// Embed implements embedding.Embedder.
func (e *Embedder) Embed(ctx context.Context, space memory.VectorSpace, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	model := e.modelFor(space)
	log.DebugContext(ctx, "Generating embedding", "space", string(space), "model", model)

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{e.prefixes[space] + text},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding for space %s: %w", space, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp.Data[0].Embedding, nil
}

// Ready implements embedding.Embedder by embedding a short text.
func (e *Embedder) Ready(ctx context.Context) error {
	_, err := e.Embed(ctx, memory.ContentSpace, "readiness check")
	return err
}
