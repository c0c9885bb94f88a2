// Package openai implements rerank.Scorer with a chat model asked to grade
// every (query, memory) pair of a batch in one request.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	memerrors "github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
)

// ErrEmptyAPIKey is returned when the API key is missing.
var ErrEmptyAPIKey = errors.New("API key cannot be empty")

const systemPrompt = `You grade how relevant remembered conversation snippets are to a user's message.
Return a JSON object {"scores": [...]} with one number between 0 and 1 per snippet, in the given order.
1 means the snippet directly answers or informs the message; 0 means unrelated.`

// Config holds the configuration for the scorer.
type Config struct {
	// APIKey is the OpenAI API key.
	APIKey string
	// Model is the chat model, e.g. "gpt-4o-mini".
	Model string
	// BaseURL is the base URL for the OpenAI API (for testing).
	BaseURL string
	// RequestsPerSecond throttles calls; zero means unlimited.
	RequestsPerSecond float64
}

// Scorer implements rerank.Scorer using chat completions.
type Scorer struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
}

// New creates a Scorer.
func New(config Config) (*Scorer, error) {
	if config.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), int(config.RequestsPerSecond)+1)
	}

	return &Scorer{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   config.Model,
		limiter: limiter,
	}, nil
}

func buildPrompt(query string, texts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message: %s\n\nSnippets:\n", query)
	for i, t := range texts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.ReplaceAll(t, "\n", " "))
	}
	return b.String()
}

type scoresPayload struct {
	Scores []float64 `json:"scores"`
}

// Score implements rerank.Scorer.
func (s *Scorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return []float64{}, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	log.DebugContext(ctx, "Scoring rerank batch", "model", s.model, "count", len(texts))

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(query, texts)},
		},
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", memerrors.ErrRerankerUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, memerrors.Wrap(memerrors.ErrRerankerUnavailable, "empty completion")
	}

	var payload scoresPayload
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed scores: %w", memerrors.ErrRerankerUnavailable, err)
	}
	if len(payload.Scores) != len(texts) {
		return nil, memerrors.Wrap(memerrors.ErrRerankerUnavailable, "got %d scores for %d snippets", len(payload.Scores), len(texts))
	}

	for i, v := range payload.Scores {
		switch {
		case v < 0:
			payload.Scores[i] = 0
		case v > 1:
			payload.Scores[i] = 1
		}
	}
	return payload.Scores, nil
}

// Ready implements rerank.Scorer by scoring a single pair.
func (s *Scorer) Ready(ctx context.Context) error {
	_, err := s.Score(ctx, "readiness check", []string{"readiness check"})
	return err
}
