// Package embeddings turns textual values into vectors for the semantic
// index, with an LRU cache in front of the provider.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"entitylink/internal/config"
)

// Service defines the interface for generating embeddings
type Service interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model returns the provider model name
	Model() string
}

// OpenAIService implements Service using OpenAI's embeddings API.
type OpenAIService struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	cache   *Cache
}

// NewOpenAIService creates an embedding service from the OpenAI config.
func NewOpenAIService(cfg *config.OpenAIConfig) (*OpenAIService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OpenAIService{
		client:  openai.NewClient(cfg.APIKey),
		model:   model,
		timeout: timeout,
		cache:   NewCache(cfg.CacheSize, time.Duration(cfg.CacheTTLHours)*time.Hour),
	}, nil
}

// Embed returns the embedding for text, serving repeats from cache.
func (s *OpenAIService) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("text cannot be empty")
	}
	if cached, ok := s.cache.Get(text); ok {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(s.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response contained no data")
	}

	embedding := resp.Data[0].Embedding
	s.cache.Set(text, embedding)
	return embedding, nil
}

// Model returns the provider model name.
func (s *OpenAIService) Model() string {
	return s.model
}
