package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/teleton/internal/store"
)

// OpenAIEmbeddings is the slice of go-openai used for embedding calls.
type OpenAIEmbeddings interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIEmbedder implements Embedder using OpenAI embedding models.
type OpenAIEmbedder struct {
	client OpenAIEmbeddings
	model  string
}

// NewOpenAIEmbedder builds an embedder from an API key.
func NewOpenAIEmbedder(apiKey, baseURL, model string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewOpenAIEmbedderFromClient(openai.NewClientWithConfig(cfg), model)
}

// NewOpenAIEmbedderFromClient builds an embedder around an existing client.
func NewOpenAIEmbedderFromClient(client OpenAIEmbeddings, model string) (*OpenAIEmbedder, error) {
	if client == nil {
		return nil, errors.New("openai embeddings client is required")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{client: client, model: model}, nil
}

// Name implements Embedder.
func (e *OpenAIEmbedder) Name() string { return "openai" }

// Model implements Embedder.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Dimension implements Embedder.
func (e *OpenAIEmbedder) Dimension() int {
	switch e.model {
	case "text-embedding-3-large":
		return 3072
	default:
		// text-embedding-3-small and ada-002
		return 1536
	}
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return vectors[0], nil
}

// EmbedBatch implements Embedder.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	vectors := make([][]float32, len(resp.Data))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			continue
		}
		vectors[data.Index] = data.Embedding
	}
	return vectors, nil
}

// CachedEmbedder fronts an Embedder with the store's persistent cache, keyed
// by content hash, model, and provider.
type CachedEmbedder struct {
	inner Embedder
	store *store.Store
}

// NewCachedEmbedder wraps inner with the cache in s.
func NewCachedEmbedder(inner Embedder, s *store.Store) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, store: s}
}

// Name implements Embedder.
func (c *CachedEmbedder) Name() string { return c.inner.Name() }

// Model implements Embedder.
func (c *CachedEmbedder) Model() string { return c.inner.Model() }

// Dimension implements Embedder.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

// Embed implements Embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return vectors[0], nil
}

// EmbedBatch implements Embedder. Cache hits are served from the store; only
// misses travel to the provider, in one batch.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		hash := ContentHash(text)
		cached, ok, err := c.store.CachedEmbedding(ctx, hash, c.Model(), c.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			vectors[i] = cached
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(fresh), len(missing))
	}
	for j, vector := range fresh {
		i := missingIdx[j]
		vectors[i] = vector
		if err := c.store.PutEmbedding(ctx, ContentHash(texts[i]), c.Model(), c.Name(), vector); err != nil {
			return nil, err
		}
	}
	return vectors, nil
}

// ContentHash is the stable hash used for embedding-cache and knowledge keys.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
