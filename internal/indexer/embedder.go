package indexer

import (
	"context"
	"fmt"
	"strings"

	"docqa/internal/cache"
	"docqa/internal/metrics"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
)

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedderConfig selects the embedding backend.
type EmbedderConfig struct {
	Provider   string // ollama | openai
	Model      string
	OllamaHost string // e.g. http://localhost:11434
	APIKey     string // openai only
	BaseURL    string // overrides the endpoint for either provider
}

// Default embedding models per provider.
const (
	DefaultOllamaEmbedModel = "nomic-embed-text:latest"
	DefaultOpenAIEmbedModel = "text-embedding-3-small"
)

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint. Ollama
// serves one under /v1.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewEmbedder builds an OpenAIEmbedder for the configured provider.
func NewEmbedder(cfg EmbedderConfig) (*OpenAIEmbedder, error) {
	var clientCfg openai.ClientConfig
	model := cfg.Model

	switch strings.ToLower(cfg.Provider) {
	case "ollama", "":
		clientCfg = openai.DefaultConfig("ollama")
		clientCfg.BaseURL = OllamaBaseURL(cfg.OllamaHost)
		if model == "" {
			model = DefaultOllamaEmbedModel
		}
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embeddings require an API key")
		}
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if model == "" {
			model = DefaultOpenAIEmbedModel
		}
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{client: openai.NewClientWithConfig(clientCfg), model: model}, nil
}

// OllamaBaseURL returns the OpenAI-compatible endpoint of an Ollama host.
func OllamaBaseURL(host string) string {
	if host == "" {
		host = "http://localhost:11434"
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return strings.TrimRight(host, "/") + "/v1"
}

// Model returns the embedding model name.
func (e *OpenAIEmbedder) Model() string { return e.model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	results := make([][]float32, len(texts))
	for i, d := range resp.Data {
		pos := d.Index
		if pos < 0 || pos >= len(results) {
			pos = i
		}
		results[pos] = d.Embedding
	}
	return results, nil
}

// CachedEmbedder serves repeated texts from an EmbeddingCache and only sends
// misses to the wrapped Embedder.
type CachedEmbedder struct {
	inner Embedder
	cache cache.EmbeddingCache
	model string
}

// NewCachedEmbedder wraps inner. model namespaces the cache keys.
func NewCachedEmbedder(inner Embedder, c cache.EmbeddingCache, model string) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: c, model: model}
}

func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	cached, err := e.cache.GetMany(ctx, e.model, texts)
	if err != nil {
		log.WithError(err).Warn("Embedding cache read failed")
		cached = make([][]float32, len(texts))
	}

	var missIdx []int
	var missTexts []string
	for i, v := range cached {
		if v == nil {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, texts[i])
		}
	}
	metrics.CacheLookup(len(texts)-len(missIdx), len(missIdx))
	if len(missTexts) == 0 {
		return cached, nil
	}

	fresh, err := e.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		cached[i] = fresh[j]
	}
	if err := e.cache.SetMany(ctx, e.model, missTexts, fresh); err != nil {
		log.WithError(err).Warn("Embedding cache write failed")
	}
	return cached, nil
}
