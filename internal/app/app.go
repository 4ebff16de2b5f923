// Package app builds the RAG pipeline and session store from a Config. It is
// shared by the server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"docqa/internal/cache"
	"docqa/internal/chat"
	"docqa/internal/config"
	"docqa/internal/extractor"
	"docqa/internal/indexer"
	"docqa/internal/llm"
	"docqa/internal/rag"
	"docqa/internal/vectorstore"

	log "github.com/sirupsen/logrus"
)

// App owns everything that needs closing on shutdown.
type App struct {
	Pipeline *rag.Pipeline
	closers  []func() error
}

// New connects the embedder, its cache, the chat client and the vector store
// described by cfg.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}

	embedder, err := indexer.NewEmbedder(indexer.EmbedderConfig{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		OllamaHost: cfg.OllamaHost,
		APIKey:     cfg.OpenAIKey,
		BaseURL:    cfg.Embedding.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	embCache, err := newEmbeddingCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, embCache.Close)

	client, err := llm.NewClient(llm.Config{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		OllamaHost:  cfg.OllamaHost,
		APIKey:      cfg.OpenAIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("llm client: %w", err)
	}

	stores, err := vectorstore.NewProvider(ctx, vectorstore.ProviderConfig{
		Backend:     cfg.VectorStore.Backend,
		Dir:         cfg.VectorStore.Dir,
		DatabaseURL: cfg.VectorStore.DatabaseURL,
		Dimension:   cfg.VectorStore.Dimension,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("vector store: %w", err)
	}
	a.closers = append(a.closers, stores.Close)

	var ocr *extractor.OCRConfig
	if cfg.OCR.Enabled {
		ocr = &extractor.OCRConfig{
			Enabled:     true,
			Language:    cfg.OCR.Language,
			TesseractOk: extractor.DetectTesseract(),
		}
		if !ocr.TesseractOk {
			log.Info("OCR: Tesseract not found, scanned PDFs will not be processed")
		} else if !extractor.DetectPdftoppm() {
			log.Warn("OCR: Tesseract found but Poppler (pdftoppm) is missing, falling back to ImageMagick")
		}
	}

	a.Pipeline = rag.New(rag.Options{
		ChunkSize:       cfg.Retrieval.ChunkSize,
		ChunkOverlap:    cfg.Retrieval.ChunkOverlap,
		TopK:            cfg.Retrieval.TopK,
		NumQueries:      cfg.Retrieval.NumQueries,
		IncludeOriginal: cfg.Retrieval.IncludeOriginal,
		RetrievalMode:   cfg.Retrieval.Mode,
		KeywordDir:      cfg.KeywordDir(),
		OCR:             ocr,
	}, stores, indexer.NewCachedEmbedder(embedder, embCache, embedder.Model()), client)
	return a, nil
}

func newEmbeddingCache(ctx context.Context, cfg *config.Config) (cache.EmbeddingCache, error) {
	if cfg.Cache.RedisURL == "" {
		return cache.NewMemoryCache(cfg.Embedding.CacheSize), nil
	}
	rc, err := cache.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	log.WithField("url", cfg.Cache.RedisURL).Info("Embedding cache: redis")
	return rc, nil
}

// ResolveModel fills in cfg.LLM.Model from the served list when none is
// configured, like selecting the first entry of `ollama list`.
func (a *App) ResolveModel(ctx context.Context, cfg *config.Config) error {
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = a.Pipeline.LLM().Model()
	}
	if cfg.LLM.Model != "" {
		return nil
	}
	models, err := a.Pipeline.LLM().ListModels(ctx)
	if err != nil {
		return err
	}
	cfg.LLM.Model = models[0]
	log.WithField("model", cfg.LLM.Model).Info("Default model selected")
	return nil
}

// Close releases the cache and vector store connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// NewSessionStore opens the configured chat session backend.
func NewSessionStore(cfg *config.Config) (chat.Store, error) {
	switch cfg.Sessions.Backend {
	case "sqlite":
		return chat.NewSQLiteStore(cfg.Sessions.Path)
	case "file", "":
		return chat.NewFileStore(cfg.Sessions.Path)
	default:
		return nil, fmt.Errorf("unknown session store: %s", cfg.Sessions.Backend)
	}
}
