// Package rag wires document loading, indexing, multi-query retrieval and
// answer generation into one pipeline.
package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docqa/internal/extractor"
	"docqa/internal/indexer"
	"docqa/internal/llm"
	"docqa/internal/metrics"
	"docqa/internal/retriever"
	"docqa/internal/vectorstore"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

// ErrNoVectorDB is returned when a question or delete arrives before any
// document has been indexed.
var ErrNoVectorDB = errors.New("no vector database found")

// DefaultCollection is the collection used when none is named.
const DefaultCollection = "myRAG"

// Options tunes the pipeline. Zero values select the defaults.
type Options struct {
	ChunkSize       int
	ChunkOverlap    int
	TopK            int
	NumQueries      int
	IncludeOriginal bool
	RetrievalMode   string // vector | hybrid
	KeywordDir      string // where hybrid mode keeps <collection>.bleve; empty keeps it in memory
	OCR             *extractor.OCRConfig
}

// Pipeline answers questions about indexed documents.
type Pipeline struct {
	opts     Options
	stores   *vectorstore.Provider
	embedder indexer.Embedder
	llm      *llm.Client
}

// New builds a Pipeline.
func New(opts Options, stores *vectorstore.Provider, embedder indexer.Embedder, client *llm.Client) *Pipeline {
	if opts.RetrievalMode == "" {
		opts.RetrievalMode = retriever.ModeVector
	}
	log.WithFields(log.Fields{
		"chunk_size":    nonZero(opts.ChunkSize, indexer.DefaultChunkSize),
		"chunk_overlap": nonZero(opts.ChunkOverlap, indexer.DefaultChunkOverlap),
		"mode":          opts.RetrievalMode,
		"store":         stores.Backend(),
	}).Info("RAG manager initialized")
	return &Pipeline{opts: opts, stores: stores, embedder: embedder, llm: client}
}

// LLM returns the chat client.
func (p *Pipeline) LLM() *llm.Client { return p.llm }

// LoadFiles extracts pages from each path, stopping at the first failure.
func (p *Pipeline) LoadFiles(paths []string) ([]extractor.Page, error) {
	var pages []extractor.Page
	for _, path := range paths {
		docPages, err := p.LoadFile(path)
		if err != nil {
			return nil, err
		}
		pages = append(pages, docPages...)
	}
	return pages, nil
}

// LoadFile extracts pages from one document.
func (p *Pipeline) LoadFile(path string) ([]extractor.Page, error) {
	pages, err := extractor.Extract(path, p.opts.OCR)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	metrics.DocumentsIngested.WithLabelValues(strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")).Inc()
	return pages, nil
}

// Exists reports whether collection has been indexed.
func (p *Pipeline) Exists(ctx context.Context, collection string) (bool, error) {
	return p.stores.Exists(ctx, collection)
}

// CreateVectorDB chunks and embeds pages into collection and returns the
// open index.
func (p *Pipeline) CreateVectorDB(ctx context.Context, collection string, pages []extractor.Page, progress indexer.ProgressFunc) (*indexer.Index, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to index")
	}
	idx, err := p.NewVectorDB(collection)
	if err != nil {
		return nil, err
	}
	if err := p.IndexPages(ctx, idx, pages, progress); err != nil {
		idx.Close()
		return nil, err
	}
	return idx, nil
}

// NewVectorDB opens collection for writing without requiring it to exist.
// Callers that index in the background use it to hold the only handle on
// the collection while IndexPages runs.
func (p *Pipeline) NewVectorDB(collection string) (*indexer.Index, error) {
	return p.open(collection)
}

// IndexPages chunks and embeds pages into idx. On error the index may hold
// a partial collection; DeleteVectorDB removes it.
func (p *Pipeline) IndexPages(ctx context.Context, idx *indexer.Index, pages []extractor.Page, progress indexer.ProgressFunc) error {
	if len(pages) == 0 {
		return fmt.Errorf("no pages to index")
	}
	n, err := idx.AddDocuments(ctx, pages, progress)
	if err != nil {
		return fmt.Errorf("create vector db: %w", err)
	}
	log.WithField("collection", idx.Name).Printf("Vector DB created with %d chunks", n)
	return nil
}

// OpenVectorDB reopens a persisted collection.
func (p *Pipeline) OpenVectorDB(ctx context.Context, collection string) (*indexer.Index, error) {
	ok, err := p.stores.Exists(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoVectorDB
	}
	idx, err := p.open(collection)
	if err != nil {
		return nil, err
	}
	log.WithField("collection", collection).Debug("Vector DB opened")
	return idx, nil
}

func (p *Pipeline) open(collection string) (*indexer.Index, error) {
	store, err := p.stores.Open(collection)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", collection, err)
	}

	var kwPath string
	var keywords bleve.Index
	if p.opts.RetrievalMode == retriever.ModeHybrid {
		if p.opts.KeywordDir != "" {
			if err := os.MkdirAll(p.opts.KeywordDir, 0755); err != nil {
				store.Close()
				return nil, fmt.Errorf("create keyword dir: %w", err)
			}
			kwPath = filepath.Join(p.opts.KeywordDir, collection+".bleve")
		}
		keywords, err = indexer.OpenKeywordIndex(kwPath)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open keyword index: %w", err)
		}
	}
	splitter := indexer.NewSplitter(p.opts.ChunkSize, p.opts.ChunkOverlap)
	return indexer.New(collection, store, p.embedder, splitter, keywords, kwPath), nil
}

// DeleteVectorDB drops every chunk of idx and closes it.
func (p *Pipeline) DeleteVectorDB(ctx context.Context, idx *indexer.Index) error {
	if idx == nil {
		return ErrNoVectorDB
	}
	log.WithField("collection", idx.Name).Info("Deleting vector DB")
	if err := idx.Drop(ctx); err != nil {
		return fmt.Errorf("delete vector db: %w", err)
	}
	return idx.Close()
}

func (p *Pipeline) multiQuery(client *llm.Client, idx *indexer.Index) *retriever.MultiQuery {
	return &retriever.MultiQuery{
		Searcher:        retriever.New(idx, p.opts.TopK, p.opts.RetrievalMode),
		Generator:       client,
		NumQueries:      p.opts.NumQueries,
		IncludeOriginal: p.opts.IncludeOriginal,
	}
}

// Run retrieves context for question from idx and answers it with model
// (or the default model when empty).
func (p *Pipeline) Run(ctx context.Context, question, model string, idx *indexer.Index) (*llm.Answer, error) {
	if idx == nil {
		metrics.ObserveQuery(metrics.StatusNoDocument, time.Now())
		return nil, ErrNoVectorDB
	}
	start := time.Now()
	log.Printf("Processing question: %s", question)

	client := p.llm.WithModel(model)
	queries, results, err := p.multiQuery(client, idx).Retrieve(ctx, question)
	if err != nil {
		metrics.ObserveQuery(metrics.StatusError, start)
		return nil, err
	}
	ans, err := client.Answer(ctx, question, results)
	if err != nil {
		metrics.ObserveQuery(metrics.StatusError, start)
		return nil, err
	}
	ans.Queries = queries

	metrics.ObserveQuery(metrics.StatusOK, start)
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("Question processed and response generated")
	return ans, nil
}

// Event types emitted by Stream.
const (
	EventQueries = "queries"
	EventToken   = "token"
	EventDone    = "done"
	EventError   = "error"
)

// Event is one step of a streamed answer.
type Event struct {
	Type    string      `json:"type"`
	Queries []string    `json:"queries,omitempty"`
	Token   string      `json:"token,omitempty"`
	Answer  *llm.Answer `json:"answer,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Stream is Run with progress: the generated queries, then answer tokens,
// then the final answer. Errors are returned, not emitted.
func (p *Pipeline) Stream(ctx context.Context, question, model string, idx *indexer.Index, onEvent func(Event)) (*llm.Answer, error) {
	if idx == nil {
		metrics.ObserveQuery(metrics.StatusNoDocument, time.Now())
		return nil, ErrNoVectorDB
	}
	start := time.Now()
	log.Printf("Processing question: %s", question)

	client := p.llm.WithModel(model)
	queries, results, err := p.multiQuery(client, idx).Retrieve(ctx, question)
	if err != nil {
		metrics.ObserveQuery(metrics.StatusError, start)
		return nil, err
	}
	onEvent(Event{Type: EventQueries, Queries: queries})

	ans, err := client.StreamAnswer(ctx, question, results, func(tok string) {
		onEvent(Event{Type: EventToken, Token: tok})
	})
	if err != nil {
		metrics.ObserveQuery(metrics.StatusError, start)
		return nil, err
	}
	ans.Queries = queries
	onEvent(Event{Type: EventDone, Answer: ans})

	metrics.ObserveQuery(metrics.StatusOK, start)
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("Question processed and response generated")
	return ans, nil
}

func nonZero(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
