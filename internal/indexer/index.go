package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"docqa/internal/extractor"
	"docqa/internal/metrics"
	"docqa/internal/vectorstore"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

// ProgressFunc is called during ingestion with (totalChunks, chunksDone).
type ProgressFunc func(total, done int)

// Embedding batch tuning.
const (
	batchSize   = 200
	concurrency = 6
	maxAttempts = 5
	maxBackoff  = 20 * time.Second
)

// retryBase is the first retry delay; it doubles per attempt up to maxBackoff.
var retryBase = 3 * time.Second

// Index is one named collection: the vectors, an optional keyword index over
// the same chunks, and the embedder that produced them.
type Index struct {
	Name     string
	Store    vectorstore.Store
	Keywords bleve.Index // nil when keyword search is off
	Embedder Embedder
	Splitter *Splitter

	keywordPath string
	mu          sync.Mutex // serialises writes to Store and Keywords
}

// New assembles an Index. keywords may be nil.
func New(name string, store vectorstore.Store, embedder Embedder, splitter *Splitter, keywords bleve.Index, keywordPath string) *Index {
	if splitter == nil {
		splitter = NewSplitter(0, 0)
	}
	return &Index{
		Name:        name,
		Store:       store,
		Keywords:    keywords,
		Embedder:    embedder,
		Splitter:    splitter,
		keywordPath: keywordPath,
	}
}

// KeywordOpenTimeout bounds how long opening an on-disk keyword index waits
// for the file lock held by another handle.
var KeywordOpenTimeout = 5 * time.Second

// OpenKeywordIndex opens the bleve index at path, creating it when missing.
// An empty path gives an in-memory index. Opening an index that another
// handle holds fails after KeywordOpenTimeout.
func OpenKeywordIndex(path string) (bleve.Index, error) {
	if path == "" {
		return bleve.NewMemOnly(bleve.NewIndexMapping())
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return bleve.New(path, bleve.NewIndexMapping())
	}
	return bleve.OpenUsing(path, map[string]interface{}{
		"bolt_timeout": KeywordOpenTimeout.String(),
	})
}

// AddDocuments splits pages into chunks, embeds and stores them, then
// flushes the store. It returns the number of chunks written.
func (idx *Index) AddDocuments(ctx context.Context, pages []extractor.Page, progress ProgressFunc) (int, error) {
	chunks, err := idx.Splitter.Split(pages)
	if err != nil {
		return 0, err
	}
	log.WithField("collection", idx.Name).Printf("Document split into chunks: %d chunks from %d pages", len(chunks), len(pages))
	if progress != nil {
		progress(len(chunks), 0)
	}

	if err := idx.EmbedAndIndex(ctx, chunks, progress); err != nil {
		return 0, err
	}
	if err := idx.Store.Flush(ctx); err != nil {
		return 0, fmt.Errorf("flush vectors: %w", err)
	}
	return len(chunks), nil
}

// EmbedAndIndex embeds chunks in batches of 200 with up to 6 calls in flight
// and writes each batch to the vector store and keyword index. A batch is
// tried up to 5 times with exponential backoff. The first error stops
// further batches from starting.
func (idx *Index) EmbedAndIndex(ctx context.Context, chunks []vectorstore.Chunk, progress ProgressFunc) error {
	if len(chunks) == 0 {
		return nil
	}
	total := len(chunks)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}
	var doneCount int
	var doneMu sync.Mutex

dispatch:
	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			fail(ctx.Err())
			break dispatch
		}

		wg.Add(1)
		go func(batch []vectorstore.Chunk) {
			defer wg.Done()
			defer func() { <-sem }()

			embeddings, err := idx.embedWithRetry(ctx, batch)
			if err != nil {
				fail(err)
				return
			}
			for k := range batch {
				batch[k].Embedding = embeddings[k]
			}
			if err := idx.write(ctx, batch); err != nil {
				fail(err)
				return
			}
			metrics.ChunksIndexed.Add(float64(len(batch)))

			doneMu.Lock()
			doneCount += len(batch)
			if progress != nil {
				progress(total, doneCount)
			}
			log.Debugf("Embedded %d / %d chunks", doneCount, total)
			doneMu.Unlock()
		}(chunks[start:end])
	}

	wg.Wait()
	return firstErr
}

func (idx *Index) embedWithRetry(ctx context.Context, batch []vectorstore.Chunk) ([][]float32, error) {
	inputs := make([]string, len(batch))
	for i, c := range batch {
		inputs[i] = c.Text
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var embeddings [][]float32
		embeddings, err = idx.Embedder.Embed(ctx, inputs)
		if err == nil && len(embeddings) != len(inputs) {
			err = fmt.Errorf("got %d embeddings for %d chunks", len(embeddings), len(inputs))
		}
		if err == nil {
			return embeddings, nil
		}
		if attempt == maxAttempts-1 {
			break
		}
		wait := retryBase * time.Duration(1<<uint(attempt))
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Warnf("Embedding batch retry %d after %v: %v", attempt+1, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("embedding error on batch: %w", err)
}

func (idx *Index) write(ctx context.Context, batch []vectorstore.Chunk) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.Store.Add(ctx, batch); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	if idx.Keywords == nil {
		return nil
	}
	b := idx.Keywords.NewBatch()
	for _, c := range batch {
		if err := b.Index(c.ID, map[string]interface{}{
			"text": c.Text,
			"doc":  c.Document,
			"page": c.PageNumber,
		}); err != nil {
			log.Printf("Failed to index keywords for %s: %v", c.ID, err)
		}
	}
	if err := idx.Keywords.Batch(b); err != nil {
		log.Printf("Keyword batch failed for %s: %v", idx.Name, err)
	}
	return nil
}

// Count returns the number of stored chunks.
func (idx *Index) Count(ctx context.Context) (int, error) {
	return idx.Store.Count(ctx)
}

// Drop deletes the collection's vectors and keyword index. The Index must
// not be used afterwards.
func (idx *Index) Drop(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var errs []error
	if err := idx.Store.Drop(ctx); err != nil {
		errs = append(errs, err)
	}
	if idx.Keywords != nil {
		if err := idx.Keywords.Close(); err != nil {
			errs = append(errs, err)
		}
		idx.Keywords = nil
		if idx.keywordPath != "" {
			if err := os.RemoveAll(idx.keywordPath); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close flushes and closes the store and keyword index.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var errs []error
	if err := idx.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if idx.Keywords != nil {
		if err := idx.Keywords.Close(); err != nil {
			errs = append(errs, err)
		}
		idx.Keywords = nil
	}
	return errors.Join(errs...)
}
