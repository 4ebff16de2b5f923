package vectorstore

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LocalStore keeps a collection in memory and persists it under dir as
// <collection>.gob, with a <collection>.json copy as a fallback.
type LocalStore struct {
	dir        string
	collection string

	mu     sync.RWMutex
	chunks map[string]Chunk
	order  []string
	dirty  bool
}

// snapshot is the on-disk format.
type snapshot struct {
	Collection string  `json:"collection"`
	Chunks     []Chunk `json:"chunks"`
}

// OpenLocal opens (or creates) a collection under dir.
func OpenLocal(dir, collection string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create vector dir: %w", err)
	}
	s := &LocalStore{
		dir:        dir,
		collection: collection,
		chunks:     make(map[string]Chunk),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// LocalExists reports whether a persisted collection exists under dir.
func LocalExists(dir, collection string) bool {
	for _, ext := range []string{".gob", ".json"} {
		if _, err := os.Stat(filepath.Join(dir, collection+ext)); err == nil {
			return true
		}
	}
	return false
}

func (s *LocalStore) gobPath() string  { return filepath.Join(s.dir, s.collection+".gob") }
func (s *LocalStore) jsonPath() string { return filepath.Join(s.dir, s.collection+".json") }

func (s *LocalStore) Add(_ context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if _, ok := s.chunks[c.ID]; !ok {
			s.order = append(s.order, c.ID)
		}
		s.chunks[c.ID] = c
	}
	if len(chunks) > 0 {
		s.dirty = true
	}
	return nil
}

// Search is a brute-force cosine scan. Ties keep insertion order.
func (s *LocalStore) Search(_ context.Context, vec []float32, k int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Match, 0, len(s.order))
	for _, id := range s.order {
		c := s.chunks[id]
		if len(c.Embedding) == 0 {
			continue
		}
		matches = append(matches, Match{Chunk: c, Score: CosineSimilarity(vec, c.Embedding)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *LocalStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

func (s *LocalStore) Documents(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var docs []string
	for _, id := range s.order {
		d := s.chunks[id].Document
		if !seen[d] {
			seen[d] = true
			docs = append(docs, d)
		}
	}
	return docs, nil
}

// Flush writes the binary snapshot and then the JSON fallback.
func (s *LocalStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	snap := snapshot{Collection: s.collection, Chunks: make([]Chunk, 0, len(s.order))}
	for _, id := range s.order {
		snap.Chunks = append(snap.Chunks, s.chunks[id])
	}

	if err := writeGob(s.gobPath(), snap); err != nil {
		log.Printf("Warning: failed to save binary vectors: %v", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode vectors: %w", err)
	}
	if err := os.WriteFile(s.jsonPath(), data, 0644); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}
	s.dirty = false
	log.Printf("Saved %d chunks for collection %s", len(snap.Chunks), s.collection)
	return nil
}

func (s *LocalStore) Drop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = make(map[string]Chunk)
	s.order = nil
	s.dirty = false
	for _, p := range []string{s.gobPath(), s.jsonPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

func (s *LocalStore) Close() error {
	return s.Flush(context.Background())
}

// load tries the binary snapshot first and falls back to JSON.
func (s *LocalStore) load() error {
	start := time.Now()
	var snap snapshot

	if err := readGob(s.gobPath(), &snap); err == nil {
		s.restore(snap)
		log.Printf("Loaded %d chunks from binary in %v", len(s.order), time.Since(start))
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Printf("Binary load failed, falling back to JSON: %v", err)
		snap = snapshot{}
	}

	data, err := os.ReadFile(s.jsonPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read vectors: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode vectors: %w", err)
	}
	s.restore(snap)
	log.Printf("Loaded %d chunks from JSON in %v", len(s.order), time.Since(start))
	return nil
}

func (s *LocalStore) restore(snap snapshot) {
	for _, c := range snap.Chunks {
		if _, ok := s.chunks[c.ID]; !ok {
			s.order = append(s.order, c.ID)
		}
		s.chunks[c.ID] = c
	}
}

func writeGob(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}
