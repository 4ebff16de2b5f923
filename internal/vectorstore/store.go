// Package vectorstore persists embedded chunks and answers nearest-neighbour
// queries for one named collection.
package vectorstore

import (
	"context"
	"math"
)

// Chunk is one embedded piece of a document.
type Chunk struct {
	ID         string    `json:"id"`
	Document   string    `json:"document"`
	PageNumber int       `json:"page_number"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// Match is a chunk returned by Search with its cosine similarity.
type Match struct {
	Chunk
	Score float64 `json:"score"`
}

// Store is a single collection of chunks.
type Store interface {
	// Add inserts chunks, replacing any with the same ID.
	Add(ctx context.Context, chunks []Chunk) error

	// Search returns the k chunks most similar to vec, best first.
	Search(ctx context.Context, vec []float32, k int) ([]Match, error)

	// Count returns the number of chunks in the collection.
	Count(ctx context.Context) (int, error)

	// Documents returns the distinct document names in the collection.
	Documents(ctx context.Context) ([]string, error)

	// Flush makes pending writes durable.
	Flush(ctx context.Context) error

	// Drop deletes the collection and everything in it.
	Drop(ctx context.Context) error

	Close() error
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
