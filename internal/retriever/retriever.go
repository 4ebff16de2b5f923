package retriever

import (
	"context"
	"fmt"
	"sort"

	"docqa/internal/indexer"
	"docqa/internal/vectorstore"

	"github.com/blevesearch/bleve/v2"
)

// DefaultTopK matches the usual vector-store retriever default.
const DefaultTopK = 4

// Retrieval modes.
const (
	ModeVector = "vector"
	ModeHybrid = "hybrid"
)

// Result is a retrieved chunk with its relevance score.
type Result struct {
	ChunkID    string  `json:"chunk_id"`
	Document   string  `json:"document"`
	PageNumber int     `json:"page_number"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// Retriever searches one collection.
type Retriever struct {
	Store    vectorstore.Store
	Keywords bleve.Index // used in hybrid mode only
	Embedder indexer.Embedder
	TopK     int
	Mode     string
}

// New creates a Retriever over idx. Hybrid mode silently degrades to vector
// search when the index has no keyword index.
func New(idx *indexer.Index, topK int, mode string) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if mode != ModeHybrid || idx.Keywords == nil {
		mode = ModeVector
	}
	return &Retriever{
		Store:    idx.Store,
		Keywords: idx.Keywords,
		Embedder: idx.Embedder,
		TopK:     topK,
		Mode:     mode,
	}
}

// Search returns the TopK chunks most relevant to query.
func (r *Retriever) Search(ctx context.Context, query string) ([]Result, error) {
	resp, err := r.Embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("query embedding error: %w", err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("query embedding error: empty response")
	}
	queryEmb := resp[0]

	if r.Mode != ModeHybrid {
		matches, err := r.Store.Search(ctx, queryEmb, r.TopK)
		if err != nil {
			return nil, fmt.Errorf("vector search error: %w", err)
		}
		results := make([]Result, len(matches))
		for i, m := range matches {
			results[i] = fromMatch(m)
		}
		return results, nil
	}
	return r.hybrid(ctx, query, queryEmb)
}

// hybrid merges vector and BM25 rankings with Reciprocal Rank Fusion (k=60).
func (r *Retriever) hybrid(ctx context.Context, query string, queryEmb []float32) ([]Result, error) {
	candidates := r.TopK * 3

	matches, err := r.Store.Search(ctx, queryEmb, candidates)
	if err != nil {
		return nil, fmt.Errorf("vector search error: %w", err)
	}

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(query))
	req.Size = candidates
	req.Fields = []string{"text", "doc", "page"}
	bm25Results, err := r.Keywords.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("BM25 search error: %w", err)
	}

	byID := make(map[string]Result)
	vectorRanks := make(map[string]int)
	for rank, m := range matches {
		vectorRanks[m.ID] = rank + 1
		byID[m.ID] = fromMatch(m)
	}
	bm25Ranks := make(map[string]int)
	for rank, hit := range bm25Results.Hits {
		bm25Ranks[hit.ID] = rank + 1
		if _, ok := byID[hit.ID]; !ok {
			byID[hit.ID] = fromHit(hit.ID, hit.Fields)
		}
	}

	const k = 60.0
	type fused struct {
		id    string
		score float64
	}
	all := make([]fused, 0, len(byID))
	for id := range byID {
		score := 0.0
		if vr, ok := vectorRanks[id]; ok {
			score += 1.0 / (k + float64(vr))
		}
		if br, ok := bm25Ranks[id]; ok {
			score += 1.0 / (k + float64(br))
		}
		all = append(all, fused{id, score})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})

	var results []Result
	for _, f := range all {
		if len(results) >= r.TopK {
			break
		}
		res := byID[f.id]
		if res.Text == "" {
			continue
		}
		res.Score = f.score
		results = append(results, res)
	}
	return results, nil
}

func fromMatch(m vectorstore.Match) Result {
	return Result{
		ChunkID:    m.ID,
		Document:   m.Document,
		PageNumber: m.PageNumber,
		Text:       m.Text,
		Score:      m.Score,
	}
}

func fromHit(id string, fields map[string]interface{}) Result {
	res := Result{ChunkID: id}
	if s, ok := fields["text"].(string); ok {
		res.Text = s
	}
	if s, ok := fields["doc"].(string); ok {
		res.Document = s
	}
	if p, ok := fields["page"].(float64); ok {
		res.PageNumber = int(p)
	}
	return res
}
