package retriever

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultNumQueries is how many rephrasings MultiQuery asks for.
const DefaultNumQueries = 2

// QueryGenerator rewrites a question into alternative phrasings.
type QueryGenerator interface {
	GenerateQueries(ctx context.Context, question string, n int) ([]string, error)
}

// Searcher runs a single similarity search.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// MultiQuery retrieves with several LLM-written phrasings of a question and
// returns the union of what they find.
type MultiQuery struct {
	Searcher        Searcher
	Generator       QueryGenerator
	NumQueries      int
	IncludeOriginal bool
}

// Retrieve returns the queries that were searched and the unique results,
// in query order, with duplicates (by text) dropped. If the generator yields
// nothing usable, the original question is searched instead.
func (m *MultiQuery) Retrieve(ctx context.Context, question string) ([]string, []Result, error) {
	n := m.NumQueries
	if n <= 0 {
		n = DefaultNumQueries
	}

	generated, err := m.Generator.GenerateQueries(ctx, question, n)
	if err != nil {
		return nil, nil, fmt.Errorf("generate queries: %w", err)
	}
	var queries []string
	for _, q := range generated {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	log.WithField("queries", queries).Debug("Generated queries")

	if len(queries) == 0 {
		log.Printf("No alternative queries generated, searching with the original question")
		queries = []string{question}
	} else if m.IncludeOriginal {
		queries = append(queries, question)
	}

	perQuery := make([][]Result, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			res, err := m.Searcher.Search(gctx, q)
			if err != nil {
				return fmt.Errorf("search %q: %w", q, err)
			}
			perQuery[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return queries, nil, err
	}

	return queries, uniqueUnion(perQuery), nil
}

// uniqueUnion flattens per-query results, keeping the first occurrence of
// each chunk text.
func uniqueUnion(lists [][]Result) []Result {
	seen := make(map[string]bool)
	var out []Result
	for _, list := range lists {
		for _, r := range list {
			if seen[r.Text] {
				continue
			}
			seen[r.Text] = true
			out = append(out, r)
		}
	}
	return out
}
