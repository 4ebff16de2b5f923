package vectorstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
)

// PgStore is one collection inside a shared pgvector table.
type PgStore struct {
	db         *sql.DB
	collection string
}

// OpenPostgres connects to dsn and creates the chunks table if needed.
// dimension is the embedding size (768 for nomic-embed-text).
func OpenPostgres(ctx context.Context, dsn string, dimension int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(ctx, db, dimension); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB, dimension int) error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS docqa_chunks (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			document TEXT NOT NULL,
			page_number INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (collection, id)
		)`, dimension),
		`CREATE INDEX IF NOT EXISTS idx_docqa_chunks_embedding ON docqa_chunks USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// NewPgStore binds a collection to an open database. The database is shared
// and is not closed by Close.
func NewPgStore(db *sql.DB, collection string) *PgStore {
	return &PgStore{db: db, collection: collection}
}

func (s *PgStore) Add(ctx context.Context, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, c := range chunks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO docqa_chunks (collection, id, document, page_number, content, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (collection, id) DO UPDATE SET
				document = EXCLUDED.document,
				page_number = EXCLUDED.page_number,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding
		`, s.collection, c.ID, c.Document, c.PageNumber, c.Text, pgvector.NewVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PgStore) Search(ctx context.Context, vec []float32, k int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document, page_number, content, embedding, 1 - (embedding <=> $2) AS score
		FROM docqa_chunks
		WHERE collection = $1
		ORDER BY embedding <=> $2
		LIMIT $3
	`, s.collection, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var emb pgvector.Vector
		if err := rows.Scan(&m.ID, &m.Document, &m.PageNumber, &m.Text, &emb, &m.Score); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		m.Embedding = emb.Slice()
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM docqa_chunks WHERE collection = $1`, s.collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *PgStore) Documents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM docqa_chunks WHERE collection = $1
		GROUP BY document ORDER BY MIN(created_at)
	`, s.collection)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Flush is a no-op: every Add commits.
func (s *PgStore) Flush(context.Context) error { return nil }

func (s *PgStore) Drop(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM docqa_chunks WHERE collection = $1`, s.collection); err != nil {
		return fmt.Errorf("drop collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *PgStore) Close() error { return nil }
