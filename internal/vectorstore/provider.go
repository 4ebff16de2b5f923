package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
)

// Backend names accepted by NewProvider.
const (
	BackendLocal    = "local"
	BackendPgvector = "pgvector"
)

// Provider opens collections on one configured backend.
type Provider struct {
	backend string
	dir     string
	db      *sql.DB
}

// ProviderConfig selects and configures the backend.
type ProviderConfig struct {
	Backend     string // local | pgvector
	Dir         string // local: directory holding <collection>.gob
	DatabaseURL string // pgvector: postgres DSN
	Dimension   int    // pgvector: embedding size
}

// NewProvider connects to the configured backend. For pgvector this opens the
// shared database and runs migrations.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	backend := strings.ToLower(cfg.Backend)
	switch backend {
	case BackendLocal, "":
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "vectors")
		}
		return &Provider{backend: BackendLocal, dir: dir}, nil
	case BackendPgvector:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("pgvector backend requires DATABASE_URL")
		}
		dim := cfg.Dimension
		if dim <= 0 {
			dim = 768
		}
		db, err := OpenPostgres(ctx, cfg.DatabaseURL, dim)
		if err != nil {
			return nil, err
		}
		return &Provider{backend: BackendPgvector, db: db}, nil
	default:
		return nil, fmt.Errorf("unknown vector store backend: %s", cfg.Backend)
	}
}

// Backend returns the active backend name.
func (p *Provider) Backend() string { return p.backend }

// Open returns the named collection, creating it if it does not exist.
func (p *Provider) Open(collection string) (Store, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if p.backend == BackendPgvector {
		return NewPgStore(p.db, collection), nil
	}
	return OpenLocal(p.dir, collection)
}

// Exists reports whether the named collection holds any chunks.
func (p *Provider) Exists(ctx context.Context, collection string) (bool, error) {
	if p.backend == BackendLocal {
		return LocalExists(p.dir, collection), nil
	}
	n, err := NewPgStore(p.db, collection).Count(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close releases the shared database, if any.
func (p *Provider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
